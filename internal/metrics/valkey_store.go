package metrics

import (
	"context"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyStats keeps the counters in Valkey so they survive restarts and are
// shared by every instance pointing at the same server.
type ValkeyStats struct {
	client valkey.Client
	prefix string
}

// NewValkeyStats connects to the Valkey server at addr.
func NewValkeyStats(addr string) (*ValkeyStats, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, err
	}
	return newValkeyStats(client), nil
}

func newValkeyStats(client valkey.Client) *ValkeyStats {
	return &ValkeyStats{
		client: client,
		prefix: "mailexchange:stats:",
	}
}

// Incr adds n to the running total and to the current hour's bucket.
func (s *ValkeyStats) Incr(ctx context.Context, name string, n int64) error {
	key := s.prefix + name
	hourKey := s.prefix + "hourly:" + time.Now().UTC().Format("2006-01-02:15") + ":" + name

	cmds := []valkey.Completed{
		s.client.B().Incrby().Key(key).Increment(n).Build(),
		s.client.B().Incrby().Key(hourKey).Increment(n).Build(),
		s.client.B().Expire().Key(hourKey).Seconds(86400).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot reads the running totals of the known counters. Counters that
// were never incremented read as zero.
func (s *ValkeyStats) Snapshot(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(knownStats))
	for _, name := range knownStats {
		n, err := s.client.Do(ctx, s.client.B().Get().Key(s.prefix+name).Build()).AsInt64()
		if err != nil {
			if valkey.IsValkeyNil(err) {
				out[name] = 0
				continue
			}
			return nil, err
		}
		out[name] = n
	}
	return out, nil
}

func (s *ValkeyStats) Close() error {
	s.client.Close()
	return nil
}
