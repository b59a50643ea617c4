package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/tinylib/msgp/msgp"

	"github.com/busybox42/mailexchange/internal/cache"
)

// CachingResolver answers from a cache before asking the wrapped resolver.
// Not-found answers are cached too, as empty entries.
type CachingResolver struct {
	next   Resolver
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachingResolver(next Resolver, c cache.Cache, ttl time.Duration, logger *slog.Logger) *CachingResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingResolver{
		next:   next,
		cache:  c,
		ttl:    ttl,
		logger: logger.With("component", "mx-cache"),
	}
}

func cacheKey(name string) string {
	return "mx:" + strings.ToLower(ensureAbsolute(name))
}

func (r *CachingResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	key := cacheKey(name)

	raw, err := r.cache.Get(ctx, key)
	switch {
	case err == nil:
		records, derr := decodeMX(raw)
		if derr == nil {
			if len(records) == 0 {
				return nil, ErrDNSNotFound
			}
			return records, nil
		}
		r.logger.WarnContext(ctx, "Dropping unreadable MX cache entry", "key", key, "error", derr)
	case !errors.Is(err, cache.ErrNotFound):
		r.logger.WarnContext(ctx, "MX cache read failed", "key", key, "error", err)
	}

	records, err := r.next.LookupMX(ctx, name)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}

	if serr := r.cache.Set(ctx, key, encodeMX(records), r.ttl); serr != nil {
		r.logger.WarnContext(ctx, "MX cache write failed", "key", key, "error", serr)
	}
	return records, err
}

// encodeMX writes records as a msgpack array of [host, pref] pairs.
func encodeMX(records []*net.MX) []byte {
	b := msgp.AppendArrayHeader(nil, uint32(len(records)))
	for _, mx := range records {
		b = msgp.AppendArrayHeader(b, 2)
		b = msgp.AppendString(b, mx.Host)
		b = msgp.AppendUint16(b, mx.Pref)
	}
	return b
}

func decodeMX(b []byte) ([]*net.MX, error) {
	n, b, err := msgp.ReadArrayHeaderBytes(b)
	if err != nil {
		return nil, err
	}
	records := make([]*net.MX, 0, n)
	for i := uint32(0); i < n; i++ {
		var fields uint32
		fields, b, err = msgp.ReadArrayHeaderBytes(b)
		if err != nil {
			return nil, err
		}
		if fields != 2 {
			return nil, fmt.Errorf("mx entry %d has %d fields", i, fields)
		}
		mx := &net.MX{}
		if mx.Host, b, err = msgp.ReadStringBytes(b); err != nil {
			return nil, err
		}
		if mx.Pref, b, err = msgp.ReadUint16Bytes(b); err != nil {
			return nil, err
		}
		records = append(records, mx)
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after mx entry", len(b))
	}
	return records, nil
}
