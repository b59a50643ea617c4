// Package metrics keeps long lived traffic counters outside of Prometheus.
package metrics

import (
	"context"
	"sync"
)

// Counter names
const (
	StatReceived        = "received"
	StatStored          = "stored"
	StatStoreFailed     = "store_failed"
	StatDelivered       = "delivered"
	StatDeliveryFailed  = "delivery_failed"
	StatDeliveryAttempt = "delivery_attempts"
)

var knownStats = []string{
	StatReceived,
	StatStored,
	StatStoreFailed,
	StatDelivered,
	StatDeliveryFailed,
	StatDeliveryAttempt,
}

// Recorder counts events. Implementations must be safe for concurrent use.
type Recorder interface {
	Incr(ctx context.Context, name string, n int64) error
	Snapshot(ctx context.Context) (map[string]int64, error)
	Close() error
}

// NopRecorder drops everything.
type NopRecorder struct{}

func (NopRecorder) Incr(context.Context, string, int64) error { return nil }

func (NopRecorder) Snapshot(context.Context) (map[string]int64, error) {
	return map[string]int64{}, nil
}

func (NopRecorder) Close() error { return nil }

// MemoryRecorder keeps counters in process.
type MemoryRecorder struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{counts: make(map[string]int64)}
}

func (m *MemoryRecorder) Incr(_ context.Context, name string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[name] += n
	return nil
}

func (m *MemoryRecorder) Snapshot(context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryRecorder) Close() error { return nil }

// Open returns a Valkey backed recorder when addr is set, otherwise an in
// process one.
func Open(addr string) (Recorder, error) {
	if addr == "" {
		return NewMemoryRecorder(), nil
	}
	return NewValkeyStats(addr)
}
