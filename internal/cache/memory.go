package cache

import (
	"context"
	"sync"
	"time"
)

type item struct {
	value      []byte
	expiration int64 // unix nanoseconds, zero never expires
}

func (i item) expired(now int64) bool {
	return i.expiration > 0 && now > i.expiration
}

// Memory keeps values in process. A janitor drops expired entries once a
// minute.
type Memory struct {
	mu        sync.RWMutex
	items     map[string]item
	connected bool
	stop      chan struct{}
	interval  time.Duration
}

func NewMemory(Config) *Memory {
	return &Memory{
		items:    make(map[string]item),
		interval: time.Minute,
	}
}

// Connect starts the janitor.
func (m *Memory) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	m.stop = make(chan struct{})
	go m.janitor(m.stop, m.interval)
	m.connected = true
	return nil
}

func (m *Memory) janitor(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.deleteExpired()
		case <-stop:
			return
		}
	}
}

// Close stops the janitor and clears the cache.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}
	close(m.stop)
	m.items = make(map[string]item)
	m.connected = false
	return nil
}

func (m *Memory) Type() string {
	return "memory"
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.connected {
		return nil, ErrNotConnected
	}
	it, ok := m.items[key]
	if !ok || it.expired(time.Now().UnixNano()) {
		return nil, ErrNotFound
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	var exp int64
	if ttl > 0 {
		exp = time.Now().Add(ttl).UnixNano()
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.items[key] = item{value: stored, expiration: exp}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrNotConnected
	}
	if _, ok := m.items[key]; !ok {
		return ErrNotFound
	}
	delete(m.items, key)
	return nil
}

// Len counts stored entries, expired ones included until the janitor runs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

func (m *Memory) deleteExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixNano()
	for k, v := range m.items {
		if v.expired(now) {
			delete(m.items, k)
		}
	}
}
