package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached stores values in a memcached server. The client calls do not take
// a context.
type Memcached struct {
	config Config
	client *memcache.Client
}

func NewMemcached(config Config) *Memcached {
	return &Memcached{config: config}
}

// Connect creates the client and pings the server.
func (m *Memcached) Connect(context.Context) error {
	if m.client != nil {
		return nil
	}

	client := memcache.New(addr(m.config, 11211))
	if m.config.Timeout > 0 {
		client.Timeout = m.config.Timeout
	}
	if err := client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}
	m.client = client
	return nil
}

func (m *Memcached) Close() error {
	m.client = nil
	return nil
}

func (m *Memcached) Type() string {
	return "memcached"
}

func (m *Memcached) Get(_ context.Context, key string) ([]byte, error) {
	if m.client == nil {
		return nil, ErrNotConnected
	}
	it, err := m.client.Get(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return it.Value, nil
}

func (m *Memcached) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.client == nil {
		return ErrNotConnected
	}
	return m.client.Set(&memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: expirationSeconds(ttl),
	})
}

func (m *Memcached) Delete(_ context.Context, key string) error {
	if m.client == nil {
		return ErrNotConnected
	}
	err := m.client.Delete(key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return ErrNotFound
	}
	return err
}

// expirationSeconds rounds sub-second TTLs up so they do not mean "forever".
func expirationSeconds(ttl time.Duration) int32 {
	if ttl <= 0 {
		return 0
	}
	secs := int32(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	return secs
}
