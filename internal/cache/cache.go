// Package cache holds short lived byte values shared by delivery workers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is a TTL key/value store. Implementations must be safe for
// concurrent use once connected.
type Cache interface {
	Connect(ctx context.Context) error
	Close() error
	Type() string

	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value for ttl. A zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Config selects and addresses a cache backend.
type Config struct {
	Type     string // none, memory, redis or memcached
	Host     string
	Port     int
	Password string
	Database int
	Timeout  time.Duration
}

// Factory builds the backend named by config.Type. It returns nil for "none"
// and an empty type. The cache is not connected yet.
func Factory(config Config) (Cache, error) {
	switch config.Type {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemory(config), nil
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %s", config.Type)
	}
}

func addr(config Config, defaultPort int) string {
	host := config.Host
	if host == "" {
		host = "localhost"
	}
	port := config.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", host, port)
}
