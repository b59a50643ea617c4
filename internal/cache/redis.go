package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores values in a Redis server.
type Redis struct {
	config Config
	client *redis.Client
}

func NewRedis(config Config) *Redis {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	return &Redis{config: config}
}

// Connect dials the server and pings it.
func (r *Redis) Connect(ctx context.Context) error {
	if r.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr(r.config, 6379),
		Password:     r.config.Password,
		DB:           r.config.Database,
		DialTimeout:  r.config.Timeout,
		ReadTimeout:  r.config.Timeout,
		WriteTimeout: r.config.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.client = client
	return nil
}

func (r *Redis) Close() error {
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *Redis) Type() string {
	return "redis"
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	if r.client == nil {
		return nil, ErrNotConnected
	}
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if r.client == nil {
		return ErrNotConnected
	}
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if r.client == nil {
		return ErrNotConnected
	}
	n, err := r.client.Del(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
