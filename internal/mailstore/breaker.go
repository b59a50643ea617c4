package mailstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures the circuit breaker in front of a Store.
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// ConsecutiveFailures trips the breaker. Zero selects 5.
	ConsecutiveFailures uint32
	Logger              *slog.Logger
}

// BreakerStore fails fast while the wrapped store keeps erroring, so
// sessions are not held up by a database that is down.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerStore(next Store, cfg BreakerConfig) *BreakerStore {
	if cfg.Name == "" {
		cfg.Name = "mail-store"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mail-store")

	threshold := cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &BreakerStore{next: next, cb: cb}
}

func (b *BreakerStore) Save(ctx context.Context, m *Mail) (string, error) {
	id, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Save(ctx, m)
	})
	if err != nil {
		return "", err
	}
	return id.(string), nil
}

// State reports the breaker state, e.g. "closed" or "open".
func (b *BreakerStore) State() string {
	return b.cb.State().String()
}

func (b *BreakerStore) Ping(ctx context.Context) error {
	return b.next.Ping(ctx)
}

func (b *BreakerStore) Close() error {
	return b.next.Close()
}

// Unwrap returns the wrapped store.
func (b *BreakerStore) Unwrap() Store {
	return b.next
}
