// Package mailstore persists accepted messages, one row per recipient.
package mailstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Common errors
var (
	ErrNotConnected    = errors.New("mail store is not connected")
	ErrUnsupportedType = errors.New("unsupported mail store type")
)

// Mail is the stored copy of a message for a single recipient.
type Mail struct {
	ID         string
	Sender     string
	Recipient  string
	Server     string
	Data       string
	ReceivedAt time.Time
}

// Store saves mail. Implementations must be safe for concurrent use.
type Store interface {
	// Save stores m and returns its ID. A missing ID or timestamp is filled in.
	Save(ctx context.Context, m *Mail) (string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a Store.
type Config struct {
	// Type is one of "pgx", "postgres", "sqlite3" or "mysql".
	Type     string
	DSN      string
	MaxConns int
	// Migrate creates the email table when it does not exist.
	Migrate bool
	Breaker BreakerConfig
}

// Open connects the configured store and wraps it in a circuit breaker.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("mail store dsn must be set")
	}

	var (
		store Store
		err   error
	)
	switch cfg.Type {
	case "", "pgx":
		store, err = NewPgxStore(ctx, cfg.DSN, cfg.MaxConns)
	case DriverPostgres, DriverSQLite, DriverMySQL:
		store, err = OpenSQL(ctx, cfg.Type, cfg.DSN, cfg.MaxConns)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Migrate {
		if m, ok := store.(interface{ Migrate(context.Context) error }); ok {
			if err := m.Migrate(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("failed to migrate mail store: %w", err)
			}
		}
	}

	return NewBreakerStore(store, cfg.Breaker), nil
}

// prepare fills in the generated fields of m.
func prepare(m *Mail) {
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = time.Now().UTC()
	}
}
