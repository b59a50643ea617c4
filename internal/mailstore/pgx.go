package mailstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgInsertMail = `INSERT INTO email (id, sender, receiver, server, data, received_at) VALUES ($1, $2, $3, $4, $5, $6)`
	pgSchema     = `CREATE TABLE IF NOT EXISTS email (
	id          VARCHAR(26) PRIMARY KEY,
	sender      TEXT NOT NULL,
	receiver    TEXT NOT NULL,
	server      TEXT NOT NULL,
	data        TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
)`
)

// PgxPoolIface is the subset of *pgxpool.Pool the store needs. pgxmock
// pools satisfy it as well.
type PgxPoolIface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PgxStore stores mail in PostgreSQL through a pgx connection pool.
type PgxStore struct {
	pool PgxPoolIface
}

// NewPgxStore opens a pool for dsn. maxConns of zero keeps the pgx default.
func NewPgxStore(ctx context.Context, dsn string, maxConns int) (*PgxStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PgxStore{pool: pool}, nil
}

// NewPgxStoreWithPool wraps an existing pool.
func NewPgxStoreWithPool(pool PgxPoolIface) *PgxStore {
	return &PgxStore{pool: pool}
}

func (s *PgxStore) Save(ctx context.Context, m *Mail) (string, error) {
	prepare(m)
	_, err := s.pool.Exec(ctx, pgInsertMail, m.ID, m.Sender, m.Recipient, m.Server, m.Data, m.ReceivedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert mail for %s: %w", m.Recipient, err)
	}
	return m.ID, nil
}

// Count returns the number of stored copies addressed to recipient.
func (s *PgxStore) Count(ctx context.Context, recipient string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM email WHERE receiver = $1`, recipient).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count mail for %s: %w", recipient, err)
	}
	return n, nil
}

func (s *PgxStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, pgSchema)
	return err
}

func (s *PgxStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgxStore) Close() error {
	s.pool.Close()
	return nil
}
