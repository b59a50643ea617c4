package mailstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// database/sql driver names
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
	DriverMySQL    = "mysql"
)

// SQLStore stores mail through database/sql with the lib/pq, go-sqlite3 or
// go-sql-driver/mysql drivers.
type SQLStore struct {
	db     *sql.DB
	driver string
	insert string
}

// OpenSQL opens and pings a database for driver.
func OpenSQL(ctx context.Context, driver, dsn string, maxConns int) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", driver, err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(min(5, maxConns))
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s server: %w", driver, err)
	}
	return NewSQLStore(db, driver), nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	cols := "id, sender, receiver, server, data, received_at"
	return &SQLStore{
		db:     db,
		driver: driver,
		insert: "INSERT INTO email (" + cols + ") VALUES (" + placeholders(driver, 6) + ")",
	}
}

// placeholders returns n bind parameters in the driver's syntax.
func placeholders(driver string, n int) string {
	p := make([]string, n)
	for i := range p {
		if driver == DriverPostgres {
			p[i] = "$" + strconv.Itoa(i+1)
		} else {
			p[i] = "?"
		}
	}
	return strings.Join(p, ", ")
}

func (s *SQLStore) Save(ctx context.Context, m *Mail) (string, error) {
	prepare(m)
	_, err := s.db.ExecContext(ctx, s.insert, m.ID, m.Sender, m.Recipient, m.Server, m.Data, m.ReceivedAt)
	if err != nil {
		return "", fmt.Errorf("failed to insert mail for %s: %w", m.Recipient, err)
	}
	return m.ID, nil
}

// List returns the stored copies for recipient, oldest first.
func (s *SQLStore) List(ctx context.Context, recipient string) ([]Mail, error) {
	query := "SELECT id, sender, receiver, server, data, received_at FROM email WHERE receiver = " +
		placeholders(s.driver, 1) + " ORDER BY id"
	rows, err := s.db.QueryContext(ctx, query, recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to query mail for %s: %w", recipient, err)
	}
	defer rows.Close()

	var out []Mail
	for rows.Next() {
		var m Mail
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Server, &m.Data, &m.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	timestamp := "TIMESTAMP"
	data := "TEXT"
	switch s.driver {
	case DriverPostgres:
		timestamp = "TIMESTAMPTZ"
	case DriverMySQL:
		timestamp = "DATETIME(6)"
		data = "LONGTEXT"
	}
	schema := `CREATE TABLE IF NOT EXISTS email (
	id          VARCHAR(26) PRIMARY KEY,
	sender      VARCHAR(320) NOT NULL,
	receiver    VARCHAR(320) NOT NULL,
	server      VARCHAR(255) NOT NULL,
	data        ` + data + ` NOT NULL,
	received_at ` + timestamp + ` NOT NULL
)`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
