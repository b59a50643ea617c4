package smtp

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/busybox42/mailexchange/internal/transport"
)

// Config holds the receiving server settings.
type Config struct {
	// Hostname is announced in the greeting and HELO/EHLO replies.
	Hostname string
	// ListenAddr is the address passed to net.Listen, e.g. ":25".
	ListenAddr string
	// Credentials supplies the certificate for STARTTLS.
	Credentials transport.CredentialSource

	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SessionTimeout time.Duration
	// MaxCommands bounds the commands accepted within one transaction.
	MaxCommands int
	// MaxSessions bounds concurrently served connections. Zero means no limit.
	MaxSessions int
	// MaxSize bounds a message body in bytes. Zero means no limit.
	MaxSize int64

	Logger *slog.Logger
}

// DefaultConfig returns a Config with conservative limits. Hostname and
// Credentials still have to be filled in.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     ":25",
		ReadTimeout:    5 * time.Minute,
		WriteTimeout:   time.Minute,
		SessionTimeout: 30 * time.Minute,
		MaxCommands:    1000,
		MaxSessions:    100,
		MaxSize:        25 * 1024 * 1024,
	}
}

// Validate checks the settings a server cannot start without.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname must be set")
	}
	if c.Credentials == nil {
		return errors.New("tls credentials must be set")
	}
	if c.MaxCommands <= 0 {
		return errors.New("max commands must be positive")
	}
	if c.MaxSize < 0 {
		return errors.New("max size must not be negative")
	}
	return nil
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, nil))
}

func (c *Config) streamOptions() transport.Options {
	return transport.Options{
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		Logger:       c.logger(),
	}
}
