package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/busybox42/mailexchange/internal/dns"
	"github.com/busybox42/mailexchange/internal/transport"
)

const DefaultPort = 25

// Dialer opens TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ConnectorConfig configures a Connector.
type ConnectorConfig struct {
	Port        int
	DialTimeout time.Duration
	Dialer      Dialer
	Stream      transport.Options
	Logger      *slog.Logger
}

// Connector finds and dials a mail server for a domain.
type Connector struct {
	resolver    dns.Resolver
	dialer      Dialer
	port        int
	dialTimeout time.Duration
	stream      transport.Options
	logger      *slog.Logger
}

func NewConnector(resolver dns.Resolver, cfg ConnectorConfig) *Connector {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stream.Logger == nil {
		cfg.Stream.Logger = cfg.Logger
	}
	return &Connector{
		resolver:    resolver,
		dialer:      cfg.Dialer,
		port:        cfg.Port,
		dialTimeout: cfg.DialTimeout,
		stream:      cfg.Stream,
		logger:      cfg.Logger.With("component", "mx-connector"),
	}
}

// ConnectError lists every dial that failed for a domain.
type ConnectError struct {
	Domain   string
	Attempts []error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("unable to connect to a mail server for %s: %v", e.Domain, errors.Join(e.Attempts...))
}

func (e *ConnectError) Unwrap() []error {
	return e.Attempts
}

// Connect dials the exchangers of domain in the order the resolver returned
// them, then the domain itself. It returns the stream and the host reached.
func (c *Connector) Connect(ctx context.Context, domain string) (*transport.Stream, string, error) {
	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(domain, "."))
	if err != nil {
		return nil, "", fmt.Errorf("invalid domain %q: %w", domain, err)
	}

	records, err := c.resolver.LookupMX(ctx, ascii)
	if err != nil {
		level := slog.LevelWarn
		if dns.IsNotFound(err) {
			level = slog.LevelInfo
		}
		c.logger.Log(ctx, level, "MX lookup failed, falling back to the domain", "domain", ascii, "error", err)
		records = nil
	}

	var attempts []error
	for _, mx := range records {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			continue
		}
		c.logger.DebugContext(ctx, "Trying mail exchanger", "domain", ascii, "host", host, "pref", mx.Pref)
		stream, err := c.dial(ctx, host)
		if err == nil {
			return stream, host, nil
		}
		attempts = append(attempts, fmt.Errorf("%s: %w", host, err))
		if ctx.Err() != nil {
			return nil, "", &ConnectError{Domain: ascii, Attempts: attempts}
		}
	}

	if len(records) == 0 {
		c.logger.InfoContext(ctx, "No usable MX record, trying the domain itself", "domain", ascii)
	}
	stream, err := c.dial(ctx, ascii)
	if err == nil {
		return stream, ascii, nil
	}
	attempts = append(attempts, fmt.Errorf("%s: %w", ascii, err))
	return nil, "", &ConnectError{Domain: ascii, Attempts: attempts}
}

func (c *Connector) dial(ctx context.Context, host string) (*transport.Stream, error) {
	dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dctx, "tcp", net.JoinHostPort(host, strconv.Itoa(c.port)))
	if err != nil {
		return nil, err
	}
	return transport.NewStream(conn, c.stream), nil
}
