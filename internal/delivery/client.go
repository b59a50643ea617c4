package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/busybox42/mailexchange/internal/logging"
	"github.com/busybox42/mailexchange/internal/metrics"
	"github.com/busybox42/mailexchange/internal/smtp"
	"github.com/busybox42/mailexchange/internal/transport"
)

const (
	DefaultMaxAttempts        = 5
	DefaultMaxCapabilityLines = 100
)

// HostConnector yields a connected stream to a mail server of a domain.
// *Connector is the production implementation.
type HostConnector interface {
	Connect(ctx context.Context, domain string) (*transport.Stream, string, error)
}

// Config configures a Client.
type Config struct {
	// LocalName is sent with EHLO.
	LocalName string
	// MaxAttempts bounds the connections made for one Send. Default 5.
	MaxAttempts int
	// RetryDelay is slept between attempts. Zero retries immediately.
	RetryDelay time.Duration
	// TLSConfig is cloned for each STARTTLS. A nil RootCAs uses the system
	// trust store.
	TLSConfig          *tls.Config
	MaxCapabilityLines int
	Logger             *slog.Logger
}

// Client sends one message to the servers of one domain, retrying the whole
// transaction on a fresh connection when a step fails.
type Client struct {
	connector HostConnector
	config    Config
	stats     metrics.Recorder
	metrics   *Metrics
	logger    *slog.Logger
}

func NewClient(connector HostConnector, config Config, stats metrics.Recorder) (*Client, error) {
	if connector == nil {
		return nil, errors.New("connector is required")
	}
	if config.LocalName == "" {
		return nil, errors.New("local name is required for EHLO")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.MaxCapabilityLines <= 0 {
		config.MaxCapabilityLines = DefaultMaxCapabilityLines
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if stats == nil {
		stats = metrics.NopRecorder{}
	}
	return &Client{
		connector: connector,
		config:    config,
		stats:     stats,
		metrics:   GetMetrics(),
		logger:    config.Logger.With("component", "smtp-client"),
	}, nil
}

// Result describes the attempt that delivered the message.
type Result struct {
	Attempts int
	Host     string
	TLS      bool
	Duration time.Duration
}

// StepError is a reply that rejected a step of the transaction.
type StepError struct {
	Step  string
	Reply smtp.Reply
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Step, e.Reply)
}

// AttemptError records why one attempt failed.
type AttemptError struct {
	Attempt int
	Host    string
	Err     error
}

func (e *AttemptError) Error() string {
	if e.Host == "" {
		return fmt.Sprintf("attempt %d: %v", e.Attempt, e.Err)
	}
	return fmt.Sprintf("attempt %d via %s: %v", e.Attempt, e.Host, e.Err)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// SendError is returned once every attempt has failed.
type SendError struct {
	Domain   string
	Attempts []*AttemptError
}

func (e *SendError) Error() string {
	msg := fmt.Sprintf("Failed to send to %s after %d attempts", e.Domain, len(e.Attempts))
	if n := len(e.Attempts); n > 0 {
		msg += ": " + e.Attempts[n-1].Error()
	}
	return msg
}

func (e *SendError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a
	}
	return errs
}

// Send delivers body from one sender to recipients that share the domain of
// the first recipient.
func (c *Client) Send(ctx context.Context, from string, to []string, body string) (*Result, error) {
	if len(to) == 0 {
		return nil, errors.New("at least one recipient is required")
	}
	domain := smtp.Domain(to[0])
	if domain == "" {
		return nil, fmt.Errorf("recipient %q has no domain", to[0])
	}

	start := time.Now()
	defer func() {
		c.metrics.SendDuration.Observe(time.Since(start).Seconds())
	}()

	logger := c.logger.With("domain", domain, "recipients", len(to))
	actions := BuildActions(from, to, body)
	sendErr := &SendError{Domain: domain}

	for attempt := 0; attempt < c.config.MaxAttempts; attempt++ {
		if attempt > 0 && c.config.RetryDelay > 0 {
			if err := sleep(ctx, c.config.RetryDelay); err != nil {
				sendErr.Attempts = append(sendErr.Attempts, &AttemptError{Attempt: attempt + 1, Err: err})
				break
			}
		}
		c.record(ctx, metrics.StatDeliveryAttempt)

		host, usedTLS, err := c.attempt(ctx, logger, domain, attempt, actions)
		if err == nil {
			c.metrics.AttemptsTotal.WithLabelValues("success").Inc()
			c.metrics.SendsTotal.WithLabelValues("success").Inc()
			c.record(ctx, metrics.StatDelivered)
			res := &Result{Attempts: attempt + 1, Host: host, TLS: usedTLS, Duration: time.Since(start)}
			logger.InfoContext(ctx, "Message sent",
				"sender", logging.Sanitize(from),
				"host", host,
				"attempts", res.Attempts,
				"tls", usedTLS,
			)
			return res, nil
		}

		c.metrics.AttemptsTotal.WithLabelValues("failure").Inc()
		sendErr.Attempts = append(sendErr.Attempts, &AttemptError{Attempt: attempt + 1, Host: host, Err: err})
		logger.WarnContext(ctx, "Delivery attempt failed",
			"attempt", attempt+1,
			"max_attempts", c.config.MaxAttempts,
			"host", host,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
	}

	c.metrics.SendsTotal.WithLabelValues("failure").Inc()
	c.record(ctx, metrics.StatDeliveryFailed)
	return nil, sendErr
}

func (c *Client) record(ctx context.Context, name string) {
	if err := c.stats.Incr(ctx, name, 1); err != nil {
		c.logger.DebugContext(ctx, "Failed to record stat", "stat", name, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
