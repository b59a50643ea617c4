package delivery

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/busybox42/mailexchange/internal/smtp"
	"github.com/busybox42/mailexchange/internal/transport"
)

// attempt runs one connection: greeting, EHLO, STARTTLS on the first attempt
// only, then the action list. It returns the host reached and whether the
// session ended up encrypted.
func (c *Client) attempt(ctx context.Context, logger *slog.Logger, domain string, n int, actions []Action) (string, bool, error) {
	stream, host, err := c.connector.Connect(ctx, domain)
	if err != nil {
		c.metrics.ConnectFailures.Inc()
		return "", false, err
	}
	logger = logger.With("host", host, "attempt", n+1)
	// stream is reassigned by STARTTLS. Retired streams ignore Close.
	defer func() { _ = stream.Close() }()

	greeting, _, err := smtp.ReadReply(ctx, stream, c.config.MaxCapabilityLines)
	if err != nil {
		return host, false, err
	}
	if greeting.Code != 220 {
		return host, false, &StepError{Step: "greeting", Reply: greeting}
	}

	caps, err := c.ehlo(ctx, stream)
	if err != nil {
		return host, false, err
	}

	if n == 0 {
		if !caps.StartTLS {
			logger.DebugContext(ctx, "Server did not advertise STARTTLS, trying it anyway")
		}
		upgraded, err := c.startTLS(ctx, logger, stream, host)
		if err != nil {
			return host, false, err
		}
		if upgraded != nil {
			stream = upgraded
			if _, err := c.ehlo(ctx, stream); err != nil {
				return host, true, err
			}
		}
	}

	return host, stream.IsTLS(), c.run(ctx, logger, stream, actions)
}

// startTLS returns nil, nil when the server declines, leaving the plaintext
// stream usable. A failed handshake retires stream.
func (c *Client) startTLS(ctx context.Context, logger *slog.Logger, stream *transport.Stream, host string) (*transport.Stream, error) {
	if err := stream.WriteLine(ctx, "STARTTLS"); err != nil {
		return nil, err
	}
	reply, _, err := smtp.ReadReply(ctx, stream, c.config.MaxCapabilityLines)
	if err != nil {
		return nil, err
	}
	if reply.Code != 220 {
		c.metrics.TLSRefused.Inc()
		logger.InfoContext(ctx, "STARTTLS declined, continuing in plaintext", "reply", reply.String())
		return nil, nil
	}

	upgraded, err := transport.StartTLSClient(ctx, stream, host, c.config.TLSConfig)
	if err != nil {
		return nil, err
	}
	c.metrics.TLSUpgrades.Inc()
	if state, ok := upgraded.ConnectionState(); ok {
		logger.DebugContext(ctx, "STARTTLS complete", "tls_version", state.Version, "cipher", state.CipherSuite)
	}
	return upgraded, nil
}

func (c *Client) ehlo(ctx context.Context, stream *transport.Stream) (smtp.Capabilities, error) {
	if err := stream.WriteLine(ctx, "EHLO "+c.config.LocalName); err != nil {
		return smtp.Capabilities{}, err
	}
	reply, lines, err := smtp.ReadReply(ctx, stream, c.config.MaxCapabilityLines)
	if err != nil {
		return smtp.Capabilities{}, err
	}
	if reply.Code != 250 {
		return smtp.Capabilities{}, &StepError{Step: "EHLO", Reply: reply}
	}
	return smtp.ParseCapabilities(lines), nil
}

// run executes the action list through a cursor so that actions stays intact
// for the next attempt.
func (c *Client) run(ctx context.Context, logger *slog.Logger, stream *transport.Stream, actions []Action) error {
	cur := newCursor(actions)
	for {
		action, ok := cur.pop()
		if !ok {
			return errors.New("action list ended without QUIT")
		}

		switch action.Kind {
		case ActionMailFrom:
			if err := c.command(ctx, stream, "MAIL FROM:<"+action.Arg+">", action.Kind); err != nil {
				return err
			}
		case ActionRcptTo:
			if err := c.command(ctx, stream, "RCPT TO:<"+action.Arg+">", action.Kind); err != nil {
				return err
			}
		case ActionData:
			if err := c.data(ctx, stream, action.Arg); err != nil {
				return err
			}
		case ActionQuit:
			if err := stream.WriteLine(ctx, "QUIT"); err != nil {
				logger.DebugContext(ctx, "QUIT failed", "error", err)
				return nil
			}
			if _, _, err := smtp.ReadReply(ctx, stream, c.config.MaxCapabilityLines); err != nil {
				logger.DebugContext(ctx, "No reply to QUIT", "error", err)
			}
			return nil
		}
	}
}

func (c *Client) command(ctx context.Context, stream *transport.Stream, line string, kind ActionKind) error {
	if err := stream.WriteLine(ctx, line); err != nil {
		return err
	}
	reply, _, err := smtp.ReadReply(ctx, stream, c.config.MaxCapabilityLines)
	if err != nil {
		return err
	}
	if reply.Class != smtp.ClassSuccess {
		return &StepError{Step: kind.String(), Reply: reply}
	}
	return nil
}

func (c *Client) data(ctx context.Context, stream *transport.Stream, body string) error {
	if err := stream.WriteLine(ctx, "DATA"); err != nil {
		return err
	}
	reply, _, err := smtp.ReadReply(ctx, stream, c.config.MaxCapabilityLines)
	if err != nil {
		return err
	}
	if reply.Code != 354 {
		return &StepError{Step: "DATA", Reply: reply}
	}

	for _, line := range bodyLines(body) {
		if err := stream.WriteLine(ctx, line); err != nil {
			return err
		}
	}
	if err := stream.WriteLine(ctx, "."); err != nil {
		return err
	}

	reply, _, err = smtp.ReadReply(ctx, stream, c.config.MaxCapabilityLines)
	if err != nil {
		return err
	}
	if reply.Class != smtp.ClassSuccess {
		return &StepError{Step: "end of DATA", Reply: reply}
	}
	return nil
}

// bodyLines splits on LF, drops a CR before it, and ignores one trailing
// newline. Lines are sent as they are, without dot stuffing.
func bodyLines(body string) []string {
	if body == "" {
		return nil
	}
	lines := strings.Split(strings.TrimSuffix(body, "\n"), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
