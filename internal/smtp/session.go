package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/busybox42/mailexchange/internal/logging"
	"github.com/busybox42/mailexchange/internal/mailstore"
	"github.com/busybox42/mailexchange/internal/metrics"
	"github.com/busybox42/mailexchange/internal/transport"
)

// Control signals returned by the command loop. They are not failures.
var (
	ErrQuit     = errors.New("client sent QUIT")
	ErrStartTLS = errors.New("client requested STARTTLS")
)

// ErrMessageTooLarge ends a session whose DATA exceeded Config.MaxSize.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

const (
	replyOK          = "250 Ok"
	replyDataStart   = "354 Ready, please finish with <CR><LF>.<CR><LF>"
	replyDataDone    = "250 Sent email :)"
	replyClosing     = "221 closing connection"
	replyUnknown     = "502 Unknown command"
	replyBadSequence = "503 Bad sequence of commands"
	replyEmptyHelo   = "501 Empty HELO/EHLO is not allowed"
	replyTooLarge    = "552 Message size exceeds maximum allowed"
)

// Transaction is one message accepted by DATA.
type Transaction struct {
	Helo       string
	Sender     string
	Recipients []string
	Body       string
	Origin     net.Addr
}

// Session serves one client connection.
type Session struct {
	stream    *transport.Stream
	config    *Config
	store     mailstore.Store
	stats     metrics.Recorder
	metrics   *Metrics
	logger    *slog.Logger
	sessionID string
	remote    net.Addr
	helo      string
	startTime time.Time
}

// NewSession wraps conn. The session owns conn and closes it when Serve
// returns.
func NewSession(conn net.Conn, config *Config, store mailstore.Store, stats metrics.Recorder) *Session {
	sessionID := uuid.New().String()
	remote := conn.RemoteAddr()
	logger := config.logger().With(
		"component", "smtp-session",
		"session_id", sessionID,
		"remote_addr", remote.String(),
	)

	opts := config.streamOptions()
	opts.Logger = logger
	if stats == nil {
		stats = metrics.NopRecorder{}
	}

	return &Session{
		stream:    transport.NewStream(conn, opts),
		config:    config,
		store:     store,
		stats:     stats,
		metrics:   GetMetrics(),
		logger:    logger,
		sessionID: sessionID,
		remote:    remote,
		startTime: time.Now(),
	}
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.sessionID
}

// Serve greets the client and runs transactions until QUIT or a transport
// error. A QUIT ends the session with a nil error.
func (s *Session) Serve(ctx context.Context) error {
	if s.config.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.SessionTimeout)
		defer cancel()
	}
	defer func() {
		read, written := s.stream.Stats()
		if err := s.stream.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.DebugContext(ctx, "Failed to close connection", "error", err)
		}
		s.logger.InfoContext(ctx, "Session closed",
			"duration", time.Since(s.startTime),
			"bytes_read", read,
			"bytes_written", written,
		)
	}()

	s.logger.InfoContext(ctx, "New SMTP session", "hostname", s.config.Hostname)

	greeting := fmt.Sprintf("220 %s ESMTP Hello [%s]", s.config.Hostname, s.remote)
	if err := s.reply(ctx, greeting); err != nil {
		return err
	}

	for {
		tx, err := s.commandLoop(ctx)
		switch {
		case errors.Is(err, ErrQuit):
			if err := s.reply(ctx, replyClosing); err != nil {
				s.logger.DebugContext(ctx, "Failed to send closing reply", "error", err)
			}
			return nil
		case errors.Is(err, ErrStartTLS):
			upgraded, err := transport.StartTLSServer(ctx, s.stream, s.config.Credentials)
			if err != nil {
				s.metrics.TLSHandshakeFailures.Inc()
				return fmt.Errorf("starttls: %w", err)
			}
			s.stream = upgraded
			s.metrics.TLSUpgrades.Inc()
			continue
		case err != nil:
			return err
		}

		s.persist(ctx, tx)
	}
}

// commandLoop runs one transaction from the Connect stage. It returns the
// accepted transaction, ErrQuit, ErrStartTLS or a transport error.
func (s *Session) commandLoop(ctx context.Context) (*Transaction, error) {
	var stage Stage = StageConnect{}

	for i := 0; i < s.config.MaxCommands; i++ {
		line, err := s.stream.ReadLine(ctx)
		if err != nil {
			return nil, err
		}

		cl, ok := ParseCommand(line)
		if !ok {
			s.metrics.CommandsTotal.WithLabelValues("unknown").Inc()
			s.logger.DebugContext(ctx, "Unknown command", "line", logging.Sanitize(line))
			if err := s.reply(ctx, replyUnknown); err != nil {
				return nil, err
			}
			continue
		}
		s.metrics.CommandsTotal.WithLabelValues(cl.Command.String()).Inc()

		switch cl.Command {
		case CmdQuit:
			return nil, ErrQuit

		case CmdStartTLS:
			// RFC 3207: no second upgrade on an encrypted stream.
			if s.stream.IsTLS() {
				err = s.reply(ctx, replyBadSequence)
				break
			}
			return nil, ErrStartTLS

		case CmdHelo, CmdEhlo:
			stage, err = s.handleHelo(ctx, cl, stage)

		case CmdMailFrom:
			stage, err = s.handleMailFrom(ctx, cl.Rest, stage)

		case CmdRcptTo:
			stage, err = s.handleRcptTo(ctx, cl.Rest, stage)

		case CmdData:
			rcpt, ok := stage.(StageRcptTo)
			if !ok || len(rcpt.Recipients) == 0 {
				err = s.reply(ctx, replyBadSequence)
				break
			}
			body, err := s.collectData(ctx)
			if err != nil {
				return nil, err
			}
			return &Transaction{
				Helo:       s.helo,
				Sender:     rcpt.Sender,
				Recipients: rcpt.Recipients,
				Body:       body,
				Origin:     s.remote,
			}, nil
		}

		if err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %d commands without completing a transaction", transport.ErrTimeout, s.config.MaxCommands)
}

func (s *Session) handleHelo(ctx context.Context, cl CommandLine, stage Stage) (Stage, error) {
	if len(cl.Rest) < 2 {
		return stage, s.reply(ctx, replyEmptyHelo)
	}
	s.helo = strings.TrimSpace(cl.Rest)

	// STARTTLS is only advertised before the upgrade (RFC 3207).
	if cl.Command == CmdEhlo && !s.stream.IsTLS() {
		if err := s.reply(ctx, fmt.Sprintf("250-%s ready for mail", s.config.Hostname)); err != nil {
			return stage, err
		}
		if err := s.reply(ctx, "250 STARTTLS"); err != nil {
			return stage, err
		}
	} else if err := s.reply(ctx, fmt.Sprintf("250 %s ready for mail", s.config.Hostname)); err != nil {
		return stage, err
	}

	if _, ok := stage.(StageConnect); ok {
		return StageHelo{}, nil
	}
	return stage, nil
}

func (s *Session) handleMailFrom(ctx context.Context, rest string, stage Stage) (Stage, error) {
	if _, ok := stage.(StageHelo); !ok {
		return stage, s.reply(ctx, replyBadSequence)
	}
	sender, err := ParseRecipientAddress(rest)
	if err != nil {
		return stage, s.reply(ctx, err.Error())
	}
	return StageMailFrom{Sender: sender}, s.reply(ctx, replyOK)
}

func (s *Session) handleRcptTo(ctx context.Context, rest string, stage Stage) (Stage, error) {
	var (
		sender     string
		recipients []string
	)
	switch st := stage.(type) {
	case StageMailFrom:
		sender = st.Sender
	case StageRcptTo:
		sender = st.Sender
		recipients = st.Recipients
	default:
		return stage, s.reply(ctx, replyBadSequence)
	}

	rcpt, err := ParseRecipientAddress(rest)
	if err != nil {
		return stage, s.reply(ctx, err.Error())
	}

	next := make([]string, len(recipients), len(recipients)+1)
	copy(next, recipients)
	next = append(next, rcpt)
	return StageRcptTo{Sender: sender, Recipients: next}, s.reply(ctx, replyOK)
}

// collectData reads the message body up to the lone "." line. Lines are taken
// verbatim and each is followed by "\n" in the result. A body growing past
// MaxSize is answered with 552 and ends the session.
func (s *Session) collectData(ctx context.Context) (string, error) {
	if err := s.reply(ctx, replyDataStart); err != nil {
		return "", err
	}

	var body strings.Builder
	for {
		line, err := s.stream.ReadLine(ctx)
		if err != nil {
			return "", err
		}
		if line == "." {
			break
		}
		if limit := s.config.MaxSize; limit > 0 && int64(body.Len()+len(line)+1) > limit {
			s.logger.WarnContext(ctx, "Message size limit exceeded",
				"session_id", s.sessionID,
				"max_size", limit,
			)
			if err := s.reply(ctx, replyTooLarge); err != nil {
				return "", err
			}
			return "", fmt.Errorf("%w: limit %d bytes", ErrMessageTooLarge, limit)
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	if err := s.reply(ctx, replyDataDone); err != nil {
		return "", err
	}
	return body.String(), nil
}

// persist stores one copy per recipient. A failed recipient does not stop the
// others.
func (s *Session) persist(ctx context.Context, tx *Transaction) {
	s.metrics.MessagesReceived.Inc()
	s.metrics.MessageSize.Observe(float64(len(tx.Body)))
	s.recordStat(ctx, metrics.StatReceived, 1)

	for _, rcpt := range tx.Recipients {
		id, err := s.store.Save(ctx, &mailstore.Mail{
			Sender:    tx.Sender,
			Recipient: rcpt,
			Server:    tx.Origin.String(),
			Data:      tx.Body,
		})
		if err != nil {
			s.metrics.StoreFailures.Inc()
			s.recordStat(ctx, metrics.StatStoreFailed, 1)
			s.logger.ErrorContext(ctx, "Failed to store message",
				"sender", logging.Sanitize(tx.Sender),
				"recipient", logging.Sanitize(rcpt),
				"error", err,
			)
			continue
		}
		s.recordStat(ctx, metrics.StatStored, 1)
		s.logger.InfoContext(ctx, "Message stored",
			"id", id,
			"sender", logging.Sanitize(tx.Sender),
			"recipient", logging.Sanitize(rcpt),
			"size", len(tx.Body),
		)
	}
}

func (s *Session) recordStat(ctx context.Context, name string, n int64) {
	if err := s.stats.Incr(ctx, name, n); err != nil {
		s.logger.DebugContext(ctx, "Failed to record stat", "stat", name, "error", err)
	}
}

func (s *Session) reply(ctx context.Context, line string) error {
	if len(line) > 0 {
		s.metrics.RepliesTotal.WithLabelValues(line[:1] + "xx").Inc()
	}
	return s.stream.WriteLine(ctx, line)
}
