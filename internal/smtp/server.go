package smtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/busybox42/mailexchange/internal/mailstore"
	"github.com/busybox42/mailexchange/internal/metrics"
	"github.com/busybox42/mailexchange/internal/transport"
)

// Server accepts SMTP connections and hands accepted mail to a Store.
type Server struct {
	config  *Config
	store   mailstore.Store
	stats   metrics.Recorder
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.Mutex
	listener net.Listener
}

// NewServer validates config and returns a server that is not yet listening.
func NewServer(config *Config, store mailstore.Store, stats metrics.Recorder) (*Server, error) {
	if config == nil {
		return nil, errors.New("server config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	if store == nil {
		return nil, errors.New("mail store is required")
	}
	if stats == nil {
		stats = metrics.NopRecorder{}
	}
	return &Server{
		config:  config,
		store:   store,
		stats:   stats,
		logger:  config.logger().With("component", "smtp-server"),
		metrics: GetMetrics(),
	}, nil
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then waits for
// running sessions to finish. Sessions see the cancellation through their
// context.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "SMTP server listening",
		"addr", ln.Addr().String(),
		"hostname", s.config.Hostname,
		"max_sessions", s.config.MaxSessions,
	)

	g := new(errgroup.Group)
	if s.config.MaxSessions > 0 {
		g.SetLimit(s.config.MaxSessions)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			acceptErr = fmt.Errorf("accept: %w", err)
			break
		}

		s.metrics.ConnectionsTotal.Inc()
		g.Go(func() error {
			s.handle(ctx, conn)
			return nil
		})
	}

	s.logger.InfoContext(ctx, "SMTP server stopping, waiting for sessions")
	_ = g.Wait()
	return acceptErr
}

// Addr returns the listening address, or nil before Serve is called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	start := time.Now()
	s.metrics.ConnectionsActive.Inc()
	defer func() {
		s.metrics.ConnectionsActive.Dec()
		s.metrics.ConnectionDuration.Observe(time.Since(start).Seconds())
	}()

	session := NewSession(conn, s.config, s.store, s.stats)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in session handler",
				"session_id", session.ID(),
				"remote_addr", conn.RemoteAddr().String(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
			_ = conn.Close()
		}
	}()

	if err := session.Serve(ctx); err != nil {
		level := slog.LevelWarn
		if errors.Is(err, transport.ErrConnectionClosed) || errors.Is(err, context.Canceled) {
			level = slog.LevelDebug
		}
		s.metrics.SessionErrors.Inc()
		s.logger.Log(ctx, level, "Session ended with error",
			"session_id", session.ID(),
			"remote_addr", conn.RemoteAddr().String(),
			"error", err,
		)
	}
}
