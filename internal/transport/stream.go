// Package transport provides the CRLF line stream shared by the SMTP server
// and client, including the one-way upgrade from plaintext to TLS.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"
)

const (
	DefaultReadTimeout   = 5 * time.Minute
	DefaultWriteTimeout  = time.Minute
	DefaultMaxLineLength = 64 * 1024

	readChunkSize = 4096
)

var crlf = []byte("\r\n")

// Options configures a Stream. Zero values select the defaults.
type Options struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	MaxLineLength    int
	Logger           *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout == 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 30 * time.Second
	}
	if o.MaxLineLength == 0 {
		o.MaxLineLength = DefaultMaxLineLength
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return o
}

// Stream is a bidirectional line-oriented connection. It is not safe for
// concurrent use by multiple readers or multiple writers.
type Stream struct {
	ch      channel
	buf     []byte
	chunk   []byte
	opts    Options
	logger  *slog.Logger
	retired bool

	bytesRead    int64
	bytesWritten int64
}

// NewStream wraps a plaintext connection.
func NewStream(conn net.Conn, opts Options) *Stream {
	opts = opts.withDefaults()
	return &Stream{
		ch:     plainChannel{conn},
		chunk:  make([]byte, readChunkSize),
		opts:   opts,
		logger: opts.Logger.With("component", "line-stream"),
	}
}

func newTLSStream(conn *tls.Conn, opts Options, read, written int64) *Stream {
	return &Stream{
		ch:           tlsChannel{conn},
		chunk:        make([]byte, readChunkSize),
		opts:         opts,
		logger:       opts.Logger.With("component", "line-stream", "tls", true),
		bytesRead:    read,
		bytesWritten: written,
	}
}

// ReadLine returns the next line without its CRLF terminator. Lines already
// sitting in the buffer are returned without touching the connection.
func (s *Stream) ReadLine(ctx context.Context) (string, error) {
	if s.retired {
		return "", ErrRetired
	}

	for {
		if i := bytes.Index(s.buf, crlf); i >= 0 {
			line := string(s.buf[:i])
			s.consume(i + len(crlf))
			return line, nil
		}
		if len(s.buf) > s.opts.MaxLineLength {
			return "", ErrLineTooLong
		}
		if err := s.fill(ctx); err != nil {
			return "", err
		}
	}
}

func (s *Stream) consume(n int) {
	rest := len(s.buf) - n
	if rest == 0 {
		s.buf = s.buf[:0]
		return
	}
	copy(s.buf, s.buf[n:])
	s.buf = s.buf[:rest]
}

// fill performs one read from the channel and appends whatever arrived.
func (s *Stream) fill(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}
	if err := s.ch.SetReadDeadline(deadline(ctx, s.opts.ReadTimeout)); err != nil {
		return classify("read", ctx, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.ch.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	n, err := s.ch.Read(s.chunk)
	if n > 0 {
		s.buf = append(s.buf, s.chunk[:n]...)
		s.bytesRead += int64(n)
	}
	if err == nil {
		return nil
	}
	if n > 0 && bytes.Contains(s.buf, crlf) {
		// The line is complete; the error surfaces on the next read.
		return nil
	}
	return classify("read", ctx, err)
}

// WriteLine writes text followed by CRLF.
func (s *Stream) WriteLine(ctx context.Context, text string) error {
	if s.retired {
		return ErrRetired
	}
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}
	if err := s.ch.SetWriteDeadline(deadline(ctx, s.opts.WriteTimeout)); err != nil {
		return classify("write", ctx, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.ch.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := s.writeAll(ctx, []byte(text)); err != nil {
		return err
	}
	return s.writeAll(ctx, crlf)
}

func (s *Stream) writeAll(ctx context.Context, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	n, err := s.ch.Write(p)
	s.bytesWritten += int64(n)
	if n < len(p) {
		if err != nil && n == 0 {
			return classify("write", ctx, err)
		}
		return &ShortWriteError{Requested: len(p), Written: n, Err: err}
	}
	if err != nil {
		return classify("write", ctx, err)
	}
	return nil
}

// Buffered reports how many received bytes have not yet been returned by
// ReadLine.
func (s *Stream) Buffered() int {
	return len(s.buf)
}

// IsTLS reports whether the stream runs over TLS.
func (s *Stream) IsTLS() bool {
	_, ok := s.ch.(tlsChannel)
	return ok
}

// ConnectionState returns the TLS state, or false for a plaintext stream.
func (s *Stream) ConnectionState() (tls.ConnectionState, bool) {
	if c, ok := s.ch.(tlsChannel); ok {
		return c.state(), true
	}
	return tls.ConnectionState{}, false
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.ch.RemoteAddr()
}

func (s *Stream) LocalAddr() net.Addr {
	return s.ch.LocalAddr()
}

// Stats returns the byte counters, carried across upgrades.
func (s *Stream) Stats() (read, written int64) {
	return s.bytesRead, s.bytesWritten
}

// Close closes the underlying connection. Closing a retired stream is a
// no-op since its connection now belongs to the upgraded stream.
func (s *Stream) Close() error {
	if s.retired {
		return nil
	}
	return s.ch.Close()
}

// retire marks the stream unusable and returns the bytes still buffered.
func (s *Stream) retire() int {
	dropped := len(s.buf)
	s.buf = nil
	s.retired = true
	return dropped
}

func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func classify(op string, ctx context.Context, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return ErrConnectionClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return contextError(ctxErr)
		}
		return ErrTimeout
	}
	return &IOError{Op: op, Err: err}
}
