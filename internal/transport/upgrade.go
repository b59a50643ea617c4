package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"time"
)

const (
	replyGoahead      = "220 Goahead"
	replyTLSLoadError = "502 Internal Error starting tls"
)

// StartTLSServer answers a STARTTLS command on s and performs the server
// side handshake. On success s is retired and the returned stream must be
// used from then on. Bytes the peer pipelined after STARTTLS are discarded.
func StartTLSServer(ctx context.Context, s *Stream, creds CredentialSource) (*Stream, error) {
	plain, err := plainConn(s)
	if err != nil {
		return nil, err
	}

	cfg, err := creds.ServerTLSConfig()
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to load TLS credentials", "error", err)
		if werr := s.WriteLine(ctx, replyTLSLoadError); werr != nil {
			s.logger.WarnContext(ctx, "Failed to report TLS credential error", "error", werr)
		}
		return nil, fmt.Errorf("%w: loading credentials: %w", ErrTLSUpgradeFailed, err)
	}

	if err := s.WriteLine(ctx, replyGoahead); err != nil {
		return nil, err
	}

	read, written := s.Stats()
	if dropped := s.retire(); dropped > 0 {
		s.logger.WarnContext(ctx, "Discarding bytes received before TLS handshake", "bytes", dropped)
	}

	conn := tls.Server(plain, cfg)
	if err := handshake(ctx, conn, s.opts); err != nil {
		_ = plain.Close()
		return nil, fmt.Errorf("%w: server handshake: %w", ErrTLSUpgradeFailed, err)
	}

	state := conn.ConnectionState()
	s.logger.InfoContext(ctx, "TLS handshake completed",
		"version", tls.VersionName(state.Version),
		"cipher_suite", tls.CipherSuiteName(state.CipherSuite),
	)
	return newTLSStream(conn, s.opts, read, written), nil
}

// StartTLSClient performs the client side handshake on s after the peer has
// accepted STARTTLS. A nil RootCAs in cfg selects the system trust store.
// s is retired whether or not the handshake succeeds.
func StartTLSClient(ctx context.Context, s *Stream, serverName string, cfg *tls.Config) (*Stream, error) {
	plain, err := plainConn(s)
	if err != nil {
		return nil, err
	}

	if cfg == nil {
		cfg = &tls.Config{}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if cfg.RootCAs == nil {
		if pool, err := x509.SystemCertPool(); err == nil {
			cfg.RootCAs = pool
		}
	}

	read, written := s.Stats()
	if dropped := s.retire(); dropped > 0 {
		s.logger.WarnContext(ctx, "Discarding bytes received before TLS handshake", "bytes", dropped)
	}

	conn := tls.Client(plain, cfg)
	if err := handshake(ctx, conn, s.opts); err != nil {
		_ = plain.Close()
		return nil, fmt.Errorf("%w: client handshake with %s: %w", ErrTLSUpgradeFailed, serverName, err)
	}
	return newTLSStream(conn, s.opts, read, written), nil
}

func plainConn(s *Stream) (plainChannel, error) {
	if s.retired {
		return plainChannel{}, ErrRetired
	}
	plain, ok := s.ch.(plainChannel)
	if !ok {
		return plainChannel{}, ErrAlreadyTLS
	}
	return plain, nil
}

func handshake(ctx context.Context, conn *tls.Conn, opts Options) error {
	hctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return err
	}
	return conn.HandshakeContext(hctx)
}
