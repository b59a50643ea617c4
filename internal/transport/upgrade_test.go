package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailexchange/internal/testutil"
)

// tcpPair returns both ends of a loopback TCP connection. TLS handshakes
// need the kernel buffering that net.Pipe lacks.
func tcpPair(t *testing.T) (server net.Conn, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	require.NotNil(t, server)
	return server, client
}

type upgradeResult struct {
	stream *Stream
	err    error
}

func TestStartTLSRoundTrip(t *testing.T) {
	serverCfg, clientCfg := testutil.TLSConfigs(t, "localhost")

	serverConn, clientConn := tcpPair(t)
	server := NewStream(serverConn, quietOptions())
	client := NewStream(clientConn, quietOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// The client pipelines a command after STARTTLS; it must not survive the
	// upgrade.
	clientDone := make(chan upgradeResult, 1)
	go func() {
		if _, err := clientConn.Write([]byte("STARTTLS\r\nNOOP\r\n")); err != nil {
			clientDone <- upgradeResult{err: err}
			return
		}
		line, err := client.ReadLine(ctx)
		if err != nil {
			clientDone <- upgradeResult{err: err}
			return
		}
		if line != "220 Goahead" {
			clientDone <- upgradeResult{err: assert.AnError}
			return
		}
		upgraded, err := StartTLSClient(ctx, client, "localhost", clientCfg)
		if err != nil {
			clientDone <- upgradeResult{err: err}
			return
		}
		clientDone <- upgradeResult{stream: upgraded, err: upgraded.WriteLine(ctx, "EHLO client.example.com")}
	}()

	line, err := server.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "STARTTLS", line)
	assert.Equal(t, len("NOOP\r\n"), server.Buffered())

	upgraded, err := StartTLSServer(ctx, server, StaticCredentials{Config: serverCfg})
	require.NoError(t, err)
	defer upgraded.Close()

	assert.True(t, upgraded.IsTLS())
	assert.Equal(t, 0, upgraded.Buffered())

	line, err = upgraded.ReadLine(ctx)
	require.NoError(t, err)
	assert.Equal(t, "EHLO client.example.com", line)

	res := <-clientDone
	require.NoError(t, res.err)
	defer res.stream.Close()
	assert.True(t, res.stream.IsTLS())

	state, ok := upgraded.ConnectionState()
	require.True(t, ok)
	assert.GreaterOrEqual(t, state.Version, uint16(tls.VersionTLS12))

	// Both retired streams refuse further use.
	_, err = server.ReadLine(ctx)
	assert.ErrorIs(t, err, ErrRetired)
	assert.ErrorIs(t, client.WriteLine(ctx, "QUIT"), ErrRetired)

	// A TLS stream cannot be upgraded twice.
	_, err = StartTLSServer(ctx, upgraded, StaticCredentials{Config: serverCfg})
	assert.ErrorIs(t, err, ErrAlreadyTLS)
}

func TestStartTLSServerCredentialFailure(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	server := NewStream(serverConn, quietOptions())
	client := NewStream(clientConn, quietOptions())
	defer server.Close()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply := make(chan string, 1)
	go func() {
		line, _ := client.ReadLine(ctx)
		reply <- line
	}()

	creds := FileCredentials{CertFile: "/nonexistent/fullchain.pem", KeyFile: "/nonexistent/privkey.pem"}
	_, err := StartTLSServer(ctx, server, creds)
	assert.ErrorIs(t, err, ErrTLSUpgradeFailed)
	assert.Equal(t, "502 Internal Error starting tls", <-reply)

	// The stream is still usable in plaintext.
	assert.False(t, server.IsTLS())
}

func TestStartTLSClientUntrustedCertificate(t *testing.T) {
	serverCfg, _ := testutil.TLSConfigs(t, "localhost")

	serverConn, clientConn := tcpPair(t)
	server := NewStream(serverConn, quietOptions())
	client := NewStream(clientConn, quietOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		_, err := StartTLSServer(ctx, server, StaticCredentials{Config: serverCfg})
		serverDone <- err
	}()

	line, err := client.ReadLine(ctx)
	require.NoError(t, err)
	require.Equal(t, "220 Goahead", line)

	// An empty pool trusts nothing.
	_, err = StartTLSClient(ctx, client, "localhost", &tls.Config{RootCAs: x509.NewCertPool()})
	assert.ErrorIs(t, err, ErrTLSUpgradeFailed)

	_, err = client.ReadLine(ctx)
	assert.ErrorIs(t, err, ErrRetired)

	assert.ErrorIs(t, <-serverDone, ErrTLSUpgradeFailed)
}

func TestFileCredentials(t *testing.T) {
	certPath, keyPath := testutil.WriteCertPair(t, "mx.example.com")

	cfg, err := FileCredentials{CertFile: certPath, KeyFile: keyPath}.ServerTLSConfig()
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)

	_, err = FileCredentials{CertFile: certPath}.ServerTLSConfig()
	assert.Error(t, err)

	_, err = StaticCredentials{}.ServerTLSConfig()
	assert.Error(t, err)
}
