package smtp

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailexchange/internal/logging"
	"github.com/busybox42/mailexchange/internal/mailstore"
	"github.com/busybox42/mailexchange/internal/metrics"
	"github.com/busybox42/mailexchange/internal/transport"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Save(ctx context.Context, mail *mailstore.Mail) (string, error) {
	args := m.Called(ctx, mail)
	return args.String(0), args.Error(1)
}

func (m *mockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockStore) Close() error {
	return m.Called().Error(0)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Hostname = "mx.test"
	cfg.Credentials = transport.FileCredentials{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}
	cfg.ReadTimeout = 5 * time.Second
	cfg.SessionTimeout = 10 * time.Second
	cfg.Logger = logging.Discard()
	return cfg
}

// testClient drives a session from the peer side of a pipe.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write([]byte(line + "\r\n"))
	require.NoError(c.t, err)
}

func (c *testClient) expect(want string) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	assert.Equal(c.t, want, strings.TrimSuffix(got, "\r\n"))
}

func (c *testClient) expectPrefix(prefix string) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	assert.True(c.t, strings.HasPrefix(got, prefix), "got %q, want prefix %q", got, prefix)
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := c.r.ReadString('\n')
	assert.Error(c.t, err)
}

func startSession(t *testing.T, cfg *Config, store mailstore.Store, stats metrics.Recorder) (*testClient, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	session := NewSession(server, cfg, store, stats)

	done := make(chan error, 1)
	go func() {
		done <- session.Serve(context.Background())
	}()

	tc := &testClient{t: t, conn: client, r: bufio.NewReader(client)}
	t.Cleanup(func() { client.Close() })
	tc.expect("220 mx.test ESMTP Hello [pipe]")
	return tc, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestSessionTransaction(t *testing.T) {
	store := new(mockStore)
	store.On("Save", mock.Anything, mock.MatchedBy(func(m *mailstore.Mail) bool {
		return m.Recipient == "jane@doe.com"
	})).Return("id-1", nil).Once()
	store.On("Save", mock.Anything, mock.MatchedBy(func(m *mailstore.Mail) bool {
		return m.Recipient == "joe@doe.com"
	})).Return("id-2", nil).Once()

	stats := metrics.NewMemoryRecorder()
	c, done := startSession(t, testConfig(), store, stats)

	c.send("EHLO client.example.com")
	c.expect("250-mx.test ready for mail")
	c.expect("250 STARTTLS")
	c.send("MAIL FROM:<john@doe.com>")
	c.expect("250 Ok")
	c.send("RCPT TO:<jane@doe.com>")
	c.expect("250 Ok")
	c.send("rcpt to: <joe@doe.com>")
	c.expect("250 Ok")
	c.send("DATA")
	c.expect("354 Ready, please finish with <CR><LF>.<CR><LF>")
	c.send("Subject: Testing")
	c.send("")
	c.send("..leading dot stays")
	c.send("This is a test email.")
	c.send(".")
	c.expect("250 Sent email :)")
	c.send("QUIT")
	c.expect("221 closing connection")

	require.NoError(t, waitDone(t, done))
	c.expectClosed()

	store.AssertExpectations(t)
	for _, call := range store.Calls {
		m := call.Arguments.Get(1).(*mailstore.Mail)
		assert.Equal(t, "john@doe.com", m.Sender)
		assert.Equal(t, "pipe", m.Server)
		assert.Equal(t, "Subject: Testing\n\n..leading dot stays\nThis is a test email.\n", m.Data)
	}

	snap, _ := stats.Snapshot(context.Background())
	assert.Equal(t, int64(1), snap[metrics.StatReceived])
	assert.Equal(t, int64(2), snap[metrics.StatStored])
}

func TestSessionSequencing(t *testing.T) {
	c, done := startSession(t, testConfig(), new(mockStore), nil)

	c.send("RCPT TO:<jane@doe.com>")
	c.expect("503 Bad sequence of commands")
	c.send("MAIL FROM:<john@doe.com>")
	c.expect("503 Bad sequence of commands")
	c.send("DATA")
	c.expect("503 Bad sequence of commands")
	c.send("NOOP")
	c.expect("502 Unknown command")
	c.send("HELO")
	c.expect("501 Empty HELO/EHLO is not allowed")
	c.send("HELO ")
	c.expect("501 Empty HELO/EHLO is not allowed")
	c.send("HELO x")
	c.expect("250 mx.test ready for mail")
	c.send("DATA")
	c.expect("503 Bad sequence of commands")
	c.send("RCPT TO:<jane@doe.com>")
	c.expect("503 Bad sequence of commands")
	c.send("MAIL FROM:<john@doe.com>")
	c.expect("250 Ok")
	c.send("MAIL FROM:<again@doe.com>")
	c.expect("503 Bad sequence of commands")
	c.send("DATA")
	c.expect("503 Bad sequence of commands")
	c.send("QUIT")
	c.expect("221 closing connection")

	require.NoError(t, waitDone(t, done))
}

func TestSessionAddressErrorsAreRecoverable(t *testing.T) {
	store := new(mockStore)
	store.On("Save", mock.Anything, mock.Anything).Return("id", nil).Once()
	c, done := startSession(t, testConfig(), store, nil)

	c.send("HELO client")
	c.expect("250 mx.test ready for mail")
	c.send("MAIL FROM <john@doe.com>")
	c.expect("555 Syntax error, expected (:) found: ( )")
	c.send("MAIL FROM:john@doe.com")
	c.expect("555 Syntax error expect email to be enclosed within (< >)")
	c.send("MAIL FROM:<john@doe.com>")
	c.expect("250 Ok")
	c.send("RCPT TO:<a>")
	c.expect("555 Syntax error")
	// A rejected first recipient leaves no recipient to send DATA to.
	c.send("DATA")
	c.expect("503 Bad sequence of commands")
	c.send("RCPT TO:<jane@doe.com>")
	c.expect("250 Ok")
	c.send("RCPT TO:jane@doe.com")
	c.expect("555 Syntax error expect email to be enclosed within (< >)")
	c.send("DATA")
	c.expect("354 Ready, please finish with <CR><LF>.<CR><LF>")
	c.send("hi")
	c.send(".")
	c.expect("250 Sent email :)")
	c.send("QUIT")
	c.expect("221 closing connection")

	require.NoError(t, waitDone(t, done))
	store.AssertNumberOfCalls(t, "Save", 1)
}

func TestSessionResetsAfterTransaction(t *testing.T) {
	store := new(mockStore)
	store.On("Save", mock.Anything, mock.Anything).Return("id", nil)
	c, done := startSession(t, testConfig(), store, nil)

	c.send("HELO client")
	c.expect("250 mx.test ready for mail")
	c.send("MAIL FROM:<john@doe.com>")
	c.expect("250 Ok")
	c.send("RCPT TO:<jane@doe.com>")
	c.expect("250 Ok")
	c.send("DATA")
	c.expect("354 Ready, please finish with <CR><LF>.<CR><LF>")
	c.send(".")
	c.expect("250 Sent email :)")

	// A second message needs a fresh HELO.
	c.send("MAIL FROM:<john@doe.com>")
	c.expect("503 Bad sequence of commands")
	c.send("HELO client")
	c.expect("250 mx.test ready for mail")
	c.send("MAIL FROM:<john@doe.com>")
	c.expect("250 Ok")
	c.send("QUIT")
	c.expect("221 closing connection")

	require.NoError(t, waitDone(t, done))

	m := store.Calls[0].Arguments.Get(1).(*mailstore.Mail)
	assert.Equal(t, "", m.Data)
}

func TestSessionStoreFailureDoesNotStopOtherRecipients(t *testing.T) {
	store := new(mockStore)
	store.On("Save", mock.Anything, mock.MatchedBy(func(m *mailstore.Mail) bool {
		return m.Recipient == "first@doe.com"
	})).Return("", errors.New("insert failed")).Once()
	store.On("Save", mock.Anything, mock.MatchedBy(func(m *mailstore.Mail) bool {
		return m.Recipient == "second@doe.com"
	})).Return("id-2", nil).Once()

	stats := metrics.NewMemoryRecorder()
	c, done := startSession(t, testConfig(), store, stats)

	c.send("HELO client")
	c.expect("250 mx.test ready for mail")
	c.send("MAIL FROM:<john@doe.com>")
	c.expect("250 Ok")
	c.send("RCPT TO:<first@doe.com>")
	c.expect("250 Ok")
	c.send("RCPT TO:<second@doe.com>")
	c.expect("250 Ok")
	c.send("DATA")
	c.expect("354 Ready, please finish with <CR><LF>.<CR><LF>")
	c.send("body")
	c.send(".")
	c.expect("250 Sent email :)")
	c.send("QUIT")
	c.expect("221 closing connection")

	require.NoError(t, waitDone(t, done))
	store.AssertExpectations(t)

	snap, _ := stats.Snapshot(context.Background())
	assert.Equal(t, int64(1), snap[metrics.StatStored])
	assert.Equal(t, int64(1), snap[metrics.StatStoreFailed])
}

func TestSessionQuitFromAnyStage(t *testing.T) {
	prefixes := map[string][]string{
		"connect":   nil,
		"helo":      {"HELO client"},
		"mail-from": {"HELO client", "MAIL FROM:<a@b.c>"},
		"rcpt-to":   {"HELO client", "MAIL FROM:<a@b.c>", "RCPT TO:<d@e.f>"},
	}

	for name, cmds := range prefixes {
		t.Run(name, func(t *testing.T) {
			c, done := startSession(t, testConfig(), new(mockStore), nil)
			for _, cmd := range cmds {
				c.send(cmd)
				c.expectPrefix("250")
			}
			c.send("QUIT")
			c.expect("221 closing connection")
			require.NoError(t, waitDone(t, done))
			c.expectClosed()
		})
	}
}

func TestSessionCommandLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCommands = 3
	c, done := startSession(t, cfg, new(mockStore), nil)

	for i := 0; i < 3; i++ {
		c.send("NOOP")
		c.expect("502 Unknown command")
	}

	err := waitDone(t, done)
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func TestSessionReadTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ReadTimeout = 50 * time.Millisecond
	_, done := startSession(t, cfg, new(mockStore), nil)

	err := waitDone(t, done)
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func TestSessionPeerDisconnect(t *testing.T) {
	c, done := startSession(t, testConfig(), new(mockStore), nil)
	c.send("HELO client")
	c.expect("250 mx.test ready for mail")
	require.NoError(t, c.conn.Close())

	err := waitDone(t, done)
	assert.ErrorIs(t, err, transport.ErrConnectionClosed)
}

func TestSessionStartTLSCredentialFailure(t *testing.T) {
	c, done := startSession(t, testConfig(), new(mockStore), nil)

	c.send("EHLO client")
	c.expect("250-mx.test ready for mail")
	c.expect("250 STARTTLS")
	c.send("STARTTLS")
	c.expect("502 Internal Error starting tls")

	err := waitDone(t, done)
	assert.ErrorIs(t, err, transport.ErrTLSUpgradeFailed)
	c.expectClosed()
}

func TestSessionMessageTooLarge(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 16
	store := new(mockStore)
	c, done := startSession(t, cfg, store, nil)

	c.send("HELO client")
	c.expect("250 mx.test ready for mail")
	c.send("MAIL FROM:<john@doe.com>")
	c.expect("250 Ok")
	c.send("RCPT TO:<jane@doe.com>")
	c.expect("250 Ok")
	c.send("DATA")
	c.expect("354 Ready, please finish with <CR><LF>.<CR><LF>")
	c.send("0123456789")
	c.send("abcdefghij")
	c.expect("552 Message size exceeds maximum allowed")
	c.expectClosed()

	err := waitDone(t, done)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestSessionMessageAtSizeLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 22
	store := new(mockStore)
	store.On("Save", mock.Anything, mock.Anything).Return("id-1", nil).Once()
	c, done := startSession(t, cfg, store, nil)

	c.send("HELO client")
	c.expect("250 mx.test ready for mail")
	c.send("MAIL FROM:<john@doe.com>")
	c.expect("250 Ok")
	c.send("RCPT TO:<jane@doe.com>")
	c.expect("250 Ok")
	c.send("DATA")
	c.expect("354 Ready, please finish with <CR><LF>.<CR><LF>")
	c.send("0123456789")
	c.send("abcdefghij")
	c.send(".")
	c.expect("250 Sent email :)")
	c.send("QUIT")
	c.expect("221 closing connection")

	require.NoError(t, waitDone(t, done))
	m := store.Calls[0].Arguments.Get(1).(*mailstore.Mail)
	assert.Equal(t, "0123456789\nabcdefghij\n", m.Data)
}

func TestConfigRejectsNegativeMaxSize(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = -1
	assert.ErrorContains(t, cfg.Validate(), "max size")
}
