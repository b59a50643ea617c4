package delivery

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailexchange/internal/dns"
	"github.com/busybox42/mailexchange/internal/logging"
	"github.com/busybox42/mailexchange/internal/transport"
)

// replyFunc answers one line from the client on connection n. An empty cmd
// asks for the greeting. Returning nil drops the connection.
type replyFunc func(n int, cmd string) []string

func defaultReply(_ int, cmd string) []string {
	upper := strings.ToUpper(cmd)
	switch {
	case cmd == "":
		return []string{"220 fake.test ESMTP"}
	case strings.HasPrefix(upper, "EHLO"):
		return []string{"250-fake.test", "250 PIPELINING"}
	case upper == "STARTTLS":
		return []string{"454 TLS not available"}
	case strings.HasPrefix(upper, "MAIL FROM"), strings.HasPrefix(upper, "RCPT TO"):
		return []string{"250 OK"}
	case upper == "DATA":
		return []string{"354 go ahead"}
	case cmd == ".":
		return []string{"250 queued"}
	case upper == "QUIT":
		return []string{"221 bye"}
	default:
		return []string{"502 unknown"}
	}
}

// scriptServer is a loopback SMTP peer driven by a replyFunc. It records the
// dialogue of each connection.
type scriptServer struct {
	t     *testing.T
	ln    net.Listener
	reply replyFunc

	mu          sync.Mutex
	transcripts [][]string
	bodies      []string
	wg          sync.WaitGroup
}

func newScriptServer(t *testing.T, reply replyFunc) *scriptServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &scriptServer{t: t, ln: ln, reply: reply}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(func() {
		_ = ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *scriptServer) addr() string {
	return s.ln.Addr().String()
}

func (s *scriptServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		n := len(s.transcripts)
		s.transcripts = append(s.transcripts, nil)
		s.bodies = append(s.bodies, "")
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(n, conn)
		}()
	}
}

func (s *scriptServer) serve(n int, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)

	write := func(lines []string) bool {
		if lines == nil {
			return false
		}
		for _, l := range lines {
			if _, err := conn.Write([]byte(l + "\r\n")); err != nil {
				return false
			}
		}
		return true
	}

	if !write(s.reply(n, "")) {
		return
	}

	inData := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSuffix(line, "\r\n")

		if inData && line != "." {
			s.mu.Lock()
			s.bodies[n] += line + "\n"
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		s.transcripts[n] = append(s.transcripts[n], line)
		s.mu.Unlock()

		reply := s.reply(n, line)
		if !write(reply) {
			return
		}
		switch {
		case inData:
			inData = false
		case strings.EqualFold(line, "DATA") && strings.HasPrefix(reply[0], "354"):
			inData = true
		case strings.EqualFold(line, "QUIT"):
			return
		}
	}
}

func (s *scriptServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transcripts)
}

func (s *scriptServer) transcript(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.transcripts[n]...)
}

func (s *scriptServer) body(n int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[n]
}

// routeDialer sends known host:port addresses to real listeners and refuses
// everything else.
type routeDialer struct {
	mu     sync.Mutex
	routes map[string]string
	dialed []string
}

func (d *routeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, address)
	target, ok := d.routes[address]
	d.mu.Unlock()

	if !ok {
		return nil, errors.New("connection refused")
	}
	var nd net.Dialer
	return nd.DialContext(ctx, network, target)
}

func (d *routeDialer) history() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

// fixedConnector sends every connection for fake.test to one scriptServer.
func fixedConnector(s *scriptServer) *Connector {
	resolver := &dns.MockResolver{MX: map[string][]*net.MX{
		"fake.test.": {{Host: "mx.fake.test.", Pref: 10}},
	}}
	return NewConnector(resolver, ConnectorConfig{
		Dialer: &routeDialer{routes: map[string]string{"mx.fake.test:25": s.addr()}},
		Stream: transport.Options{ReadTimeout: 5 * time.Second},
		Logger: logging.Discard(),
	})
}
