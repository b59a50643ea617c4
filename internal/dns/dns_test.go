package dns

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/mailexchange/internal/cache"
	"github.com/busybox42/mailexchange/internal/logging"
)

// startNameserver serves handler on a loopback UDP port and returns its address.
func startNameserver(t *testing.T, handler mdns.HandlerFunc) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &mdns.Server{
		PacketConn:        pc,
		Handler:           handler,
		NotifyStartedFunc: func() { close(started) },
	}
	go func() { _ = server.ActivateAndServe() }()
	t.Cleanup(func() { _ = server.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("nameserver did not start")
	}
	return pc.LocalAddr().String()
}

func mxAnswer(records map[string][]*mdns.MX) mdns.HandlerFunc {
	return func(w mdns.ResponseWriter, req *mdns.Msg) {
		resp := new(mdns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		answers, ok := records[q.Name]
		if !ok {
			resp.Rcode = mdns.RcodeNameError
		}
		for _, mx := range answers {
			rr := *mx
			rr.Hdr = mdns.RR_Header{Name: q.Name, Rrtype: mdns.TypeMX, Class: mdns.ClassINET, Ttl: 300}
			resp.Answer = append(resp.Answer, &rr)
		}
		_ = w.WriteMsg(resp)
	}
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		isNotFound bool
		isTimeout  bool
		isTemp     bool
	}{
		{name: "not found", err: ErrDNSNotFound, isNotFound: true},
		{name: "timeout", err: ErrDNSTimeout, isTimeout: true, isTemp: true},
		{name: "servfail", err: ErrDNSServFail, isTemp: true},
		{name: "refused", err: ErrDNSRefused},
		{name: "wrapped timeout", err: errors.Join(errors.New("x"), ErrDNSTimeout), isTimeout: true, isTemp: true},
		{name: "nil", err: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.isNotFound, IsNotFound(tt.err))
			assert.Equal(t, tt.isTimeout, IsTimeout(tt.err))
			assert.Equal(t, tt.isTemp, IsTemporary(tt.err))
		})
	}
}

func TestDNSResolverLookupMX(t *testing.T) {
	addr := startNameserver(t, mxAnswer(map[string][]*mdns.MX{
		// Deliberately not sorted by preference.
		"example.com.": {
			{Preference: 20, Mx: "mx2.example.com."},
			{Preference: 10, Mx: "mx1.example.com."},
		},
		"empty.example.": {},
	}))

	r := NewResolver(ResolverConfig{Nameservers: []string{addr}, Timeout: time.Second})

	records, err := r.LookupMX(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "mx2.example.com.", records[0].Host)
	assert.Equal(t, uint16(20), records[0].Pref)
	assert.Equal(t, "mx1.example.com.", records[1].Host)

	_, err = r.LookupMX(context.Background(), "nowhere.example.")
	assert.ErrorIs(t, err, ErrDNSNotFound)

	_, err = r.LookupMX(context.Background(), "empty.example")
	assert.ErrorIs(t, err, ErrDNSNotFound)
}

func TestDNSResolverFailsOverToNextNameserver(t *testing.T) {
	var failing atomic.Int32
	bad := startNameserver(t, func(w mdns.ResponseWriter, req *mdns.Msg) {
		failing.Add(1)
		resp := new(mdns.Msg)
		resp.SetRcode(req, mdns.RcodeServerFailure)
		_ = w.WriteMsg(resp)
	})
	good := startNameserver(t, mxAnswer(map[string][]*mdns.MX{
		"example.com.": {{Preference: 10, Mx: "mx.example.com."}},
	}))

	r := NewResolver(ResolverConfig{Nameservers: []string{bad, good}, Timeout: time.Second, Retries: 1})

	for i := 0; i < 4; i++ {
		records, err := r.LookupMX(context.Background(), "example.com")
		require.NoError(t, err)
		assert.Equal(t, "mx.example.com.", records[0].Host)
	}
	// Rotation starts every other lookup at the good server.
	assert.Equal(t, int32(2), failing.Load())
}

func TestDNSResolverAllServersFail(t *testing.T) {
	bad := startNameserver(t, func(w mdns.ResponseWriter, req *mdns.Msg) {
		resp := new(mdns.Msg)
		resp.SetRcode(req, mdns.RcodeRefused)
		_ = w.WriteMsg(resp)
	})

	r := NewResolver(ResolverConfig{Nameservers: []string{bad}, Timeout: time.Second, Retries: 1})
	_, err := r.LookupMX(context.Background(), "example.com")
	assert.ErrorIs(t, err, ErrDNSRefused)
}

// startDualNameserver serves handler over UDP and TCP on the same loopback
// port.
func startDualNameserver(t *testing.T, handler mdns.HandlerFunc) string {
	t.Helper()
	var (
		pc  net.PacketConn
		ln  net.Listener
		err error
	)
	for i := 0; i < 10; i++ {
		pc, err = net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		ln, err = net.Listen("tcp", pc.LocalAddr().String())
		if err == nil {
			break
		}
		_ = pc.Close()
	}
	require.NoError(t, err)

	for _, server := range []*mdns.Server{
		{PacketConn: pc, Handler: handler},
		{Listener: ln, Handler: handler},
	} {
		started := make(chan struct{})
		server.NotifyStartedFunc = func() { close(started) }
		go func() { _ = server.ActivateAndServe() }()
		t.Cleanup(func() { _ = server.Shutdown() })
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("nameserver did not start")
		}
	}
	return pc.LocalAddr().String()
}

func TestDNSResolverRetriesTruncatedOverTCP(t *testing.T) {
	records := []*mdns.MX{
		{Preference: 10, Mx: "mx1.example.com."},
		{Preference: 20, Mx: "mx2.example.com."},
		{Preference: 30, Mx: "mx3.example.com."},
	}
	var udpQueries, tcpQueries atomic.Int32
	addr := startDualNameserver(t, func(w mdns.ResponseWriter, req *mdns.Msg) {
		resp := new(mdns.Msg)
		resp.SetReply(req)
		answers := records
		if _, udp := w.RemoteAddr().(*net.UDPAddr); udp {
			udpQueries.Add(1)
			resp.Truncated = true
			answers = records[:1]
		} else {
			tcpQueries.Add(1)
		}
		for _, mx := range answers {
			rr := *mx
			rr.Hdr = mdns.RR_Header{Name: req.Question[0].Name, Rrtype: mdns.TypeMX, Class: mdns.ClassINET, Ttl: 300}
			resp.Answer = append(resp.Answer, &rr)
		}
		_ = w.WriteMsg(resp)
	})

	r := NewResolver(ResolverConfig{Nameservers: []string{addr}, Timeout: time.Second})
	got, err := r.LookupMX(context.Background(), "example.com")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "mx3.example.com.", got[2].Host)
	assert.Equal(t, int32(1), udpQueries.Load())
	assert.Equal(t, int32(1), tcpQueries.Load())
}

func TestDNSResolverCancelled(t *testing.T) {
	r := NewResolver(ResolverConfig{Nameservers: []string{"127.0.0.1:1"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.LookupMX(ctx, "example.com")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolverConfigDefaults(t *testing.T) {
	r := NewResolver(ResolverConfig{Nameservers: []string{"127.0.0.1:53"}})
	cfg := r.Config()
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 2, cfg.Retries)
}

func TestMockResolver(t *testing.T) {
	r := &MockResolver{
		MX: map[string][]*net.MX{
			"example.com.": {{Host: "mx.example.com.", Pref: 10}},
		},
		Fail: []string{"broken.example."},
	}

	records, err := r.LookupMX(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "mx.example.com.", records[0].Host)

	_, err = r.LookupMX(context.Background(), "broken.example")
	assert.ErrorIs(t, err, ErrDNSServFail)

	_, err = r.LookupMX(context.Background(), "other.example")
	assert.ErrorIs(t, err, ErrDNSNotFound)

	assert.Equal(t, []string{"example.com.", "broken.example.", "other.example."}, r.Queries())
}

func newTestCache(t *testing.T) *cache.Memory {
	t.Helper()
	c := cache.NewMemory(cache.Config{})
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCachingResolverKeepsOrder(t *testing.T) {
	mock := &MockResolver{MX: map[string][]*net.MX{
		"example.com.": {
			{Host: "mx2.example.com.", Pref: 20},
			{Host: "mx1.example.com.", Pref: 10},
		},
	}}
	r := NewCachingResolver(mock, newTestCache(t), time.Minute, logging.Discard())
	ctx := context.Background()

	first, err := r.LookupMX(ctx, "example.com")
	require.NoError(t, err)
	second, err := r.LookupMX(ctx, "EXAMPLE.com.")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "mx2.example.com.", second[0].Host)
	assert.Equal(t, uint16(10), second[1].Pref)
	assert.Len(t, mock.Queries(), 1)
}

func TestCachingResolverCachesNotFound(t *testing.T) {
	mock := &MockResolver{}
	r := NewCachingResolver(mock, newTestCache(t), time.Minute, logging.Discard())

	for i := 0; i < 3; i++ {
		_, err := r.LookupMX(context.Background(), "nowhere.example")
		assert.ErrorIs(t, err, ErrDNSNotFound)
	}
	assert.Len(t, mock.Queries(), 1)
}

func TestCachingResolverDoesNotCacheFailures(t *testing.T) {
	mock := &MockResolver{Fail: []string{"broken.example."}}
	r := NewCachingResolver(mock, newTestCache(t), time.Minute, logging.Discard())

	for i := 0; i < 2; i++ {
		_, err := r.LookupMX(context.Background(), "broken.example")
		assert.ErrorIs(t, err, ErrDNSServFail)
	}
	assert.Len(t, mock.Queries(), 2)
}

func TestCachingResolverExpiry(t *testing.T) {
	mock := &MockResolver{MX: map[string][]*net.MX{
		"example.com.": {{Host: "mx.example.com.", Pref: 10}},
	}}
	r := NewCachingResolver(mock, newTestCache(t), 20*time.Millisecond, logging.Discard())

	_, err := r.LookupMX(context.Background(), "example.com")
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = r.LookupMX(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Len(t, mock.Queries(), 2)
}

func TestCachingResolverReplacesCorruptEntry(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Set(context.Background(), cacheKey("example.com"), []byte{0xc1}, time.Minute))

	mock := &MockResolver{MX: map[string][]*net.MX{
		"example.com.": {{Host: "mx.example.com.", Pref: 10}},
	}}
	r := NewCachingResolver(mock, c, time.Minute, logging.Discard())

	records, err := r.LookupMX(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, "mx.example.com.", records[0].Host)

	raw, err := c.Get(context.Background(), cacheKey("example.com"))
	require.NoError(t, err)
	decoded, err := decodeMX(raw)
	require.NoError(t, err)
	assert.Equal(t, records, decoded)
}

func TestDecodeMXRejectsTrailingBytes(t *testing.T) {
	b := append(encodeMX([]*net.MX{{Host: "a.", Pref: 1}}), 0x00)
	_, err := decodeMX(b)
	assert.ErrorContains(t, err, "trailing")
}
