package transport

import (
	"crypto/tls"
	"net"
	"time"
)

// channel is the byte pipe a Stream reads from and writes to. A Stream owns
// exactly one channel for its whole life.
type channel interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
}

type plainChannel struct {
	net.Conn
}

type tlsChannel struct {
	*tls.Conn
}

func (c tlsChannel) state() tls.ConnectionState {
	return c.Conn.ConnectionState()
}
