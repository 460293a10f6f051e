// Package transport provides the byte pipes workers use to talk to each
// other. Every logical exchange, handshake then data transfer, runs on
// its own net.Conn.
package transport

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	ErrShutdown     = errors.New("transport: shutting down")
	ErrNoTLSConfig  = errors.New("transport: TlsConfig is required")
	ErrInvalidAddr  = errors.New("transport: the address you provided is invalid")
	ErrNotListening = errors.New("transport: not listening")
)

// Transport opens and accepts connections between workers.
type Transport interface {
	// Listen binds addr. The returned listener reports the actual bound
	// address, which matters when addr asks for port 0.
	Listen(addr string) (net.Listener, error)
	Dial(ctx context.Context, addr string) (net.Conn, error)
	Close() error
}

// TCP is the default transport, one TCP connection per exchange.
type TCP struct {
	// KeepAlive period of dialed and accepted connections. Zero keeps the
	// Go default.
	KeepAlive time.Duration
}

var _ Transport = (*TCP)(nil)

func NewTCP() *TCP {
	return &TCP{}
}

func (t *TCP) Listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: t.KeepAlive}
	return lc.Listen(context.Background(), "tcp", addr)
}

func (t *TCP) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{KeepAlive: t.KeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}

func (t *TCP) Close() error {
	return nil
}
