// Package transport defines the byte-stream connection abstractions the HTTP
// server accepts from. Connections are plain [net.Conn] values so that TCP,
// TLS and in-memory pipes can be served by the same code.
package transport

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

var (
	ErrConnListenerClosed = errors.Wrap(net.ErrClosed, "conn listener is closed")
	ErrConnRefused        = errors.New("connection refused")
	ErrAddrAlreadyInUse   = errors.New("address already in use")
	ErrNetUnreachable     = errors.New("network is unreachable")
)

type ConnListener interface {
	// Accept blocks until a connection arrives, ctx is done or the listener is closed.
	// After Close it returns an error matching [net.ErrClosed].
	Accept(ctx context.Context) (net.Conn, error)
	Close() error
	Addr() net.Addr
}

type ConnDialer interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
}

// BufferedConn is implemented by connections whose peer can only hold a bounded
// amount of unread data.
type BufferedConn interface {
	net.Conn
	ReadBufSize() uint
	WriteBufSize() uint
}
