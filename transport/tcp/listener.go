// Package tcp binds the HTTP server to operating system sockets.
package tcp

import (
	"context"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/3redronin/mu-server/transport"
	"github.com/pkg/errors"
)

type ListenOptions struct {
	// ReuseAddr sets SO_REUSEADDR so a restarted server can bind while old
	// connections sit in TIME_WAIT.
	ReuseAddr bool
	// ReusePort sets SO_REUSEPORT so several processes can share the port.
	ReusePort bool
}

// Listener adapts a [net.Listener] to [transport.ConnListener].
type Listener struct {
	ln *net.TCPListener
}

var _ transport.ConnListener = (*Listener)(nil)

// Listen binds address, e.g. "127.0.0.1:0" for an ephemeral loopback port.
// Socket options the platform rejects are logged and skipped.
func Listen(ctx context.Context, address string, opts ListenOptions, logger *slog.Logger) (*Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, rawConn syscall.RawConn) error {
			var sockErr error
			err := rawConn.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd, opts)
			})
			if err != nil {
				return err
			}
			if sockErr != nil {
				logger.Warn("socket option not applied", "address", address, "error", sockErr)
			}
			return nil
		},
	}

	ln, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", address)
	}

	return &Listener{ln: ln.(*net.TCPListener)}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept wakes up when ctx is done by expiring the listener deadline.
func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
	if err := l.ln.SetDeadline(time.Time{}); err != nil {
		return nil, errors.Wrap(err, "reset accept deadline")
	}

	stop := context.AfterFunc(ctx, func() {
		l.ln.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	conn, err := l.ln.AcceptTCP()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	return conn, nil
}

func (l *Listener) Close() error { return l.ln.Close() }

// Dialer opens plain TCP connections.
type Dialer struct {
	net.Dialer
}

var _ transport.ConnDialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return conn, nil
}
