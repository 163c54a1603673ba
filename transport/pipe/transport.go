package pipe

import (
	"context"
	"net"
	"sync"

	"github.com/3redronin/mu-server/transport"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Transport is an in-memory network. Listeners register under their address
// string and dialers connect to them with a fresh pipe pair.
type Transport struct {
	clock   clock.Clock
	bufSize int
	ports   *transport.PortTable

	mu        sync.Mutex
	listeners map[string]*Listener
}

var _ transport.ConnDialer = (*Transport)(nil)

func NewTransport(clock clock.Clock, bufSize int) *Transport {
	ports, err := transport.NewPortTable(transport.DefaultEphemeralPortOptions())
	if err != nil {
		panic(err)
	}

	return &Transport{
		clock:     clock,
		bufSize:   bufSize,
		ports:     ports,
		listeners: make(map[string]*Listener),
	}
}

// Listen registers addr. A zero port is replaced with an ephemeral one.
func (t *Transport) Listen(addr Addr) (*Listener, error) {
	port, release, err := t.ports.Occupy(addr.Port)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	addr.Port = port

	t.mu.Lock()
	defer t.mu.Unlock()

	key := addr.String()
	if _, ok := t.listeners[key]; ok {
		release()
		return nil, errors.Wrapf(transport.ErrAddrAlreadyInUse, "listen on %s", key)
	}

	l := &Listener{
		addr:      addr,
		transport: t,
		conns:     make(chan net.Conn),
		closed:    make(chan struct{}),
		release:   release,
	}
	t.listeners[key] = l

	return l, nil
}

// Dial blocks until the listener at addr accepts. The dialing side gets an
// ephemeral port under the name "client".
func (t *Transport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	t.mu.Lock()
	l, ok := t.listeners[addr]
	t.mu.Unlock()

	if !ok {
		return nil, errors.Wrapf(transport.ErrNetUnreachable, "dial %s", addr)
	}

	port, release, err := t.ports.Occupy(0)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	client, server := NewPair(t.clock, Addr{Name: "client", Port: port}, l.addr, t.bufSize)
	client.onClose = release

	select {
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	case <-l.closed:
		client.Close()
		server.Close()
		return nil, errors.Wrapf(transport.ErrConnRefused, "dial %s", addr)
	case l.conns <- server:
		return client, nil
	}
}

type Listener struct {
	addr      Addr
	transport *Transport

	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
	release   func()
}

var _ transport.ConnListener = (*Listener)(nil)

func (l *Listener) Addr() net.Addr { return l.addr }

func (l *Listener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, transport.ErrConnListenerClosed
	case conn := <-l.conns:
		return conn, nil
	}
}

func (l *Listener) Close() error {
	err := transport.ErrConnListenerClosed
	l.closeOnce.Do(func() {
		close(l.closed)

		l.transport.mu.Lock()
		delete(l.transport.listeners, l.addr.String())
		l.transport.mu.Unlock()

		l.release()
		err = nil
	})
	return err
}
