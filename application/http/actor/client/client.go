package client

import (
	"context"
	"log/slog"
	"sync"

	"github.com/3redronin/mu-server/application/http"
	"github.com/3redronin/mu-server/transport"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Client sends requests over pooled keep-alive connections, one exchange
// per connection at a time.
type Client struct {
	dialer transport.ConnDialer
	logger *slog.Logger
	clock  clock.Clock
	opts   Options

	mu   sync.Mutex
	idle map[string][]*Conn
}

func New(d transport.ConnDialer, logger *slog.Logger, clock clock.Clock, opts Options) *Client {
	return &Client{
		dialer: d,
		logger: logger,
		clock:  clock,
		opts:   opts,
		idle:   make(map[string][]*Conn),
	}
}

// Do sends req to addr and reads the whole response. The connection is
// pooled again unless either side asked to close it.
func (c *Client) Do(ctx context.Context, addr string, req *http.Request, body []byte) (*http.Response, []byte, error) {
	conn, err := c.get(ctx, addr)
	if err != nil {
		return nil, nil, err
	}

	if err := conn.Send(req, body); err != nil {
		conn.Close()
		return nil, nil, errors.Wrap(err, "sending request")
	}

	res, resBody, err := conn.ReceiveAll()
	if err != nil {
		conn.Close()
		return nil, nil, errors.Wrap(err, "receiving response")
	}

	if req.Headers.WantsClose(req.Version) || res.Headers.WantsClose(res.Version) {
		conn.Close()
	} else {
		c.put(conn)
	}
	return res, resBody, nil
}

// IdleConns returns the number of pooled connections to addr.
func (c *Client) IdleConns(addr string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.idle[addr])
}

// CloseIdle closes every pooled connection.
func (c *Client) CloseIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for addr, conns := range c.idle {
		for _, conn := range conns {
			conn.Close()
		}
		delete(c.idle, addr)
	}
}

func (c *Client) get(ctx context.Context, addr string) (*Conn, error) {
	c.mu.Lock()
	conns := c.idle[addr]
	for len(conns) > 0 {
		// Most recently used first.
		conn := conns[len(conns)-1]
		conns = conns[:len(conns)-1]

		if c.idleTimeoutExceeded(conn) {
			conn.Close()
			continue
		}

		c.idle[addr] = conns
		c.mu.Unlock()
		return conn, nil
	}
	delete(c.idle, addr)
	c.mu.Unlock()

	nc, err := c.dialer.Dial(ctx, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", addr)
	}
	c.logger.Debug("dialed", "addr", addr)

	conn := NewConn(nc, c.logger, c.clock, c.opts)
	conn.addr = addr
	return conn, nil
}

func (c *Client) put(conn *Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conns := c.idle[conn.addr]
	if max := c.opts.MaxIdleConnsPerAddr; max > 0 && len(conns) >= max {
		conn.Close()
		return
	}

	conn.idleAt = c.clock.Now()
	c.idle[conn.addr] = append(conns, conn)
}

func (c *Client) idleTimeoutExceeded(conn *Conn) bool {
	if c.opts.IdleTimeout <= 0 {
		return false
	}
	return c.clock.Since(conn.idleAt) >= c.opts.IdleTimeout
}
