// Package client speaks HTTP/1.1 to a server over any [net.Conn]. Requests
// may be pipelined; responses are paired with them through a shared queue.
package client

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/3redronin/mu-server/application/http"
	"github.com/3redronin/mu-server/application/http/status"
	"github.com/3redronin/mu-server/application/http/transfer"
	"github.com/3redronin/mu-server/lib/ds/queue"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

var ErrConnClosed = errors.New("client connection is closed")

// Response is a final response. Body must be read or discarded before the
// next response can be received.
type Response struct {
	*http.Response
	Body io.Reader
}

// Conn is one client connection. Send and Receive may be called from
// different goroutines.
type Conn struct {
	c      net.Conn
	addr   string
	logger *slog.Logger
	clock  clock.Clock
	opts   Options

	queue *queue.SyncQueue[*http.Request]

	writeMu sync.Mutex
	bw      *bufio.Writer

	readMu sync.Mutex
	parser *http.MessageParser
	body   *http.BodyStream

	closed atomic.Bool

	// idleAt is set while the connection sits in a pool.
	idleAt time.Time
}

func NewConn(c net.Conn, logger *slog.Logger, clock clock.Clock, opts Options) *Conn {
	q := queue.NewSync[*http.Request](queue.NewNaive[*http.Request](4))
	return &Conn{
		c:      c,
		addr:   c.RemoteAddr().String(),
		logger: logger,
		clock:  clock,
		opts:   opts,
		queue:  q,
		bw:     bufio.NewWriter(c),
		parser: http.NewResponseParser(c, q, opts.Parse),
	}
}

// Send writes req with body. A non-chunked request gets a content-length
// matching body. For a chunked request body is sent as a single chunk.
func (c *Conn) Send(req *http.Request, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	chunked := req.Headers.ContainsToken("transfer-encoding", "chunked")
	if !chunked && (len(body) > 0 || req.Headers.Has("content-length")) {
		req.Headers.Set("content-length", strconv.Itoa(len(body)))
	}

	// The request must be queued before its response can arrive.
	c.queue.Enqueue(req)

	if err := http.NewRequestEncoder(c.bw).EncodeHead(req); err != nil {
		return errors.Wrap(err, "writing request head")
	}

	var w io.WriteCloser = transfer.NewFixedLengthWriter(c.bw, int64(len(body)))
	if chunked {
		w = transfer.NewChunkedWriter(c.bw)
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "writing request body")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "ending request body")
	}

	return errors.Wrap(c.bw.Flush(), "flushing request")
}

// Receive reads the next final response. Interim responses are skipped.
// The body of the previous response is drained first.
func (c *Conn) Receive() (*Response, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.closed.Load() {
		return nil, ErrConnClosed
	}

	if c.body != nil {
		if _, err := c.body.Discard(); err != nil {
			return nil, errors.Wrap(err, "draining previous response body")
		}
		c.body = nil
	}

	for {
		ev, err := c.parser.Next()
		if err != nil {
			return nil, errors.Wrap(err, "reading response")
		}

		switch ev := ev.(type) {
		case http.EndOfStream:
			return nil, errors.Wrap(io.EOF, "reading response")
		case http.HeadersReady:
			res := ev.Message.(*http.Response)
			if res.StatusCode < 200 && res.StatusCode != status.SwitchingProtocols.Code {
				c.logger.Debug("skipping interim response", "status", res.StatusCode)
				continue
			}
			if !c.opts.UseReceivedReasonPhrase {
				if st, ok := status.FromCode(res.StatusCode); ok {
					res.ReasonPhrase = st.ReasonPhrase
				}
			}

			c.body = http.NewBodyStream(c.parser, 0)
			return &Response{Response: res, Body: c.body}, nil
		default:
			return nil, errors.Errorf("unexpected %T between responses", ev)
		}
	}
}

// ReceiveAll reads the next final response together with its whole body.
func (c *Conn) ReceiveAll() (*http.Response, []byte, error) {
	res, err := c.Receive()
	if err != nil {
		return nil, nil, err
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading response body")
	}
	return res.Response, body, nil
}

// Upgraded returns the connection for the protocol switched to after a 101
// response. Bytes the parser read ahead are replayed first.
func (c *Conn) Upgraded() (net.Conn, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if !c.parser.Upgraded() {
		return nil, errors.New("connection was not upgraded")
	}
	return &replayConn{Conn: c.c, r: io.MultiReader(bytes.NewReader(c.parser.Buffered()), c.c)}, nil
}

// Pending reports the requests sent whose responses have not been read.
func (c *Conn) Pending() uint { return c.queue.Len() }

// Close unblocks a pending Receive.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return c.c.Close()
}

type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(p []byte) (int, error) { return c.r.Read(p) }
