package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/3redronin/mu-server/application/http"
	"github.com/3redronin/mu-server/application/http/actor/client"
	"github.com/3redronin/mu-server/application/http/stats"
	"github.com/3redronin/mu-server/application/http/status"
	"github.com/3redronin/mu-server/lib/ds/queue"
	"github.com/3redronin/mu-server/transport/pipe"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

var logger = slog.New(slog.DiscardHandler)

const (
	waitFor = time.Second
	tick    = 10 * time.Millisecond
)

type ServerTestSuite struct {
	suite.Suite

	ctx       context.Context
	clock     *clock.Mock
	transport *pipe.Transport
	listener  *pipe.Listener
	stats     *stats.Prometheus
	server    *Server
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, new(ServerTestSuite))
}

func (s *ServerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.NewMock()
	s.transport = pipe.NewTransport(s.clock, 0)
	s.stats = stats.NewPrometheus(prometheus.NewRegistry())

	l, err := s.transport.Listen(pipe.Addr{Name: "server", Port: 80})
	s.Require().NoError(err)
	s.listener = l
}

func (s *ServerTestSuite) TearDownTest() {
	defer goleak.VerifyNone(s.T())
	if s.server != nil {
		s.server.Close(time.Hour)
		s.server = nil
	}
	s.listener.Close()
}

func (s *ServerTestSuite) start(opts Options, handlers ...Handler) {
	opts.Stats = s.stats
	s.server = New(s.listener, logger, s.clock, handlers, opts)
	s.Require().NoError(s.server.Start())
}

func (s *ServerTestSuite) dial() *client.Conn {
	c, err := s.transport.Dial(s.ctx, s.listener.Addr().String())
	s.Require().NoError(err)

	conn := client.NewConn(c, logger, s.clock, client.DefaultOptions())
	s.T().Cleanup(func() { conn.Close() })
	return conn
}

func (s *ServerTestSuite) exchange(conn *client.Conn, req *http.Request, body string) (*http.Response, string) {
	s.Require().NoError(conn.Send(req, []byte(body)))
	res, resBody, err := conn.ReceiveAll()
	s.Require().NoError(err)
	return res, string(resBody)
}

// rawConn writes requests byte for byte and parses what comes back.
type rawConn struct {
	net.Conn
	queue  *queue.SyncQueue[*http.Request]
	parser *http.MessageParser
}

func (s *ServerTestSuite) dialRaw() *rawConn {
	c, err := s.transport.Dial(s.ctx, s.listener.Addr().String())
	s.Require().NoError(err)
	s.T().Cleanup(func() { c.Close() })

	q := queue.NewSync[*http.Request](queue.NewNaive[*http.Request](2))
	return &rawConn{Conn: c, queue: q, parser: http.NewResponseParser(c, q, http.DefaultParseOptions)}
}

// send writes raw as is. The answer is framed as a response to method.
func (c *rawConn) send(method, raw string) error {
	c.queue.Enqueue(&http.Request{Method: method})
	_, err := io.WriteString(c.Conn, raw)
	return err
}

// receive reads the next response, interim ones included.
func (c *rawConn) receive() (*http.Response, string, error) {
	ev, err := c.parser.Next()
	if err != nil {
		return nil, "", err
	}
	ready, ok := ev.(http.HeadersReady)
	if !ok {
		return nil, "", io.EOF
	}
	body, err := io.ReadAll(http.NewBodyStream(c.parser, 0))
	return ready.Message.(*http.Response), string(body), err
}

// record returns the only live connection, nil when there is none.
func (s *ServerTestSuite) record() *connRecord {
	var rec *connRecord
	s.server.conns.Range(func(_ uint64, r *connRecord) bool {
		rec = r
		return false
	})
	return rec
}

func newRequest(method, target string, fields ...http.Field) *http.Request {
	req := &http.Request{Method: method, Target: target}
	req.Version = http.Version1_1
	req.Headers = http.NewHeaders(append([]http.Field{{Name: "host", Value: "server"}}, fields...)...)
	return req
}

// route handles requests for path only.
func route(path string, h HandlerFunc) Handler {
	return HandlerFunc(func(req *Request, res *Response) (bool, error) {
		if req.URI().Path != path {
			return false, nil
		}
		return h(req, res)
	})
}

func header(h *http.Headers, name string) string {
	v, _ := h.Get(name)
	return v
}

func (s *ServerTestSuite) TestResponses() {
	s.start(DefaultOptions(),
		route("/string", func(req *Request, res *Response) (bool, error) {
			return true, res.SendString("hello")
		}),
		route("/empty", func(req *Request, res *Response) (bool, error) {
			return true, nil
		}),
		route("/created", func(req *Request, res *Response) (bool, error) {
			res.SetStatus(201)
			return true, nil
		}),
		route("/chunks", func(req *Request, res *Response) (bool, error) {
			if err := res.SendChunk("a"); err != nil {
				return true, err
			}
			return true, res.SendChunk("b")
		}),
		route("/fixed", func(req *Request, res *Response) (bool, error) {
			res.Headers().Set("content-length", "3")
			w, err := res.BodyWriter()
			if err != nil {
				return true, err
			}
			_, err = io.WriteString(w, "abc")
			return true, err
		}),
		route("/forbidden", func(req *Request, res *Response) (bool, error) {
			return true, status.NewError(errors.New("no entry"), status.Forbidden)
		}),
		route("/error", func(req *Request, res *Response) (bool, error) {
			return true, errors.New("boom")
		}),
		route("/panic", func(req *Request, res *Response) (bool, error) {
			panic("boom")
		}),
		route("/redirect", func(req *Request, res *Response) (bool, error) {
			return true, res.Redirect("/elsewhere")
		}),
		route("/moved", func(req *Request, res *Response) (bool, error) {
			res.SetStatus(301)
			return true, res.Redirect("/elsewhere")
		}),
	)

	testcases := []struct {
		desc    string
		target  string
		status  int
		headers map[string]string
		body    string
		prefix  string
	}{
		{
			desc:   "string body",
			target: "/string",
			status: 200,
			headers: map[string]string{
				"content-type":   "text/plain;charset=utf-8",
				"content-length": "5",
			},
			body: "hello",
		},
		{desc: "nothing written is 204", target: "/empty", status: 204},
		{desc: "nothing written keeps a set status", target: "/created", status: 201, headers: map[string]string{"content-length": "0"}},
		{desc: "chunks", target: "/chunks", status: 200, headers: map[string]string{"transfer-encoding": "chunked"}, body: "ab"},
		{desc: "fixed length writer", target: "/fixed", status: 200, headers: map[string]string{"content-length": "3"}, body: "abc"},
		{desc: "no handler", target: "/missing", status: 404, body: "404 Not Found"},
		{desc: "status error", target: "/forbidden", status: 403, body: "no entry"},
		{desc: "unexpected error", target: "/error", status: 500, prefix: "Oops! An unexpected error occurred. The ErrorID=ERR-"},
		{desc: "panic", target: "/panic", status: 500, prefix: "Oops! An unexpected error occurred. The ErrorID=ERR-"},
		{desc: "redirect", target: "/redirect", status: 302, headers: map[string]string{"location": "/elsewhere"}, body: "302 Found"},
		{desc: "redirect keeps status", target: "/moved", status: 301, headers: map[string]string{"location": "/elsewhere"}},
	}

	conn := s.dial()
	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			res, body := s.exchange(conn, newRequest(http.MethodGet, tc.target), "")

			s.Equal(tc.status, res.StatusCode)
			s.True(res.Headers.Has("date"))
			s.False(res.Headers.Has("connection"))
			for name, value := range tc.headers {
				s.Equal(value, header(&res.Headers, name), name)
			}
			if tc.prefix != "" {
				s.True(strings.HasPrefix(body, tc.prefix), body)
			} else if tc.body != "" {
				s.Equal(tc.body, body)
			}
		})
	}
}

func (s *ServerTestSuite) TestHead() {
	s.start(DefaultOptions(), HandlerFunc(func(req *Request, res *Response) (bool, error) {
		return true, res.SendString("hello")
	}))

	res, body := s.exchange(s.dial(), newRequest(http.MethodHead, "/"), "")
	s.Equal(200, res.StatusCode)
	s.Equal("5", header(&res.Headers, "content-length"))
	s.Empty(body)
}

func (s *ServerTestSuite) TestRequestView() {
	type seen struct {
		method, target, path, query, body, trailer string
		remote                                     net.Addr
	}
	got := make(chan seen, 1)

	s.start(DefaultOptions(), HandlerFunc(func(req *Request, res *Response) (bool, error) {
		body, err := req.ReadBodyAsString()
		if err != nil {
			return true, err
		}
		if _, err := req.Body(); !errors.Is(err, ErrBodyClaimed) {
			return true, errors.New("body claimed twice")
		}
		got <- seen{
			method:  req.Method(),
			target:  req.RawTarget(),
			path:    req.URI().Path,
			query:   req.URI().RawQuery,
			body:    body,
			trailer: header(req.Trailers(), "x-sum"),
			remote:  req.RemoteAddr(),
		}
		return true, nil
	}))

	conn := s.dialRaw()
	s.Require().NoError(conn.send(http.MethodPost, "POST /a/../b?x=1 HTTP/1.1\r\n"+
		"host: server\r\n"+
		"transfer-encoding: chunked\r\n"+
		"\r\n"+
		"4\r\nping\r\n0\r\nx-sum: 4\r\n\r\n"))

	res, _, err := conn.receive()
	s.Require().NoError(err)
	s.Equal(204, res.StatusCode)

	v := <-got
	s.Equal(http.MethodPost, v.method)
	s.Equal("/a/../b?x=1", v.target)
	s.Equal("/b", v.path)
	s.Equal("x=1", v.query)
	s.Equal("ping", v.body)
	s.Equal("4", v.trailer)
	s.Equal(conn.LocalAddr().String(), v.remote.String())
}

func (s *ServerTestSuite) TestErrorAfterResponseStarted() {
	s.start(DefaultOptions(),
		route("/broken", func(req *Request, res *Response) (bool, error) {
			if err := res.SendChunk("part"); err != nil {
				return true, err
			}
			return true, errors.New("broken")
		}),
		route("/short", func(req *Request, res *Response) (bool, error) {
			res.Headers().Set("content-length", "10")
			w, err := res.BodyWriter()
			if err != nil {
				return true, err
			}
			_, err = io.WriteString(w, "abc")
			return true, err
		}),
	)

	for _, target := range []string{"/broken", "/short"} {
		s.Run(target, func() {
			conn := s.dial()
			s.Require().NoError(conn.Send(newRequest(http.MethodGet, target), nil))

			res, err := conn.Receive()
			s.Require().NoError(err)
			s.Equal(200, res.StatusCode)

			_, err = io.ReadAll(res.Body)
			s.Error(err)
		})
	}
}

func (s *ServerTestSuite) TestUnreadableBodyAfterHandler() {
	opts := DefaultOptions()
	opts.Timeout.ReadTimeout = time.Second
	opts.Timeout.IdleTimeout = 0
	// The handler ignores the body, so it is only read when draining.
	s.start(opts, HandlerFunc(func(req *Request, res *Response) (bool, error) {
		return true, nil
	}))

	testcases := []struct {
		desc    string
		raw     string
		advance bool
		status  int
	}{
		{
			desc:   "malformed chunk size",
			raw:    "POST / HTTP/1.1\r\nhost: x\r\ntransfer-encoding: chunked\r\n\r\nZZ\r\n",
			status: 400,
		},
		{
			desc:    "body stops arriving",
			raw:     "POST / HTTP/1.1\r\nhost: x\r\ncontent-length: 10\r\n\r\nabc",
			advance: true,
			status:  408,
		},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			conn := s.dialRaw()
			s.Require().NoError(conn.send(http.MethodPost, tc.raw))

			type result struct {
				res *http.Response
				err error
			}
			done := make(chan result, 1)
			go func() {
				res, _, err := conn.receive()
				done <- result{res, err}
			}()

			var r result
			s.Eventually(func() bool {
				if tc.advance {
					s.clock.Add(time.Second)
				}
				select {
				case r = <-done:
					return true
				default:
					return false
				}
			}, waitFor, tick)

			s.Require().NoError(r.err)
			s.Equal(tc.status, r.res.StatusCode)
			s.Equal("close", header(&r.res.Headers, "connection"))

			_, _, err := conn.receive()
			s.Error(err)
		})
	}
}

func (s *ServerTestSuite) TestSetStatus() {
	errs := make(chan error, 3)
	s.start(DefaultOptions(), HandlerFunc(func(req *Request, res *Response) (bool, error) {
		errs <- res.SetStatus(42)
		errs <- res.SetStatus(1000)
		if err := res.SetStatus(299); err != nil {
			return true, err
		}
		if err := res.SendString("unlisted"); err != nil {
			return true, err
		}
		errs <- res.SetStatus(500)
		return true, nil
	}))

	res, body := s.exchange(s.dial(), newRequest(http.MethodGet, "/"), "")
	s.Equal(299, res.StatusCode)
	s.Equal("unlisted", body)

	s.ErrorIs(<-errs, ErrInvalidStatus)
	s.ErrorIs(<-errs, ErrInvalidStatus)
	s.ErrorIs(<-errs, ErrResponseSent)
}

func (s *ServerTestSuite) TestKeepAlive() {
	s.start(DefaultOptions(),
		route("/close", func(req *Request, res *Response) (bool, error) {
			res.Headers().Set("connection", "close")
			return true, res.SendString("bye")
		}),
		HandlerFunc(func(req *Request, res *Response) (bool, error) {
			return true, res.SendString("hello")
		}),
	)

	testcases := []struct {
		desc    string
		target  string
		version http.Version
		fields  []http.Field
		opened  float64
	}{
		{desc: "kept alive", target: "/", version: http.Version1_1, opened: 1},
		{
			desc:    "request asks to close",
			target:  "/",
			version: http.Version1_1,
			fields:  []http.Field{{Name: "connection", Value: "close"}},
			opened:  2,
		},
		{desc: "response asks to close", target: "/close", version: http.Version1_1, opened: 2},
		{
			desc:    "HTTP/1.0 keep-alive",
			target:  "/",
			version: http.Version1_0,
			fields:  []http.Field{{Name: "connection", Value: "keep-alive"}},
			opened:  1,
		},
		{desc: "HTTP/1.0 without keep-alive", target: "/", version: http.Version1_0, opened: 2},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			c := client.New(s.transport, logger, s.clock, client.DefaultOptions())
			defer c.CloseIdle()
			before := testutil.ToFloat64(s.stats.ConnectionsOpened)

			for range 2 {
				req := newRequest(http.MethodGet, tc.target, tc.fields...)
				req.Version = tc.version

				res, _, err := c.Do(s.ctx, s.listener.Addr().String(), req, nil)
				s.Require().NoError(err)
				s.Equal(200, res.StatusCode)
				if tc.version == http.Version1_0 && tc.opened == 1 {
					s.Equal("keep-alive", header(&res.Headers, "connection"))
				}
			}

			s.Equal(before+tc.opened, testutil.ToFloat64(s.stats.ConnectionsOpened))
		})
	}
}

func (s *ServerTestSuite) TestHTTP10CloseDelimited() {
	s.start(DefaultOptions(), HandlerFunc(func(req *Request, res *Response) (bool, error) {
		if err := res.SendChunk("a"); err != nil {
			return true, err
		}
		return true, res.SendChunk("b")
	}))

	conn := s.dialRaw()
	s.Require().NoError(conn.send(http.MethodGet, "GET / HTTP/1.0\r\n\r\n"))

	res, body, err := conn.receive()
	s.Require().NoError(err)
	s.Equal(http.Version1_1, res.Version)
	s.Equal("close", header(&res.Headers, "connection"))
	s.False(res.Headers.Has("transfer-encoding"))
	s.False(res.Headers.Has("content-length"))
	s.Equal("ab", body)
}

func (s *ServerTestSuite) TestRejectedRequests() {
	opts := DefaultOptions()
	opts.Serve.MaxRequestBodySize = 10
	opts.Serve.Parse.MaxURLSize = 64
	opts.Serve.Parse.MaxHeadersSize = 128

	handled := atomic.Int32{}
	s.start(opts, HandlerFunc(func(req *Request, res *Response) (bool, error) {
		handled.Add(1)
		return true, nil
	}))

	testcases := []struct {
		desc   string
		raw    string
		status int
		closes bool
	}{
		{desc: "unknown method", raw: "BREW / HTTP/1.1\r\nhost: x\r\n\r\n", status: 405},
		{desc: "missing host", raw: "GET / HTTP/1.1\r\n\r\n", status: 400},
		{desc: "invalid target", raw: "GET example.com HTTP/1.1\r\nhost: x\r\n\r\n", status: 400},
		{
			desc:   "body too large",
			raw:    "POST / HTTP/1.1\r\nhost: x\r\ncontent-length: 20\r\n\r\n" + strings.Repeat("x", 20),
			status: 413,
		},
		{desc: "unsupported expectation", raw: "GET / HTTP/1.1\r\nhost: x\r\nexpect: magic\r\n\r\n", status: 417, closes: true},
		{
			desc:   "continue for a body too large",
			raw:    "POST / HTTP/1.1\r\nhost: x\r\nexpect: 100-continue\r\ncontent-length: 20\r\n\r\n",
			status: 417,
			closes: true,
		},
		{desc: "target too long", raw: "GET /" + strings.Repeat("a", 100) + " HTTP/1.1\r\nhost: x\r\n\r\n", status: 414, closes: true},
		{
			desc:   "headers too large",
			raw:    "GET / HTTP/1.1\r\nhost: x\r\nx-big: " + strings.Repeat("b", 150) + "\r\n\r\n",
			status: 431,
			closes: true,
		},
		{desc: "malformed request line", raw: "GET\r\n\r\n", status: 400, closes: true},
		{
			desc:   "unsupported transfer coding",
			raw:    "POST / HTTP/1.1\r\nhost: x\r\ntransfer-encoding: gzip\r\n\r\n",
			status: 501,
			closes: true,
		},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			before := testutil.ToFloat64(s.stats.InvalidRequests)
			conn := s.dialRaw()

			s.Require().NoError(conn.send(http.MethodGet, tc.raw))
			res, body, err := conn.receive()
			s.Require().NoError(err)
			s.Equal(tc.status, res.StatusCode)
			st, _ := status.FromCode(tc.status)
			s.Equal(st.String(), body)
			s.Equal(before+1, testutil.ToFloat64(s.stats.InvalidRequests))

			if tc.closes {
				s.Equal("close", header(&res.Headers, "connection"))
				_, _, err := conn.receive()
				s.Error(err)
				return
			}

			s.Require().NoError(conn.send(http.MethodGet, "GET / HTTP/1.1\r\nhost: x\r\n\r\n"))
			res, _, err = conn.receive()
			s.Require().NoError(err)
			s.Equal(204, res.StatusCode)
		})
	}

	// Only the requests following the ones kept open reach the handler.
	s.Equal(int32(4), handled.Load())
}

func (s *ServerTestSuite) TestExpectContinue() {
	s.start(DefaultOptions(), HandlerFunc(func(req *Request, res *Response) (bool, error) {
		body, err := req.ReadBodyAsString()
		if err != nil {
			return true, err
		}
		return true, res.SendString("got " + body)
	}))

	conn := s.dialRaw()
	s.Require().NoError(conn.send(http.MethodPut, "PUT / HTTP/1.1\r\nhost: x\r\nexpect: 100-continue\r\ncontent-length: 4\r\n\r\n"))

	res, _, err := conn.receive()
	s.Require().NoError(err)
	s.Equal(100, res.StatusCode)

	_, err = io.WriteString(conn, "ping")
	s.Require().NoError(err)

	res, body, err := conn.receive()
	s.Require().NoError(err)
	s.Equal(200, res.StatusCode)
	s.Equal("got ping", body)
}

func (s *ServerTestSuite) TestRateLimiters() {
	var action atomic.Uint32
	handled := atomic.Int32{}

	opts := DefaultOptions()
	opts.RateLimiters = []RateLimiter{
		RateLimiterFunc(func(req *Request) RejectionAction { return NoRejection }),
		RateLimiterFunc(func(req *Request) RejectionAction { return RejectionAction(action.Load()) }),
	}
	s.start(opts, HandlerFunc(func(req *Request, res *Response) (bool, error) {
		handled.Add(1)
		return true, res.SendString("hello")
	}))

	testcases := []struct {
		desc     string
		action   RejectionAction
		status   int
		rejected float64
	}{
		{desc: "allowed", action: NoRejection, status: 200},
		{desc: "too many requests", action: Send429, status: 429, rejected: 1},
		{desc: "closed without response", action: CloseConnection, rejected: 1},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			action.Store(uint32(tc.action))
			handledBefore := handled.Load()
			rejectedBefore := testutil.ToFloat64(s.stats.RejectedOverload)

			conn := s.dial()
			s.Require().NoError(conn.Send(newRequest(http.MethodGet, "/"), nil))
			res, body, err := conn.ReceiveAll()

			if tc.status == 0 {
				s.Error(err)
			} else {
				s.Require().NoError(err)
				s.Equal(tc.status, res.StatusCode)
				if tc.status == 429 {
					s.Equal("429 Too Many Requests", string(body))
				}
			}

			s.Equal(rejectedBefore+tc.rejected, testutil.ToFloat64(s.stats.RejectedOverload))
			if tc.action == NoRejection {
				s.Equal(handledBefore+1, handled.Load())
			} else {
				s.Equal(handledBefore, handled.Load())
			}
		})
	}
}

func (s *ServerTestSuite) TestOverloaded() {
	entered := make(chan struct{})
	release := make(chan struct{})

	opts := DefaultOptions()
	opts.Workers = 1
	s.start(opts, HandlerFunc(func(req *Request, res *Response) (bool, error) {
		close(entered)
		<-release
		return true, res.SendString("done")
	}))

	busy := s.dial()
	s.Require().NoError(busy.Send(newRequest(http.MethodGet, "/"), nil))
	<-entered

	refused := s.dialRaw()
	got := make([]byte, len(overloadResponse))
	_, err := io.ReadFull(refused, got)
	s.Require().NoError(err)
	s.Equal(string(overloadResponse), string(got))
	refused.Close()

	s.Equal(1.0, testutil.ToFloat64(s.stats.RejectedOverload))

	close(release)
	res, body, err := busy.ReceiveAll()
	s.Require().NoError(err)
	s.Equal(200, res.StatusCode)
	s.Equal("done", string(body))
}

func (s *ServerTestSuite) TestIdleReaper() {
	opts := DefaultOptions()
	opts.Timeout.ReadTimeout = 0
	opts.Timeout.IdleTimeout = time.Minute

	causes := make(chan error, 1)
	s.start(opts, HandlerFunc(func(req *Request, res *Response) (bool, error) {
		<-req.Context().Done()
		causes <- context.Cause(req.Context())
		return true, req.Context().Err()
	}))

	s.Run("idle connection", func() {
		conn := s.dialRaw()
		s.Eventually(func() bool { return len(s.server.Connections()) == 1 }, waitFor, tick)

		s.Eventually(func() bool {
			s.clock.Add(time.Minute)
			return len(s.server.Connections()) == 0
		}, waitFor, tick)

		_, _, err := conn.receive()
		s.Error(err)
	})

	s.Run("in-flight request", func() {
		conn := s.dial()
		s.Require().NoError(conn.Send(newRequest(http.MethodGet, "/"), nil))
		s.Eventually(func() bool {
			conns := s.server.Connections()
			return len(conns) == 1 && conns[0].Current != nil
		}, waitFor, tick)

		s.Eventually(func() bool {
			s.clock.Add(time.Minute)
			return len(causes) == 1
		}, waitFor, tick)
		s.ErrorIs(<-causes, ErrConnTimedOut)

		_, err := conn.Receive()
		s.Error(err)
	})
}

func (s *ServerTestSuite) TestReadTimeout() {
	opts := DefaultOptions()
	opts.Timeout.ReadTimeout = time.Second
	opts.Timeout.IdleTimeout = 0
	s.start(opts)

	testcases := []struct {
		desc   string
		raw    string
		status int
	}{
		{desc: "partial request", raw: "GET / HTTP/1.1\r\nhost: x\r\n", status: 408},
		{desc: "between requests", raw: ""},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			conn := s.dialRaw()
			s.Require().NoError(conn.send(http.MethodGet, tc.raw))

			type result struct {
				res *http.Response
				err error
			}
			done := make(chan result, 1)
			go func() {
				res, _, err := conn.receive()
				done <- result{res, err}
			}()

			var r result
			s.Eventually(func() bool {
				s.clock.Add(time.Second)
				select {
				case r = <-done:
					return true
				default:
					return false
				}
			}, waitFor, tick)

			if tc.status == 0 {
				s.Error(r.err)
				return
			}
			s.Require().NoError(r.err)
			s.Equal(tc.status, r.res.StatusCode)
			s.Equal("close", header(&r.res.Headers, "connection"))
		})
	}
}

func (s *ServerTestSuite) TestAsync() {
	opts := DefaultOptions()
	opts.Timeout.AsyncTimeout = time.Second

	handles := make(chan *AsyncHandle, 1)
	s.start(opts,
		route("/async", func(req *Request, res *Response) (bool, error) {
			h := res.StartAsync()
			go func() {
				h.Complete(res.SendString("async"))
			}()
			return true, nil
		}),
		route("/async-error", func(req *Request, res *Response) (bool, error) {
			h := res.StartAsync()
			go h.Complete(status.NewError(nil, status.Conflict))
			return true, nil
		}),
		route("/never", func(req *Request, res *Response) (bool, error) {
			handles <- res.StartAsync()
			return true, nil
		}),
	)

	s.Run("completed", func() {
		res, body := s.exchange(s.dial(), newRequest(http.MethodGet, "/async"), "")
		s.Equal(200, res.StatusCode)
		s.Equal("async", body)
	})

	s.Run("completed with error", func() {
		res, _ := s.exchange(s.dial(), newRequest(http.MethodGet, "/async-error"), "")
		s.Equal(409, res.StatusCode)
	})

	s.Run("timed out", func() {
		conn := s.dial()
		s.Require().NoError(conn.Send(newRequest(http.MethodGet, "/never"), nil))
		h := <-handles

		s.Eventually(func() bool {
			s.clock.Add(time.Second)
			select {
			case <-h.Done():
				return true
			default:
				return false
			}
		}, waitFor, tick)

		s.ErrorIs(h.Err(), ErrAsyncTimeout)
		s.False(h.Complete(nil))

		_, err := conn.Receive()
		s.Error(err)
	})
}

func (s *ServerTestSuite) TestGracefulStop() {
	entered := make(chan struct{})
	release := make(chan struct{})

	s.start(DefaultOptions(), HandlerFunc(func(req *Request, res *Response) (bool, error) {
		close(entered)
		<-release
		return true, res.SendString("done")
	}))

	conn := s.dial()
	s.Require().NoError(conn.Send(newRequest(http.MethodGet, "/"), nil))
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- s.server.Stop(time.Hour) }()

	s.Eventually(func() bool {
		conns := s.server.Connections()
		return len(conns) == 1 && conns[0].Draining
	}, waitFor, tick)
	s.Equal(StateStopping, s.server.State())

	close(release)
	res, body, err := conn.ReceiveAll()
	s.Require().NoError(err)
	s.Equal("done", string(body))
	s.Equal("close", header(&res.Headers, "connection"))

	s.NoError(<-stopped)
	s.Equal(StateStopped, s.server.State())
	s.Empty(s.server.Connections())
}

func (s *ServerTestSuite) TestGracefulStopWaitsForRequestHead() {
	s.start(DefaultOptions(), HandlerFunc(func(req *Request, res *Response) (bool, error) {
		return true, res.SendString("done")
	}))

	conn := s.dialRaw()
	s.Eventually(func() bool {
		rec := s.record()
		return rec != nil && rec.waiting.Load()
	}, waitFor, tick)

	// Half of a head is on the wire when the server stops.
	s.Require().NoError(conn.send(http.MethodGet, "GET / HTTP/1.1\r\nhost: x\r\n"))
	s.Eventually(func() bool {
		rec := s.record()
		return rec != nil && !rec.waiting.Load()
	}, waitFor, tick)

	stopped := make(chan error, 1)
	go func() { stopped <- s.server.Stop(time.Hour) }()
	s.Eventually(func() bool {
		conns := s.server.Connections()
		return len(conns) == 1 && conns[0].Draining
	}, waitFor, tick)

	_, err := io.WriteString(conn, "\r\n")
	s.Require().NoError(err)

	res, body, err := conn.receive()
	s.Require().NoError(err)
	s.Equal(200, res.StatusCode)
	s.Equal("done", body)
	s.Equal("close", header(&res.Headers, "connection"))

	s.NoError(<-stopped)
	s.Empty(s.server.Connections())
}

func (s *ServerTestSuite) TestStopAbortsAfterGracePeriod() {
	opts := DefaultOptions()
	opts.Timeout.ShutdownGracePeriod = time.Second

	causes := make(chan error, 1)
	s.start(opts, HandlerFunc(func(req *Request, res *Response) (bool, error) {
		<-req.Context().Done()
		causes <- context.Cause(req.Context())
		return true, req.Context().Err()
	}))

	conn := s.dial()
	s.Require().NoError(conn.Send(newRequest(http.MethodGet, "/"), nil))
	s.Eventually(func() bool {
		conns := s.server.Connections()
		return len(conns) == 1 && conns[0].Current != nil
	}, waitFor, tick)

	stopped := make(chan error, 1)
	go func() { stopped <- s.server.Stop(time.Hour) }()

	s.Eventually(func() bool {
		s.clock.Add(time.Second)
		return len(stopped) == 1
	}, waitFor, tick)

	s.NoError(<-stopped)
	s.ErrorIs(<-causes, ErrConnAborted)

	_, err := conn.Receive()
	s.Error(err)
}

func (s *ServerTestSuite) TestLifecycle() {
	s.start(DefaultOptions(), HandlerFunc(func(req *Request, res *Response) (bool, error) {
		return true, res.SendString("hello")
	}))
	s.Equal(StateStarted, s.server.State())
	s.ErrorIs(s.server.Start(), ErrIllegalState)

	s.Require().NoError(s.server.Stop(time.Hour))
	s.Equal(StateStopped, s.server.State())
	s.ErrorIs(s.server.Stop(time.Hour), ErrIllegalState)

	s.Require().NoError(s.server.Start())
	res, body := s.exchange(s.dial(), newRequest(http.MethodGet, "/"), "")
	s.Equal(200, res.StatusCode)
	s.Equal("hello", body)
}

func (s *ServerTestSuite) TestConnections() {
	entered := make(chan struct{})
	release := make(chan struct{})

	s.start(DefaultOptions(),
		route("/slow", func(req *Request, res *Response) (bool, error) {
			close(entered)
			<-release
			return true, nil
		}),
		HandlerFunc(func(req *Request, res *Response) (bool, error) {
			return true, nil
		}),
	)

	conn := s.dial()
	s.exchange(conn, newRequest(http.MethodGet, "/"), "")

	s.Require().NoError(conn.Send(newRequest(http.MethodGet, "/slow"), nil))
	<-entered

	conns := s.server.Connections()
	s.Require().Len(conns, 1)
	info := conns[0]
	s.Equal(s.listener.Addr(), info.LocalAddr)
	s.Equal("client", info.RemoteAddr.(pipe.Addr).Name)
	s.Nil(info.TLS)
	s.False(info.Draining)
	s.Equal(s.clock.Now(), info.StartTime)
	s.Require().NotNil(info.Current)
	s.Equal("/slow", info.Current.RawTarget())
	s.Equal(int64(1), info.CompletedRequests)

	close(release)
	_, _, err := conn.ReceiveAll()
	s.Require().NoError(err)

	s.Eventually(func() bool {
		conns := s.server.Connections()
		return len(conns) == 1 && conns[0].Current == nil && conns[0].CompletedRequests == 2
	}, waitFor, tick)
	s.Equal(2.0, testutil.ToFloat64(s.stats.CompletedRequests.WithLabelValues("2xx")))
	s.Zero(testutil.ToFloat64(s.stats.ActiveRequests))
}

func (s *ServerTestSuite) TestWebSocketHandshake() {
	s.start(DefaultOptions(),
		route("/ws", func(req *Request, res *Response) (bool, error) {
			return true, AcceptWebSocket(req, res, func(ctx context.Context, conn net.Conn) error {
				buf := make([]byte, 4)
				if _, err := io.ReadFull(conn, buf); err != nil {
					return err
				}
				_, err := io.WriteString(conn, "pong:"+string(buf))
				return err
			})
		}),
		HandlerFunc(func(req *Request, res *Response) (bool, error) {
			return true, res.SendString("plain")
		}),
	)

	upgrade := func(target, version, key string) string {
		return "GET " + target + " HTTP/1.1\r\n" +
			"host: x\r\n" +
			"upgrade: websocket\r\n" +
			"connection: Upgrade\r\n" +
			"sec-websocket-version: " + version + "\r\n" +
			"sec-websocket-key: " + key + "\r\n" +
			"\r\n"
	}
	const key = "dGhlIHNhbXBsZSBub25jZQ=="

	s.Run("accepted", func() {
		conn := s.dialRaw()
		// The first frame bytes arrive with the handshake.
		s.Require().NoError(conn.send(http.MethodGet, upgrade("/ws", "13", key)+"ping"))

		res, _, err := conn.receive()
		s.Require().NoError(err)
		s.Equal(101, res.StatusCode)
		s.Equal("s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", header(&res.Headers, "sec-websocket-accept"))
		s.Equal("websocket", header(&res.Headers, "upgrade"))

		got, err := io.ReadAll(io.MultiReader(strings.NewReader(string(conn.parser.Buffered())), conn))
		s.Require().NoError(err)
		s.Equal("pong:ping", string(got))
	})

	testcases := []struct {
		desc    string
		target  string
		version string
		key     string
		status  int
	}{
		{desc: "unsupported version", target: "/ws", version: "8", key: key, status: 426},
		{desc: "invalid key", target: "/ws", version: "13", key: "short", status: 400},
		{desc: "not upgraded by the handler", target: "/plain", version: "13", key: key, status: 200},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			conn := s.dialRaw()
			s.Require().NoError(conn.send(http.MethodGet, upgrade(tc.target, tc.version, tc.key)))

			res, _, err := conn.receive()
			s.Require().NoError(err)
			s.Equal(tc.status, res.StatusCode)
			s.Equal("close", header(&res.Headers, "connection"))
			if tc.status == 426 {
				s.Equal("13", header(&res.Headers, "sec-websocket-version"))
			}

			_, _, err = conn.receive()
			s.Error(err)
		})
	}
}
