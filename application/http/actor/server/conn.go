package server

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/3redronin/mu-server/application/http"
	"github.com/3redronin/mu-server/application/http/stats"
	"github.com/3redronin/mu-server/application/http/status"
	"github.com/3redronin/mu-server/application/util/uri"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// errCloseSilently closes the connection without a response.
var errCloseSilently = errors.New("closing connection without a response")

var continueResponse = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// conn serves the requests of one connection in sequence.
type conn struct {
	rec    *connRecord
	logger *slog.Logger
	clock  clock.Clock
	opts   Options
	stats  stats.Recorder

	handlers []Handler

	parser *http.MessageParser
	bw     *bufio.Writer
}

func newConn(rec *connRecord, logger *slog.Logger, clock clock.Clock, handlers []Handler, opts Options) *conn {
	return &conn{
		rec:      rec,
		logger:   logger,
		clock:    clock,
		opts:     opts,
		stats:    opts.Stats,
		handlers: handlers,
		parser:   http.NewRequestParser(rec, nil, opts.Serve.Parse),
		bw:       bufio.NewWriterSize(rec, writeBufferSize),
	}
}

func (c *conn) serve(ctx context.Context) {
	for {
		keepAlive, upgrade := c.serveRequest(ctx)
		if upgrade != nil {
			c.handOff(ctx, upgrade)
			return
		}
		if !keepAlive || c.rec.shuttingDown.Load() {
			return
		}
	}
}

// serveRequest handles one exchange and reports whether the connection can
// carry another one.
func (c *conn) serveRequest(ctx context.Context) (keepAlive bool, upgrade UpgradeHandler) {
	if !c.awaitRequest() {
		return false, nil
	}

	ev, err := c.parser.Next()
	if err != nil {
		c.onReadError(err)
		return false, nil
	}

	var raw *http.Request
	switch ev := ev.(type) {
	case http.EndOfStream:
		return false, nil
	case http.HeadersReady:
		raw = ev.Message.(*http.Request)
	default:
		c.logger.Error("unexpected event between requests", "event", ev)
		return false, nil
	}

	reqCtx, cancel := context.WithCancelCause(ctx)
	body := http.NewBodyStream(c.parser, c.opts.Serve.MaxRequestBodySize)
	req := &Request{
		ctx:    reqCtx,
		raw:    raw,
		remote: c.rec.RemoteAddr(),
		local:  c.rec.LocalAddr(),
		start:  c.clock.Now(),
		body:   body,
	}
	res := newResponse(c.bw, c.clock, raw, &c.rec.shuttingDown)
	if raw.Headers.IsWebSocketUpgrade() {
		// Unless the upgrade is accepted nothing can follow on this connection.
		res.closeConn = true
	}

	c.rec.current.Store(&inflight{req: req, res: res, cancel: cancel})
	c.stats.RequestStarted()

	defer func() {
		c.stats.RequestEnded(res.status.Code)
		c.rec.current.Store(nil)
		c.rec.completed.Add(1)
		cancel(nil)
		c.logger.Debug("request served",
			"method", raw.Method, "target", raw.Target, "status", res.status.Code,
			"bodyBytes", res.bodyWritten(), "keepAlive", keepAlive)
	}()

	err = c.validate(req, body)
	if err == nil {
		if c.expectsContinue(raw) {
			err = c.sendContinue()
		}
	}
	if err == nil {
		err = c.dispatch(req, res)
	}

	keepAlive = true
	if err != nil {
		closeConn, abandon := c.writeError(res, err)
		if abandon {
			return false, nil
		}
		keepAlive = !closeConn
	}

	if keepAlive {
		if clean, err := body.Discard(); !clean {
			c.logger.Debug("request body not drained", "error", err)
			keepAlive = false
			if c.answerUndrained(res, err) {
				return false, nil
			}
		}
	}

	if err := res.finish(); err != nil {
		c.logger.Error("response could not be completed", "error", err, "bodyBytes", res.bodyWritten())
		// The client sees the head and a truncated body before the close.
		c.bw.Flush()
		return false, nil
	}
	if err := c.bw.Flush(); err != nil {
		c.logger.Debug("flushing response", "error", err)
		return false, nil
	}

	if res.upgrade != nil && res.status.Code == status.SwitchingProtocols.Code {
		return false, res.upgrade
	}
	// The parser passes everything through once it saw an upgrade request.
	if c.parser.Upgraded() {
		return false, nil
	}
	return keepAlive && !res.willClose(), nil
}

// awaitRequest marks the connection as waiting when nothing of the next
// request was read yet. It reports false if a graceful shutdown started,
// which either sees the mark or is seen here.
func (c *conn) awaitRequest() bool {
	if !c.parser.Idle() || c.parser.HasBuffered() {
		return true
	}
	c.rec.waiting.Store(true)
	return !c.rec.shuttingDown.Load()
}

func (c *conn) onReadError(err error) {
	var perr *http.ParseError
	switch {
	case errors.As(err, &perr):
		c.stats.InvalidRequest()
		c.logger.Debug("invalid request", "error", err)
		c.sendSimple(perr.Status, perr.Status.String())
	case errors.Is(err, os.ErrDeadlineExceeded):
		if !c.parser.Idle() {
			c.sendSimple(status.RequestTimeout, status.RequestTimeout.String())
		}
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, http.ErrPrematureClose):
	default:
		c.logger.Debug("reading request", "error", err)
	}
}

// sendSimple answers outside of any exchange, then the connection closes.
func (c *conn) sendSimple(st status.Status, body string) {
	raw := &http.Request{MessageHead: http.MessageHead{Version: http.Version1_1}}
	res := newResponse(c.bw, c.clock, raw, &c.rec.shuttingDown)
	res.closeConn = true
	res.status = st
	if err := res.SendString(body); err != nil {
		return
	}
	c.bw.Flush()
}

// answerUndrained handles a request body that could not be read to its
// end. The connection closes after the response; a response not started
// yet becomes a 400 or 408. It reports whether to close right away.
func (c *conn) answerUndrained(res *Response, err error) (abandon bool) {
	res.closeConn = true
	if res.HasStartedSendingData() {
		return false
	}

	var perr *http.ParseError
	switch {
	case errors.As(err, &perr):
		c.stats.InvalidRequest()
	case errors.Is(err, os.ErrDeadlineExceeded):
	default:
		// The peer is gone or the stream broke.
		return true
	}
	_, abandon = c.writeError(res, err)
	return abandon
}

// validate rejects requests that must not reach a handler.
func (c *conn) validate(req *Request, body *http.BodyStream) error {
	if err := c.validateHead(req, body); err != nil {
		c.stats.InvalidRequest()
		c.logger.Debug("invalid request", "method", req.raw.Method, "target", req.raw.Target, "error", err)
		return err
	}

	for _, rl := range c.opts.RateLimiters {
		switch rl.Record(req) {
		case Send429:
			c.stats.RejectedDueToOverload()
			return status.NewError(nil, status.TooManyRequests)
		case CloseConnection:
			c.stats.RejectedDueToOverload()
			return errCloseSilently
		}
	}
	return nil
}

// validateHead returns errors without a cause so that the response body is
// the status line text.
func (c *conn) validateHead(req *Request, body *http.BodyStream) error {
	raw := req.raw

	if raw.Reject != nil {
		return closingError(status.NewError(nil, *raw.Reject))
	}
	if !http.IsKnownMethod(raw.Method) {
		return status.NewError(nil, status.MethodNotAllowed)
	}

	target, err := uri.ParseTarget(raw.Target)
	if err != nil {
		return status.NewError(nil, status.BadRequest)
	}
	req.target = target

	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3.2-6
	if raw.Version == http.Version1_1 && !raw.Headers.Has("host") {
		return status.NewError(nil, status.BadRequest)
	}

	max := c.opts.Serve.MaxRequestBodySize
	tooLarge := max > 0 && raw.BodySize.Type == http.BodyFixed && raw.BodySize.Size > max

	// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-10.1.1
	if expect, ok := raw.Headers.Get("expect"); ok {
		if !strings.EqualFold(expect, "100-continue") || tooLarge {
			return closingError(status.NewError(nil, status.ExpectationFailed))
		}
	}

	if tooLarge {
		body.MarkTooLarge()
		return status.NewError(nil, status.ContentTooLarge)
	}
	return nil
}

func (c *conn) expectsContinue(raw *http.Request) bool {
	expect, ok := raw.Headers.Get("expect")
	return ok && strings.EqualFold(expect, "100-continue") && raw.BodySize.HasBody() && raw.Version == http.Version1_1
}

func (c *conn) sendContinue() error {
	if _, err := c.bw.Write(continueResponse); err != nil {
		return errors.Wrap(err, "writing 100 continue")
	}
	return errors.Wrap(c.bw.Flush(), "flushing 100 continue")
}

// dispatch runs the handler chain and waits for an async response.
func (c *conn) dispatch(req *Request, res *Response) error {
	handled, err := c.runHandlers(req, res)
	if err != nil {
		return err
	}
	if !handled {
		return status.NewError(nil, status.NotFound)
	}

	h := res.async.Load()
	if h == nil {
		return nil
	}

	var timeout <-chan time.Time
	if t := c.opts.Timeout.AsyncTimeout; t > 0 {
		timer := c.clock.Timer(t)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-h.Done():
		return h.Err()
	case <-timeout:
		if h.Complete(ErrAsyncTimeout) {
			return ErrAsyncTimeout
		}
		return h.Err()
	}
}

func (c *conn) runHandlers(req *Request, res *Response) (handled bool, err error) {
	defer func() {
		if e := recover(); e != nil {
			handled, err = true, errors.Errorf("handler panicked: %v", e)
		}
	}()

	for _, h := range c.handlers {
		ok, herr := h.Handle(req, res)
		if ok || herr != nil {
			return true, herr
		}
	}
	return false, nil
}

// writeError turns err into an error response when nothing was sent yet.
// It reports whether the connection has to close after the response, or
// right away without completing it.
func (c *conn) writeError(res *Response, err error) (closeConn, abandon bool) {
	switch {
	case errors.Is(err, errCloseSilently),
		errors.Is(err, ErrConnTimedOut),
		errors.Is(err, ErrConnAborted),
		errors.Is(err, ErrAsyncTimeout),
		c.rec.closed.Load():
		c.logger.Debug("closing connection", "reason", err)
		return true, true
	case res.HasStartedSendingData():
		c.logger.Info("error after the response was started", "error", err)
		return true, true
	}

	var (
		st   status.Status
		msg  string
		perr *http.ParseError
		serr status.Error
		cerr closing
	)
	closeConn = errors.As(err, &cerr)

	res.reset()
	switch {
	case errors.As(err, &perr):
		st, msg = perr.Status, perr.Status.String()
		closeConn = true
	case errors.As(err, &serr):
		st, msg = serr.Status, serr.Status.String()
		if cause := serr.Cause(); cause != nil {
			msg = cause.Error()
		}
		for _, h := range serr.Headers {
			res.headers.Add(h[0], h[1])
		}
	case errors.Is(err, os.ErrDeadlineExceeded):
		st, msg = status.RequestTimeout, status.RequestTimeout.String()
		closeConn = true
	default:
		errorID := "ERR-" + uuid.NewString()
		c.logger.Error("unhandled error", "errorID", errorID, "error", err)
		st = status.InternalServerError
		msg = "Oops! An unexpected error occurred. The ErrorID=" + errorID
	}

	if !st.CanHaveContent() {
		msg = ""
	}
	res.status = st
	res.closeConn = res.closeConn || closeConn
	if err := res.SendString(msg); err != nil {
		c.logger.Debug("writing error response", "error", err)
		return true, true
	}
	return closeConn, false
}

// handOff gives the connection to the upgrade handler, together with any
// bytes the parser read past the upgrade request.
func (c *conn) handOff(ctx context.Context, h UpgradeHandler) {
	c.rec.upgraded.Store(true)

	uc := &upgradedConn{
		Conn: c.rec,
		r:    io.MultiReader(bytes.NewReader(c.parser.Buffered()), c.rec),
	}
	if err := serveUpgrade(ctx, uc, h); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Info("upgrade handler failed", "error", err)
	}
}

// closing marks errors after which the connection cannot be reused.
type closing struct{ error }

func (e closing) Unwrap() error { return e.error }

func closingError(err error) error { return closing{err} }
