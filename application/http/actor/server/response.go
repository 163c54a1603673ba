package server

import (
	"bufio"
	"io"
	"strconv"
	"sync/atomic"

	"github.com/3redronin/mu-server/application/http"
	"github.com/3redronin/mu-server/application/http/status"
	"github.com/3redronin/mu-server/application/http/transfer"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Format of the date header.
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.7
const dateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

const textPlain = "text/plain;charset=utf-8"

type responseState uint8

const (
	responseNothingSent responseState = iota
	responseStreaming
	responseFullSent
	responseFinished
)

// Response is written by handlers. Nothing reaches the connection until a
// body is sent or the handler returns.
type Response struct {
	bw      *bufio.Writer
	clock   clock.Clock
	method  string
	version http.Version

	status  status.Status
	headers http.Headers
	state   responseState
	writer  io.WriteCloser

	// closeConn is set by the connection when it will close after this
	// exchange; shuttingDown is read when the head is written.
	closeConn    bool
	closeAfter   bool
	shuttingDown *atomic.Bool

	async   atomic.Pointer[AsyncHandle]
	upgrade UpgradeHandler
}

func newResponse(bw *bufio.Writer, clock clock.Clock, req *http.Request, shuttingDown *atomic.Bool) *Response {
	return &Response{
		bw:           bw,
		clock:        clock,
		method:       req.Method,
		version:      req.Version,
		status:       status.OK,
		headers:      http.NewHeaders(),
		closeConn:    req.Headers.WantsClose(req.Version),
		shuttingDown: shuttingDown,
	}
}

// SetStatus fails once the head has been sent. Codes missing from the
// status table are sent with an empty reason phrase.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-15
func (r *Response) SetStatus(code int) error {
	if r.state != responseNothingSent {
		return ErrResponseSent
	}
	if code < 100 || code > 599 {
		return errors.Wrapf(ErrInvalidStatus, "got %d", code)
	}
	r.status, _ = status.FromCode(code)
	return nil
}

func (r *Response) Status() status.Status { return r.status }

// Headers are sent with the head. Changes after that have no effect.
func (r *Response) Headers() *http.Headers { return &r.headers }

func (r *Response) SetContentType(value string) { r.headers.Set("content-type", value) }

// HasStartedSendingData reports whether the head was written, after which
// an error can no longer be turned into an error response.
func (r *Response) HasStartedSendingData() bool { return r.state != responseNothingSent }

// Send writes body as the whole response body with a matching
// content-length.
func (r *Response) Send(body []byte) error {
	if r.state != responseNothingSent {
		return ErrResponseSent
	}
	if r.status.CanHaveContent() {
		r.headers.Set("content-length", strconv.Itoa(len(body)))
	}

	w, err := r.BodyWriter()
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return errors.Wrap(err, "writing response body")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "closing response body")
	}
	r.state = responseFullSent
	return nil
}

// SendString sends s as a plain text body unless a content-type was set.
func (r *Response) SendString(s string) error {
	if !r.headers.Has("content-type") {
		r.SetContentType(textPlain)
	}
	return r.Send([]byte(s))
}

// SendChunk writes s to the body and flushes it to the client.
func (r *Response) SendChunk(s string) error {
	w, err := r.BodyWriter()
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return errors.Wrap(err, "writing response chunk")
	}
	return r.Flush()
}

// BodyWriter sends the head and returns the writer for a streamed body.
// A content-length header set before the call selects fixed length framing,
// otherwise the body is chunked. Closing the writer ends the body; the
// connection closes it if the handler does not.
func (r *Response) BodyWriter() (io.WriteCloser, error) {
	switch r.state {
	case responseStreaming:
		return r.writer, nil
	case responseNothingSent:
	default:
		return nil, ErrResponseSent
	}

	var w io.WriteCloser
	switch {
	case r.method == http.MethodHead || !r.status.CanHaveContent():
		w = &transfer.DiscardWriter{}
	case r.headers.Has("content-length"):
		v, _ := r.headers.Get("content-length")
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return nil, errors.Errorf("invalid content-length %q on response", v)
		}
		w = transfer.NewFixedLengthWriter(r.bw, n)
	case r.version == http.Version1_0:
		r.closeAfter = true
		w = transfer.NewUntilCloseWriter(r.bw)
	default:
		r.headers.Set("transfer-encoding", "chunked")
		w = transfer.NewChunkedWriter(r.bw)
	}

	if err := r.writeHead(); err != nil {
		return nil, err
	}
	r.writer = w
	r.state = responseStreaming
	return w, nil
}

// Flush sends the head if needed and everything buffered so far.
func (r *Response) Flush() error {
	if r.state == responseNothingSent {
		if _, err := r.BodyWriter(); err != nil {
			return err
		}
	}
	return errors.Wrap(r.bw.Flush(), "flushing response")
}

// Redirect returns an error that is answered with a redirect to location.
// The handler should return it. A redirect status set before is kept,
// otherwise 302 is used.
func (r *Response) Redirect(location string) error {
	st := status.Found
	if r.status.Code >= 300 && r.status.Code < 400 {
		st = r.status
	}
	return status.NewError(nil, st).WithHeader("location", location)
}

// StartAsync detaches the response from the handler's return. The
// connection waits until the handle is completed.
func (r *Response) StartAsync() *AsyncHandle {
	h := newAsyncHandle()
	if !r.async.CompareAndSwap(nil, h) {
		return r.async.Load()
	}
	return h
}

// bodyWritten returns the body bytes handed to the writer so far.
func (r *Response) bodyWritten() int64 {
	if w, ok := r.writer.(interface{ Written() int64 }); ok {
		return w.Written()
	}
	return 0
}

func (r *Response) willClose() bool {
	return r.closeConn || r.closeAfter || r.shuttingDown.Load() ||
		r.headers.ContainsToken("connection", "close")
}

func (r *Response) writeHead() error {
	if !r.headers.Has("date") {
		r.headers.Set("date", r.clock.Now().UTC().Format(dateFormat))
	}

	if r.status.Code != status.SwitchingProtocols.Code {
		switch {
		case r.willClose():
			if !r.headers.ContainsToken("connection", "close") {
				r.headers.Set("connection", "close")
			}
		case r.version == http.Version1_0:
			r.headers.Set("connection", "keep-alive")
		}
	}

	// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-6.2
	if err := http.NewResponseEncoder(r.bw).EncodeHead(http.Version1_1, r.status, &r.headers); err != nil {
		return errors.Wrap(err, "writing response head")
	}
	return nil
}

// finish completes the response after the handler is done. A response
// nothing was written to is sent empty, as 204 if its status was left at 200.
func (r *Response) finish() error {
	switch r.state {
	case responseNothingSent:
		if r.status == status.OK && !r.headers.Has("content-length") {
			r.status = status.NoContent
		}
		if r.status.CanHaveContent() && !r.headers.Has("content-length") {
			r.headers.Set("content-length", "0")
		}
		w, err := r.BodyWriter()
		if err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return errors.Wrap(err, "closing response body")
		}
	case responseStreaming:
		if err := r.writer.Close(); err != nil {
			return errors.Wrap(err, "closing response body")
		}
	}
	r.state = responseFinished
	return nil
}

// reset drops what a handler set so an error response can be sent instead.
func (r *Response) reset() {
	r.status = status.OK
	r.headers = http.NewHeaders()
	r.upgrade = nil
}
