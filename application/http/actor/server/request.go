package server

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/3redronin/mu-server/application/http"
	"github.com/3redronin/mu-server/application/util/uri"
	"github.com/pkg/errors"
)

// Request is the view of an incoming request given to handlers.
type Request struct {
	ctx    context.Context
	raw    *http.Request
	target uri.Target

	remote, local net.Addr
	start         time.Time

	body    *http.BodyStream
	claimed atomic.Bool
}

// Context is canceled when the exchange ends. After an abort its cause is
// [ErrConnTimedOut] or [ErrConnAborted].
func (r *Request) Context() context.Context { return r.ctx }

func (r *Request) Method() string { return r.raw.Method }

// URI is the parsed target with a normalized path.
func (r *Request) URI() uri.Target { return r.target }

// RawTarget is the request target as received.
func (r *Request) RawTarget() string     { return r.raw.Target }
func (r *Request) Version() http.Version { return r.raw.Version }
func (r *Request) Headers() *http.Headers {
	return &r.raw.Headers
}

// BodySize is the framing the client declared.
func (r *Request) BodySize() http.BodySize { return r.raw.BodySize }

func (r *Request) RemoteAddr() net.Addr { return r.remote }
func (r *Request) LocalAddr() net.Addr  { return r.local }
func (r *Request) StartTime() time.Time { return r.start }

// Body returns the request body. It can be claimed once; reading past the
// maximum body size fails with a 413 error.
func (r *Request) Body() (io.Reader, error) {
	if !r.claimed.CompareAndSwap(false, true) {
		return nil, ErrBodyClaimed
	}
	return r.body, nil
}

func (r *Request) ReadBodyAsString() (string, error) {
	body, err := r.Body()
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return "", errors.Wrap(err, "reading request body")
	}
	return string(b), nil
}

// Trailers are the trailer fields of a chunked body. They are empty until
// the body has been read to its end.
func (r *Request) Trailers() *http.Headers { return &r.raw.Trailers }
