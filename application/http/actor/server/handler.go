package server

import (
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrIllegalState = errors.New("server is not in a state that allows this")
	ErrStopTimeout  = errors.New("server did not stop in time")
	// ErrConnTimedOut is the cause given to in-flight requests on connections
	// closed for being idle.
	ErrConnTimedOut = errors.New("connection idle timeout exceeded")
	// ErrConnAborted is the cause given to in-flight requests on connections
	// closed because the shutdown grace period ran out.
	ErrConnAborted   = errors.New("connection aborted")
	ErrAsyncTimeout  = errors.New("async handler did not complete in time")
	ErrBodyClaimed   = errors.New("request body was already claimed")
	ErrResponseSent  = errors.New("response was already sent")
	ErrInvalidStatus = errors.New("status code is not between 100 and 599")
)

// Handler serves a request. Returning false passes the request on to the
// next handler. A returned error is turned into an error response unless
// part of the response was already sent, in which case the connection is
// closed.
type Handler interface {
	Handle(req *Request, res *Response) (bool, error)
}

type HandlerFunc func(req *Request, res *Response) (bool, error)

func (f HandlerFunc) Handle(req *Request, res *Response) (bool, error) { return f(req, res) }

// RejectionAction is what a [RateLimiter] wants done with a request.
type RejectionAction uint8

const (
	NoRejection RejectionAction = iota
	// Send429 answers with 429 Too Many Requests.
	Send429
	// CloseConnection closes the connection without a response.
	CloseConnection
)

func (a RejectionAction) String() string {
	switch a {
	case NoRejection:
		return "none"
	case Send429:
		return "send-429"
	case CloseConnection:
		return "close-connection"
	}
	return "unknown"
}

// RateLimiter is consulted for every request before it reaches a handler.
// It must be safe for concurrent use.
type RateLimiter interface {
	Record(req *Request) RejectionAction
}

type RateLimiterFunc func(req *Request) RejectionAction

func (f RateLimiterFunc) Record(req *Request) RejectionAction { return f(req) }

// AsyncHandle lets a handler finish a response from another goroutine.
// The connection waits for Complete before it moves on to the next request.
type AsyncHandle struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newAsyncHandle() *AsyncHandle {
	return &AsyncHandle{done: make(chan struct{})}
}

// Complete ends the async response. A non-nil err is handled as if the
// handler had returned it. Only the first call has an effect; it reports
// whether this call was the one.
func (h *AsyncHandle) Complete(err error) bool {
	completed := false
	h.once.Do(func() {
		h.err = err
		close(h.done)
		completed = true
	})
	return completed
}

func (h *AsyncHandle) Done() <-chan struct{} { return h.done }

// Err is the error Complete was called with. It is only meaningful after Done
// is closed.
func (h *AsyncHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}
