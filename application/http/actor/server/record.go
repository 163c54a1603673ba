package server

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// inflight is the request a connection is currently serving.
type inflight struct {
	req    *Request
	res    *Response
	cancel context.CancelCauseFunc
}

// connRecord wraps an accepted connection. Only the session goroutine reads
// and writes through it; the reaper and shutdown paths use the atomic
// fields and abort.
type connRecord struct {
	net.Conn

	id       uint64
	clock    clock.Clock
	timeouts TimeoutOptions
	start    time.Time
	tls      *tls.ConnectionState

	lastIO       atomic.Int64 // unix nanos
	completed    atomic.Int64
	current      atomic.Pointer[inflight]
	closed       atomic.Bool
	shuttingDown atomic.Bool
	upgraded     atomic.Bool
	// waiting is set while the session waits for a request none of
	// whose bytes arrived yet.
	waiting atomic.Bool

	closeOnce sync.Once
}

func newConnRecord(id uint64, c net.Conn, clock clock.Clock, timeouts TimeoutOptions, start time.Time, tlsState *tls.ConnectionState) *connRecord {
	rec := &connRecord{
		Conn:     c,
		id:       id,
		clock:    clock,
		timeouts: timeouts,
		start:    start,
		tls:      tlsState,
	}
	rec.touch()
	return rec
}

func (r *connRecord) touch() { r.lastIO.Store(r.clock.Now().UnixNano()) }

func (r *connRecord) lastIOTime() time.Time { return time.Unix(0, r.lastIO.Load()) }

// Read applies the read timeout before every read, except after a protocol
// upgrade where the new protocol manages its own deadlines.
func (r *connRecord) Read(p []byte) (int, error) {
	if t := r.timeouts.ReadTimeout; t > 0 && !r.upgraded.Load() {
		if err := r.Conn.SetReadDeadline(r.clock.Now().Add(t)); err != nil {
			return 0, err
		}
	}
	n, err := r.Conn.Read(p)
	if n > 0 {
		r.waiting.Store(false)
		r.touch()
	}
	return n, err
}

func (r *connRecord) Write(p []byte) (int, error) {
	if t := r.timeouts.WriteTimeout; t > 0 && !r.upgraded.Load() {
		if err := r.Conn.SetWriteDeadline(r.clock.Now().Add(t)); err != nil {
			return 0, err
		}
	}
	n, err := r.Conn.Write(p)
	if n > 0 {
		r.touch()
	}
	return n, err
}

func (r *connRecord) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		err = r.Conn.Close()
	})
	return err
}

// abort closes the connection from outside the session. cause is passed to
// the in-flight request so async handlers can tell a timeout from an abort.
func (r *connRecord) abort(cause error) {
	if in := r.current.Load(); in != nil {
		in.cancel(cause)
		if h := in.res.async.Load(); h != nil {
			h.Complete(cause)
		}
	}
	r.Close()
}

// initiateGracefulShutdown lets an in-flight request finish, including one
// whose head is still arriving, and closes the connection right away when
// the session waits for a new request.
func (r *connRecord) initiateGracefulShutdown() {
	r.shuttingDown.Store(true)
	if r.waiting.Load() {
		r.Close()
	}
}

// ConnInfo is a snapshot of a live connection.
type ConnInfo struct {
	ID                uint64
	RemoteAddr        net.Addr
	LocalAddr         net.Addr
	StartTime         time.Time
	TLS               *tls.ConnectionState
	CompletedRequests int64
	LastIO            time.Time
	// Draining is set once the connection is asked to close after its
	// in-flight request.
	Draining bool
	// Current is the request being served, nil between requests.
	Current *Request
}

func (r *connRecord) info() ConnInfo {
	info := ConnInfo{
		ID:                r.id,
		RemoteAddr:        r.RemoteAddr(),
		LocalAddr:         r.LocalAddr(),
		StartTime:         r.start,
		TLS:               r.tls,
		CompletedRequests: r.completed.Load(),
		LastIO:            r.lastIOTime(),
		Draining:          r.shuttingDown.Load(),
	}
	if in := r.current.Load(); in != nil {
		info.Current = in.req
	}
	return info
}
