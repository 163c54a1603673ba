package server

import (
	"cmp"
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	iolib "github.com/3redronin/mu-server/lib/io"
	"github.com/3redronin/mu-server/transport"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"
)

type State int32

const (
	StateNotStarted State = iota
	StateStarted
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// overloadResponse is sent as is to connections refused for lack of workers.
var overloadResponse = []byte("HTTP/1.1 503 Service Unavailable\r\n" +
	"connection: close\r\n" +
	"content-type: text/plain;charset=utf-8\r\n" +
	"content-length: 23\r\n" +
	"\r\n" +
	"503 Service Unavailable")

type Server struct {
	l transport.ConnListener

	logger   *slog.Logger
	clock    clock.Clock
	handlers []Handler
	opts     Options
	tls      *tls.Config

	workers *semaphore.Weighted
	conns   *xsync.MapOf[uint64, *connRecord]
	nextID  atomic.Uint64
	state   atomic.Int32

	mu           sync.Mutex
	cancelAccept context.CancelFunc
	acceptDone   chan struct{}
	sessions     sync.WaitGroup
}

func New(
	l transport.ConnListener,
	logger *slog.Logger,
	clock clock.Clock,
	handlers []Handler,
	opts Options,
) *Server {
	opts = opts.withDefaults()

	s := &Server{
		l:        l,
		logger:   logger,
		clock:    clock,
		handlers: handlers,
		opts:     opts,
		workers:  semaphore.NewWeighted(opts.Workers),
		conns:    xsync.NewMapOf[uint64, *connRecord](xsync.WithPresize(int(min(opts.Workers, 1024)))),
	}
	if opts.TLS != nil {
		s.tls = opts.TLS.Clone()
		s.tls.NextProtos = []string{"http/1.1"}
	}

	return s
}

func (s *Server) Addr() net.Addr { return s.l.Addr() }
func (s *Server) State() State   { return State(s.state.Load()) }

// Start begins accepting connections. A stopped server can be started again
// on the same listener.
func (s *Server) Start() error {
	if !s.state.CompareAndSwap(int32(StateNotStarted), int32(StateStarted)) &&
		!s.state.CompareAndSwap(int32(StateStopped), int32(StateStarted)) {
		return errors.Wrapf(ErrIllegalState, "starting a %s server", s.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cancelAccept = cancel
	s.acceptDone = done
	s.mu.Unlock()

	go s.run(ctx, done)

	s.logger.Info("server started", "addr", s.l.Addr())
	return nil
}

// Stop stops accepting, lets in-flight requests finish within the shutdown
// grace period and then aborts the remaining connections. It returns
// [ErrStopTimeout] if that has not happened within timeout; the server
// then keeps stopping in the background.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.state.CompareAndSwap(int32(StateStarted), int32(StateStopping)) {
		return errors.Wrapf(ErrIllegalState, "stopping a %s server", s.State())
	}
	s.logger.Info("stopping server", "addr", s.l.Addr())

	s.mu.Lock()
	cancel, done := s.cancelAccept, s.acceptDone
	s.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-s.clock.After(timeout):
		return ErrStopTimeout
	}
}

// Close stops the server and closes its listener.
func (s *Server) Close(timeout time.Duration) error {
	err := s.Stop(timeout)
	if errors.Is(err, ErrIllegalState) {
		err = nil
	}
	if cerr := s.l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
		err = errors.Wrap(cerr, "closing listener")
	}
	return err
}

// Connections returns the live connections ordered by accept time.
func (s *Server) Connections() []ConnInfo {
	infos := make([]ConnInfo, 0, s.conns.Size())
	s.conns.Range(func(_ uint64, rec *connRecord) bool {
		infos = append(infos, rec.info())
		return true
	})
	slices.SortFunc(infos, func(a, b ConnInfo) int { return cmp.Compare(a.ID, b.ID) })
	return infos
}

func (s *Server) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Sessions outlive the accept context so they can finish gracefully.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	reaperDone := make(chan struct{})
	if s.opts.Timeout.IdleTimeout > 0 {
		go s.reap(reaperCtx, reaperDone)
	} else {
		close(reaperDone)
	}

	s.acceptLoop(ctx, connCtx)
	s.drain()

	stopReaper()
	<-reaperDone

	s.state.Store(int32(StateStopped))
	s.logger.Info("server stopped", "addr", s.l.Addr())
}

func (s *Server) acceptLoop(ctx, connCtx context.Context) {
	for {
		c, err := s.l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("unexpected error when accepting connection", "error", err)
			continue
		}

		if !s.workers.TryAcquire(1) {
			s.rejectOverloaded(c)
			continue
		}

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			defer s.workers.Release(1)
			s.serveConn(connCtx, c)
		}()
	}
}

// rejectOverloaded runs on the accept goroutine, bounded by the overload
// read timeout. Some of the request is read before closing so the client
// sees the response rather than a reset.
func (s *Server) rejectOverloaded(c net.Conn) {
	defer c.Close()

	s.opts.Stats.RejectedDueToOverload()
	s.logger.Warn("no worker available, rejecting connection", "remote", c.RemoteAddr())

	if err := c.SetDeadline(s.clock.Now().Add(s.opts.Timeout.OverloadReadTimeout)); err != nil {
		return
	}
	if s.tls != nil {
		tc := tls.Server(c, s.tls)
		if err := tc.Handshake(); err != nil {
			s.opts.Stats.FailedToConnect()
			return
		}
		c = tc
	}

	if _, err := iolib.WriteFull(c, overloadResponse); err != nil {
		s.logger.Debug("writing overload response", "error", err)
		return
	}
	drained, capped, err := iolib.Drain(c, overloadDrainBytes)
	s.logger.Debug("drained rejected connection", "remote", c.RemoteAddr(), "bytes", drained, "capped", capped, "error", err)
}

func (s *Server) serveConn(ctx context.Context, c net.Conn) {
	logger := s.logger.With("remote", c.RemoteAddr())
	start := s.clock.Now()

	var tlsState *tls.ConnectionState
	if s.tls != nil {
		tc, err := s.handshake(ctx, c)
		if err != nil {
			s.opts.Stats.FailedToConnect()
			logger.Error("tls handshake failed", "error", err)
			c.Close()
			return
		}
		state := tc.ConnectionState()
		tlsState = &state
		c = tc
	}

	rec := newConnRecord(s.nextID.Add(1), c, s.clock, s.opts.Timeout, start, tlsState)
	s.conns.Store(rec.id, rec)
	s.opts.Stats.ConnectionOpened()
	logger.Debug("connection opened")

	defer func() {
		rec.Close()
		s.conns.Delete(rec.id)
		s.opts.Stats.ConnectionClosed()
		logger.Debug("connection closed", "requests", rec.completed.Load())
	}()

	// Stop may have swept the live connections before this one was stored.
	if s.State() >= StateStopping {
		rec.initiateGracefulShutdown()
	}

	newConn(rec, logger, s.clock, s.handlers, s.opts).serve(ctx)
}

func (s *Server) handshake(ctx context.Context, c net.Conn) (*tls.Conn, error) {
	if t := s.opts.Timeout.ReadTimeout; t > 0 {
		c.SetDeadline(s.clock.Now().Add(t))
		defer c.SetDeadline(time.Time{})
	}

	tc := tls.Server(c, s.tls)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, errors.Wrap(err, "handshake")
	}
	return tc, nil
}

func (s *Server) reap(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := s.clock.Ticker(s.opts.Timeout.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapIdle(s.clock.Now())
		}
	}
}

func (s *Server) reapIdle(now time.Time) {
	cutoff := now.Add(-s.opts.Timeout.IdleTimeout)
	s.conns.Range(func(_ uint64, rec *connRecord) bool {
		if rec.lastIOTime().Before(cutoff) {
			s.logger.Info("closing idle connection", "remote", rec.RemoteAddr(), "lastIO", rec.lastIOTime())
			rec.abort(ErrConnTimedOut)
		}
		return true
	})
}

// drain asks every connection to close once its in-flight request is done
// and aborts those still open when the grace period ends.
func (s *Server) drain() {
	s.conns.Range(func(_ uint64, rec *connRecord) bool {
		rec.initiateGracefulShutdown()
		return true
	})

	idle := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		return
	case <-s.clock.After(s.opts.Timeout.ShutdownGracePeriod):
	}

	s.logger.Warn("shutdown grace period elapsed, aborting connections", "remaining", s.conns.Size())
	s.conns.Range(func(_ uint64, rec *connRecord) bool {
		rec.abort(ErrConnAborted)
		return true
	})
	<-idle
}
