// Package ratelimit limits the request rate of each client with a token
// bucket.
package ratelimit

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/3redronin/mu-server/application/http/actor/server"
	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

type Options struct {
	// RequestsPerSecond is the sustained rate allowed per key.
	RequestsPerSecond float64
	// Burst is the number of requests allowed at once.
	Burst int
	// Action is taken for requests over the limit.
	Action server.RejectionAction
	// MaxAge drops the bucket of a key not seen for this long.
	MaxAge time.Duration
	// KeyFunc picks the bucket of a request. The remote host by default.
	KeyFunc func(req *server.Request) string
}

func DefaultOptions() Options {
	return Options{
		RequestsPerSecond: 100,
		Burst:             20,
		Action:            server.Send429,
		MaxAge:            5 * time.Minute,
		KeyFunc:           RemoteHost,
	}
}

// RemoteHost keys requests by the host part of the remote address.
func RemoteHost(req *server.Request) string {
	addr := req.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// Limiter keeps a token bucket per key.
type Limiter struct {
	clock   clock.Clock
	opts    Options
	buckets *xsync.MapOf[string, *bucket]
}

var _ server.RateLimiter = (*Limiter)(nil)

func New(clock clock.Clock, opts Options) *Limiter {
	d := DefaultOptions()
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = d.RequestsPerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = d.Burst
	}
	if opts.Action == server.NoRejection {
		opts.Action = d.Action
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = d.MaxAge
	}
	if opts.KeyFunc == nil {
		opts.KeyFunc = d.KeyFunc
	}

	return &Limiter{
		clock:   clock,
		opts:    opts,
		buckets: xsync.NewMapOf[string, *bucket](),
	}
}

func (l *Limiter) Record(req *server.Request) server.RejectionAction {
	if l.Allow(l.opts.KeyFunc(req)) {
		return server.NoRejection
	}
	return l.opts.Action
}

// Allow takes a token from the bucket of key.
func (l *Limiter) Allow(key string) bool {
	now := l.clock.Now()
	b, _ := l.buckets.LoadOrCompute(key, func() *bucket {
		return &bucket{limiter: rate.NewLimiter(rate.Limit(l.opts.RequestsPerSecond), l.opts.Burst)}
	})
	b.lastSeen.Store(now.UnixNano())
	return b.limiter.AllowN(now, 1)
}

// Keys returns the number of buckets kept.
func (l *Limiter) Keys() int { return l.buckets.Size() }

// Sweep drops buckets unused for longer than MaxAge and returns how many.
func (l *Limiter) Sweep() int {
	cutoff := l.clock.Now().Add(-l.opts.MaxAge).UnixNano()
	removed := 0
	l.buckets.Range(func(key string, b *bucket) bool {
		if b.lastSeen.Load() < cutoff {
			l.buckets.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// Run sweeps every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := l.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
