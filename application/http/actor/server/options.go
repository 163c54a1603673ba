package server

import (
	"crypto/tls"
	"time"

	"github.com/3redronin/mu-server/application/http"
	"github.com/3redronin/mu-server/application/http/stats"
)

type Options struct {
	Serve   ServeOptions
	Timeout TimeoutOptions

	// Workers bounds the connections served at once. Connections beyond it
	// are answered with 503 and closed.
	Workers int64

	// RateLimiters are consulted in order before a request reaches a handler.
	RateLimiters []RateLimiter

	// TLS enables HTTPS when non-nil.
	TLS *tls.Config

	Stats stats.Recorder
}

type ServeOptions struct {
	Parse http.ParseOptions

	// MaxRequestBodySize bounds request bodies. Larger ones are answered
	// with 413.
	MaxRequestBodySize int64
}

type TimeoutOptions struct {
	// ReadTimeout bounds each read while a request is being received.
	ReadTimeout time.Duration
	// IdleTimeout aborts connections without any I/O for this long.
	// Zero disables the reaper.
	IdleTimeout time.Duration
	// WriteTimeout bounds each write. Zero means no limit.
	WriteTimeout time.Duration

	ShutdownGracePeriod time.Duration
	// OverloadReadTimeout bounds how long the accept loop spends on a
	// connection it refuses with 503.
	OverloadReadTimeout time.Duration
	// AsyncTimeout bounds the wait for an async handler. Zero means no limit.
	AsyncTimeout time.Duration

	ReaperInterval time.Duration
}

const (
	overloadDrainBytes = 10 * 1024
	writeBufferSize    = 8192
)

func DefaultOptions() Options {
	return Options{
		Serve: ServeOptions{
			Parse:              http.DefaultParseOptions,
			MaxRequestBodySize: 24 * 1024 * 1024,
		},
		Timeout: TimeoutOptions{
			ReadTimeout:         2 * time.Minute,
			IdleTimeout:         10 * time.Minute,
			ShutdownGracePeriod: 20 * time.Second,
			OverloadReadTimeout: 2 * time.Second,
			ReaperInterval:      200 * time.Millisecond,
		},
		Workers: 1000,
		Stats:   stats.Nop{},
	}
}

// withDefaults fills the zero values that would make the server unusable.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.Stats == nil {
		o.Stats = d.Stats
	}
	if o.Timeout.ReaperInterval <= 0 {
		o.Timeout.ReaperInterval = d.Timeout.ReaperInterval
	}
	if o.Timeout.OverloadReadTimeout <= 0 {
		o.Timeout.OverloadReadTimeout = d.Timeout.OverloadReadTimeout
	}
	return o
}
