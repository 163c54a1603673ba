// Package config reads the JSON configuration file of the server.
//
// Durations are strings such as "30s" or "2m". Fields left out keep the
// defaults of [server.DefaultOptions]; unknown fields are an error.
package config

import (
	"crypto/tls"
	"io"
	"os"
	"time"

	"github.com/3redronin/mu-server/application/http/actor/server"
	"github.com/3redronin/mu-server/application/http/ratelimit"
	"github.com/3redronin/mu-server/transport/tcp"
	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

var ErrInvalid = errors.New("invalid configuration")

type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrapf(err, "duration %s should be a string", b)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrapf(err, "parsing duration %q", s)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

type Config struct {
	Listen    Listen     `json:"listen"`
	Metrics   Metrics    `json:"metrics"`
	Workers   int64      `json:"workers,omitempty"`
	Limits    Limits     `json:"limits"`
	Timeouts  Timeouts   `json:"timeouts"`
	TLS       *TLS       `json:"tls,omitempty"`
	RateLimit *RateLimit `json:"rateLimit,omitempty"`
}

type Listen struct {
	Address   string `json:"address"`
	ReuseAddr bool   `json:"reuseAddr"`
	ReusePort bool   `json:"reusePort"`
}

type Metrics struct {
	// Address serves /metrics when set.
	Address string `json:"address,omitempty"`
}

type Limits struct {
	MaxHeadersSize     int   `json:"maxHeadersSize,omitempty"`
	MaxURLSize         int   `json:"maxUrlSize,omitempty"`
	MaxRequestBodySize int64 `json:"maxRequestBodySize,omitempty"`
	AllowSoleLF        bool  `json:"allowSoleLF,omitempty"`
}

// Timeouts left nil keep their defaults. An explicit "0s" turns off those
// that allow it.
type Timeouts struct {
	Read          *Duration `json:"read,omitempty"`
	Idle          *Duration `json:"idle,omitempty"`
	Write         *Duration `json:"write,omitempty"`
	ShutdownGrace *Duration `json:"shutdownGrace,omitempty"`
	OverloadRead  *Duration `json:"overloadRead,omitempty"`
	Async         *Duration `json:"async,omitempty"`
}

type TLS struct {
	CertFile string `json:"certFile"`
	KeyFile  string `json:"keyFile"`
}

type RateLimit struct {
	RequestsPerSecond float64   `json:"requestsPerSecond"`
	Burst             int       `json:"burst"`
	Action            string    `json:"action,omitempty"`
	MaxAge            *Duration `json:"maxAge,omitempty"`
}

func Default() Config {
	return Config{
		Listen: Listen{Address: ":8080", ReuseAddr: true},
	}
}

func LoadFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "opening config")
	}
	defer f.Close()
	return Load(f)
}

func Load(r io.Reader) (Config, error) {
	cfg := Default()

	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "decoding config")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Listen.Address == "":
		return errors.Wrap(ErrInvalid, "listen address is empty")
	case c.Workers < 0:
		return errors.Wrapf(ErrInvalid, "workers should be positive, got %d", c.Workers)
	case c.Limits.MaxHeadersSize < 0, c.Limits.MaxURLSize < 0, c.Limits.MaxRequestBodySize < 0:
		return errors.Wrap(ErrInvalid, "limits should not be negative")
	}

	if c.TLS != nil && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.Wrap(ErrInvalid, "tls needs both certFile and keyFile")
	}
	if c.RateLimit != nil {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return errors.Wrap(ErrInvalid, "rateLimit.requestsPerSecond should be positive")
		}
		if _, err := c.RateLimit.action(); err != nil {
			return err
		}
	}
	return nil
}

func (r RateLimit) action() (server.RejectionAction, error) {
	switch r.Action {
	case "", server.Send429.String():
		return server.Send429, nil
	case server.CloseConnection.String():
		return server.CloseConnection, nil
	}
	return server.NoRejection, errors.Wrapf(ErrInvalid, "unknown rateLimit.action %q", r.Action)
}

func (c Config) ListenOptions() tcp.ListenOptions {
	return tcp.ListenOptions{ReuseAddr: c.Listen.ReuseAddr, ReusePort: c.Listen.ReusePort}
}

// ServerOptions builds the server options. The rate limiter is returned as
// well, nil when none is configured, so that its buckets can be swept.
func (c Config) ServerOptions(clock clock.Clock) (server.Options, *ratelimit.Limiter, error) {
	opts := server.DefaultOptions()

	if c.Workers > 0 {
		opts.Workers = c.Workers
	}
	if c.Limits.MaxHeadersSize > 0 {
		opts.Serve.Parse.MaxHeadersSize = c.Limits.MaxHeadersSize
	}
	if c.Limits.MaxURLSize > 0 {
		opts.Serve.Parse.MaxURLSize = c.Limits.MaxURLSize
	}
	if c.Limits.MaxRequestBodySize > 0 {
		opts.Serve.MaxRequestBodySize = c.Limits.MaxRequestBodySize
	}
	opts.Serve.Parse.AllowSoleLF = c.Limits.AllowSoleLF

	set := func(dst *time.Duration, d *Duration) {
		if d != nil {
			*dst = time.Duration(*d)
		}
	}
	set(&opts.Timeout.ReadTimeout, c.Timeouts.Read)
	set(&opts.Timeout.IdleTimeout, c.Timeouts.Idle)
	set(&opts.Timeout.WriteTimeout, c.Timeouts.Write)
	set(&opts.Timeout.ShutdownGracePeriod, c.Timeouts.ShutdownGrace)
	set(&opts.Timeout.OverloadReadTimeout, c.Timeouts.OverloadRead)
	set(&opts.Timeout.AsyncTimeout, c.Timeouts.Async)

	if c.TLS != nil {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return server.Options{}, nil, errors.Wrap(err, "loading tls key pair")
		}
		opts.TLS = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	var limiter *ratelimit.Limiter
	if c.RateLimit != nil {
		action, err := c.RateLimit.action()
		if err != nil {
			return server.Options{}, nil, err
		}
		rlOpts := ratelimit.Options{
			RequestsPerSecond: c.RateLimit.RequestsPerSecond,
			Burst:             c.RateLimit.Burst,
			Action:            action,
		}
		if c.RateLimit.MaxAge != nil {
			rlOpts.MaxAge = time.Duration(*c.RateLimit.MaxAge)
		}
		limiter = ratelimit.New(clock, rlOpts)
		opts.RateLimiters = append(opts.RateLimiters, limiter)
	}

	return opts, limiter, nil
}
