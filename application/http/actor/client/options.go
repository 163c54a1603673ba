package client

import (
	"time"

	"github.com/3redronin/mu-server/application/http"
)

type Options struct {
	Parse http.ParseOptions

	// UseReceivedReasonPhrase keeps the reason phrase sent by the server.
	// If false, it is replaced with the default one for the status code.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-4-9
	UseReceivedReasonPhrase bool

	// IdleTimeout drops pooled connections unused for this long. Zero keeps
	// them until the server closes them.
	IdleTimeout time.Duration

	// MaxIdleConnsPerAddr bounds the pooled connections kept per address.
	MaxIdleConnsPerAddr int
}

func DefaultOptions() Options {
	return Options{
		Parse:               http.DefaultParseOptions,
		IdleTimeout:         90 * time.Second,
		MaxIdleConnsPerAddr: 2,
	}
}
