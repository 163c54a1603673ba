//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package tcp

import (
	"runtime"

	"github.com/pkg/errors"
)

var ErrSocketOptionUnsupported = errors.New("socket option unsupported on " + runtime.GOOS)

func setSocketOptions(_ uintptr, opts ListenOptions) error {
	if opts.ReuseAddr || opts.ReusePort {
		return ErrSocketOptionUnsupported
	}
	return nil
}
