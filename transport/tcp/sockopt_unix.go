//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package tcp

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func setSocketOptions(fd uintptr, opts ListenOptions) error {
	if opts.ReuseAddr {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return errors.Wrap(err, "set SO_REUSEADDR")
		}
	}
	if opts.ReusePort {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return errors.Wrap(err, "set SO_REUSEPORT")
		}
	}
	return nil
}
