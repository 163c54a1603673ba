// Package iolib holds small io helpers shared by the server and client.
package iolib

import (
	"io"

	"github.com/pkg/errors"
)

// WriteFull writes all of buf, retrying short writes that come without an error.
func WriteFull(w io.Writer, buf []byte) (uint, error) {
	total := uint(0)
	for total < uint(len(buf)) {
		n, err := w.Write(buf[total:])
		total += uint(n)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// Drain reads and discards at most n bytes from r. Reaching the end of r is
// not an error. capped reports whether r had n bytes or more to give.
func Drain(r io.Reader, n uint) (drained uint, capped bool, err error) {
	lr := LimitReader(r, n)
	if _, err := io.Copy(io.Discard, lr); err != nil {
		return lr.Consumed(), false, errors.Wrap(err, "draining reader")
	}
	return lr.Consumed(), lr.Exhausted(), nil
}
