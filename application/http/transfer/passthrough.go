package transfer

import (
	"io"
)

// UntilCloseWriter writes the body as is. The body ends when the
// connection is closed, so it is only used for HTTP/1.0 clients that
// cannot decode chunked bodies.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.8
type UntilCloseWriter struct {
	w       io.Writer
	written int64
	closed  bool
}

var _ io.WriteCloser = (*UntilCloseWriter)(nil)

func NewUntilCloseWriter(w io.Writer) *UntilCloseWriter {
	return &UntilCloseWriter{w: w}
}

func (uw *UntilCloseWriter) Write(p []byte) (int, error) {
	if uw.closed {
		return 0, ErrWriterClosed
	}
	n, err := uw.w.Write(p)
	uw.written += int64(n)
	return n, err
}

func (uw *UntilCloseWriter) Written() int64 { return uw.written }

func (uw *UntilCloseWriter) Close() error {
	uw.closed = true
	return nil
}

// DiscardWriter counts and drops the body, as the response to a HEAD
// request carries none.
type DiscardWriter struct {
	written int64
}

var _ io.WriteCloser = (*DiscardWriter)(nil)

func (dw *DiscardWriter) Write(p []byte) (int, error) {
	dw.written += int64(len(p))
	return len(p), nil
}

func (dw *DiscardWriter) Written() int64 { return dw.written }

func (dw *DiscardWriter) Close() error { return nil }
