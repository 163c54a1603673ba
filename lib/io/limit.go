package iolib

import "io"

// LimitReader returns a reader that stops with io.EOF after n bytes.
func LimitReader(r io.Reader, n uint) *LimitedReader {
	return &LimitedReader{r: r, remaining: n}
}

// LimitedReader is an [io.LimitedReader] counting in uint that remembers
// whether the limit cut the stream short.
type LimitedReader struct {
	r         io.Reader
	remaining uint
	read      uint
}

func (l *LimitedReader) Read(p []byte) (int, error) {
	if l.remaining == 0 {
		return 0, io.EOF
	}
	if uint(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= uint(n)
	l.read += uint(n)
	return n, err
}

// Consumed returns the number of bytes passed through so far.
func (l *LimitedReader) Consumed() uint { return l.read }

// Exhausted reports whether the limit, not the underlying reader, ended the
// stream.
func (l *LimitedReader) Exhausted() bool { return l.remaining == 0 }
