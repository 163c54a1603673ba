package http

import (
	"io"

	"github.com/3redronin/mu-server/application/http/status"
	"github.com/pkg/errors"
)

// BodyStream reads one message body by pulling events from the parser on
// demand. Bytes stay on the wire until the body is read.
type BodyStream struct {
	p   *MessageParser
	max int64

	chunk    []byte
	received int64
	ended    bool
	tooLarge bool
	err      error
}

// NewBodyStream reads the body following the last [HeadersReady] of p.
// Reading more than maxBytes fails with a 413 [status.Error]; a
// non-positive maxBytes means no limit.
func NewBodyStream(p *MessageParser, maxBytes int64) *BodyStream {
	return &BodyStream{p: p, max: maxBytes, ended: !p.bodySize.HasBody()}
}

// MarkTooLarge records that the body is known to be over the limit
// already, so draining it does not raise the error again.
func (b *BodyStream) MarkTooLarge() { b.tooLarge = true }

// Received returns the body bytes pulled from the parser so far.
func (b *BodyStream) Received() int64 { return b.received }

func (b *BodyStream) Read(p []byte) (int, error) {
	for len(b.chunk) == 0 {
		if b.err != nil {
			return 0, b.err
		}
		if b.tooLarge {
			return 0, b.tooLargeErr()
		}
		if b.ended {
			return 0, io.EOF
		}
		if err := b.pull(); err != nil {
			return 0, err
		}
	}

	n := copy(p, b.chunk)
	b.chunk = b.chunk[n:]
	return n, nil
}

func (b *BodyStream) pull() error {
	ev, err := b.p.Next()
	if err != nil {
		b.err = err
		return err
	}

	switch ev := ev.(type) {
	case BodyChunk:
		b.received += int64(len(ev.Data))
		b.chunk = ev.Data
		if b.max > 0 && b.received > b.max && !b.tooLarge {
			b.tooLarge = true
			b.chunk = nil
			return b.tooLargeErr()
		}
	case EndOfBody:
		b.ended = true
	default:
		b.err = errors.Errorf("unexpected %T while reading a body", ev)
		return b.err
	}
	return nil
}

func (b *BodyStream) tooLargeErr() error {
	return status.NewError(nil, status.ContentTooLarge)
}

// Discard drains the rest of the body. clean reports whether the end of
// the body was reached, which means the connection can carry another
// message. Calling it again after the end is a no-op.
func (b *BodyStream) Discard() (clean bool, err error) {
	b.chunk = nil
	for !b.ended {
		if b.err != nil {
			return false, b.err
		}
		ev, err := b.p.Next()
		if err != nil {
			b.err = err
			return false, err
		}
		switch ev := ev.(type) {
		case BodyChunk:
			b.received += int64(len(ev.Data))
		case EndOfBody:
			b.ended = true
		default:
			b.err = errors.Errorf("unexpected %T while draining a body", ev)
			return false, b.err
		}
	}
	return true, nil
}

// Close drains the body.
func (b *BodyStream) Close() error {
	_, err := b.Discard()
	return err
}
