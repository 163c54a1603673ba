package transfer

import (
	"io"
	"strconv"

	"github.com/3redronin/mu-server/application/http"
	"github.com/3redronin/mu-server/application/util/rule"
	"github.com/pkg/errors"
)

// ChunkedWriter frames every Write as one chunk.
// Close writes the last chunk and trailers but leaves w open, since the
// connection carries the next message.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-7.1
type ChunkedWriter struct {
	w         io.Writer
	headerBuf []byte
	written   int64
	closed    bool

	sendTrailers func() []http.Field
}

var _ io.WriteCloser = (*ChunkedWriter)(nil)

func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{
		w:         w,
		headerBuf: make([]byte, 0, 18),
	}
}

// SetSendTrailers registers a function called on Close whose fields are
// sent as trailers.
func (cw *ChunkedWriter) SetSendTrailers(f func() []http.Field) {
	cw.sendTrailers = f
}

func (cw *ChunkedWriter) Write(p []byte) (n int, err error) {
	if cw.closed {
		return 0, ErrWriterClosed
	}
	if len(p) == 0 {
		// A zero length chunk would end the body.
		return 0, nil
	}

	cw.headerBuf = strconv.AppendInt(cw.headerBuf[:0], int64(len(p)), 16)
	cw.headerBuf = append(cw.headerBuf, rule.CRLF...)
	if _, err := cw.w.Write(cw.headerBuf); err != nil {
		return 0, errors.Wrap(err, "writing chunk header")
	}

	n, err = cw.w.Write(p)
	cw.written += int64(n)
	if err != nil {
		return n, errors.Wrap(err, "writing chunk data")
	}

	if _, err := cw.w.Write(rule.CRLF); err != nil {
		return n, errors.Wrap(err, "writing chunk data terminator")
	}

	return n, nil
}

// Written returns the number of body bytes written so far, framing
// excluded.
func (cw *ChunkedWriter) Written() int64 { return cw.written }

func (cw *ChunkedWriter) Close() error {
	if cw.closed {
		return nil
	}
	cw.closed = true

	if _, err := io.WriteString(cw.w, "0\r\n"); err != nil {
		return errors.Wrap(err, "writing last chunk")
	}

	if cw.sendTrailers != nil {
		for _, field := range cw.sendTrailers() {
			if _, err := io.WriteString(cw.w, field.Name+": "+field.Value+"\r\n"); err != nil {
				return errors.Wrap(err, "writing trailer")
			}
		}
	}

	if _, err := cw.w.Write(rule.CRLF); err != nil {
		return errors.Wrap(err, "writing end of trailer section")
	}

	return nil
}
