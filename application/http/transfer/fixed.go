package transfer

import (
	"io"

	"github.com/pkg/errors"
)

var (
	ErrWriterClosed        = errors.New("body writer is closed")
	ErrFixedLengthExceeded = errors.New("body is longer than the declared content-length")
	ErrFixedLengthShort    = errors.New("body is shorter than the declared content-length")
)

// FixedLengthWriter passes through exactly the declared number of bytes.
// Writing more fails without writing anything; closing before all of
// them were written fails too. Either case breaks the framing of the
// connection.
type FixedLengthWriter struct {
	w        io.Writer
	declared int64
	written  int64
	closed   bool
}

var _ io.WriteCloser = (*FixedLengthWriter)(nil)

func NewFixedLengthWriter(w io.Writer, contentLength int64) *FixedLengthWriter {
	return &FixedLengthWriter{w: w, declared: contentLength}
}

func (fw *FixedLengthWriter) Write(p []byte) (n int, err error) {
	if fw.closed {
		return 0, ErrWriterClosed
	}
	if fw.written+int64(len(p)) > fw.declared {
		return 0, errors.Wrapf(ErrFixedLengthExceeded,
			"declared %d bytes, tried to write %d", fw.declared, fw.written+int64(len(p)))
	}

	n, err = fw.w.Write(p)
	fw.written += int64(n)
	if err != nil {
		return n, errors.Wrap(err, "writing body")
	}
	return n, nil
}

// Written returns the number of body bytes written so far.
func (fw *FixedLengthWriter) Written() int64 { return fw.written }

func (fw *FixedLengthWriter) Close() error {
	if fw.closed {
		return nil
	}
	fw.closed = true

	if fw.written != fw.declared {
		return errors.Wrapf(ErrFixedLengthShort, "declared %d bytes, wrote %d", fw.declared, fw.written)
	}
	return nil
}
