// Package pipe provides an in-memory, buffered [net.Conn] pair together with a
// listener and dialer that connect them by name. Deadlines are driven by an
// injected clock so tests can expire them deterministically.
package pipe

import (
	"bytes"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/3redronin/mu-server/transport"
	"github.com/benbjohnson/clock"
)

const DefaultBufferSize = 64 * 1024

type Addr struct {
	Name string
	Port uint16
}

var _ net.Addr = Addr{}

func (a Addr) Network() string { return "pipe" }

func (a Addr) String() string {
	if a.Port == 0 {
		return a.Name
	}
	return net.JoinHostPort(a.Name, strconv.FormatUint(uint64(a.Port), 10))
}

// stream is one direction of a pipe. Writers block while it is full.
type stream struct {
	mu   sync.Mutex
	cond sync.Cond
	buf  bytes.Buffer
	size int

	readerClosed bool
	writerClosed bool
}

func newStream(size int) *stream {
	s := &stream{size: size}
	s.cond.L = &s.mu
	return s
}

func (s *stream) wake() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Conn is one end of a pipe. It is safe for concurrent use.
type Conn struct {
	local, remote Addr

	in, out *stream

	rdeadline, wdeadline *deadline

	writeMu   sync.Mutex // serializes writes so they never interleave
	closeOnce sync.Once
	onClose   func()
}

var (
	_ net.Conn               = (*Conn)(nil)
	_ transport.BufferedConn = (*Conn)(nil)
)

// NewPair connects two ends. Each direction buffers up to bufSize bytes,
// DefaultBufferSize when bufSize is not positive.
func NewPair(clock clock.Clock, a, b Addr, bufSize int) (*Conn, *Conn) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	ab, ba := newStream(bufSize), newStream(bufSize)

	c1 := &Conn{local: a, remote: b, in: ba, out: ab}
	c1.rdeadline = newDeadline(clock, ba.wake)
	c1.wdeadline = newDeadline(clock, ab.wake)

	c2 := &Conn{local: b, remote: a, in: ab, out: ba}
	c2.rdeadline = newDeadline(clock, ab.wake)
	c2.wdeadline = newDeadline(clock, ba.wake)

	return c1, c2
}

func (c *Conn) LocalAddr() net.Addr  { return c.local }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }
func (c *Conn) ReadBufSize() uint    { return uint(c.in.size) }
func (c *Conn) WriteBufSize() uint   { return uint(c.out.size) }

// Read returns buffered data even after the peer has closed, then io.EOF.
func (c *Conn) Read(b []byte) (int, error) {
	s := c.in
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.readerClosed {
			return 0, net.ErrClosed
		}
		if c.rdeadline.exceeded() {
			return 0, os.ErrDeadlineExceeded
		}
		if s.buf.Len() > 0 {
			n, _ := s.buf.Read(b)
			s.cond.Broadcast()
			return n, nil
		}
		if s.writerClosed {
			return 0, io.EOF
		}
		s.cond.Wait()
	}
}

// Write blocks until all of b is buffered on the peer's side.
func (c *Conn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	s := c.out
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for {
		if s.writerClosed {
			return n, net.ErrClosed
		}
		if c.wdeadline.exceeded() {
			return n, os.ErrDeadlineExceeded
		}
		if s.readerClosed {
			return n, io.ErrClosedPipe
		}
		if len(b) == 0 {
			return n, nil
		}

		if room := s.size - s.buf.Len(); room > 0 {
			m := min(room, len(b))
			s.buf.Write(b[:m])
			b = b[m:]
			n += m
			s.cond.Broadcast()
			continue
		}

		s.cond.Wait()
	}
}

// Close never fails. The peer reads what is left, then io.EOF.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.rdeadline.stop()
		c.wdeadline.stop()

		c.in.mu.Lock()
		c.in.readerClosed = true
		c.in.buf.Reset()
		c.in.cond.Broadcast()
		c.in.mu.Unlock()

		c.out.mu.Lock()
		c.out.writerClosed = true
		c.out.cond.Broadcast()
		c.out.mu.Unlock()

		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.rdeadline.set(t)
	c.wdeadline.set(t)
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.rdeadline.set(t)
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.wdeadline.set(t)
	return nil
}

// deadline stores its instant atomically so blocked readers can check it
// while holding only the stream lock.
type deadline struct {
	clock clock.Clock
	wake  func()

	mu    sync.Mutex
	timer *clock.Timer
	at    atomic.Int64 // unix nanos, 0 means none
}

func newDeadline(clock clock.Clock, wake func()) *deadline {
	return &deadline{clock: clock, wake: wake}
}

func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	if t.IsZero() {
		d.at.Store(0)
		d.wake()
		return
	}

	d.at.Store(t.UnixNano())
	d.timer = d.clock.AfterFunc(d.clock.Until(t), d.wake)
}

func (d *deadline) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *deadline) exceeded() bool {
	at := d.at.Load()
	return at != 0 && !d.clock.Now().Before(time.Unix(0, at))
}
