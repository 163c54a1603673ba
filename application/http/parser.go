package http

import (
	"io"

	"github.com/3redronin/mu-server/application/http/status"
	"github.com/3redronin/mu-server/application/util/rule"
	"github.com/3redronin/mu-server/lib/ds/queue"
	"github.com/pkg/errors"
)

// RequestQueue pairs responses with the requests they answer. The
// response parser needs the request method to frame a response body.
type RequestQueue = queue.Queue[*Request]

type MessageType uint8

const (
	RequestMessage MessageType = iota
	ResponseMessage
)

type ParseOptions struct {
	// MaxHeadersSize bounds the bytes of the header section. Requests over
	// it are rejected with 431 after their head has been consumed.
	MaxHeadersSize int
	// MaxURLSize bounds the request target. Requests over it are rejected
	// with 414.
	MaxURLSize int
	// AllowSoleLF accepts a bare LF as a line terminator.
	//
	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-3
	AllowSoleLF bool
	// BufferSize is the size of reads from the source.
	BufferSize int
}

var DefaultParseOptions = ParseOptions{
	MaxHeadersSize: 8192,
	MaxURLSize:     8192,
	AllowSoleLF:    false,
	BufferSize:     8192,
}

const (
	maxMethodLength  = 32
	maxVersionLength = 16
	maxChunkSizeLen  = 15 // keeps the size below 2^60
)

// MessageParser turns a byte stream into a sequence of [Event]s.
// It reads from the source only when its buffer is exhausted, so the
// same input produces the same events however it is split across reads.
//
// A MessageParser is not safe for concurrent use.
type MessageParser struct {
	typ   MessageType
	src   io.Reader
	queue RequestQueue
	opts  ParseOptions

	state parserState
	buf   []byte
	pos   int
	limit int
	eof   bool
	// readErr is a non-EOF error that came along with data.
	readErr error

	token       []byte
	fieldName   string
	headersSize int
	urlTooLong  bool
	inTrailers  bool
	remaining   int64

	// bodySize is the framing of the message last returned in HeadersReady.
	bodySize BodySize

	req *Request
	res *Response
}

// NewRequestParser creates a parser reading requests. If q is non-nil
// every request is enqueued as soon as its first byte is read.
func NewRequestParser(src io.Reader, q RequestQueue, opts ParseOptions) *MessageParser {
	return newParser(RequestMessage, src, q, opts)
}

// NewResponseParser creates a parser reading responses. Each final
// response dequeues its request from q.
func NewResponseParser(src io.Reader, q RequestQueue, opts ParseOptions) *MessageParser {
	return newParser(ResponseMessage, src, q, opts)
}

func newParser(typ MessageType, src io.Reader, q RequestQueue, opts ParseOptions) *MessageParser {
	if opts.MaxHeadersSize <= 0 {
		opts.MaxHeadersSize = DefaultParseOptions.MaxHeadersSize
	}
	if opts.MaxURLSize <= 0 {
		opts.MaxURLSize = DefaultParseOptions.MaxURLSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultParseOptions.BufferSize
	}

	p := &MessageParser{
		typ:   typ,
		src:   src,
		queue: q,
		opts:  opts,
		buf:   make([]byte, opts.BufferSize),
	}
	p.state = p.startState()
	return p
}

func (p *MessageParser) startState() parserState {
	if p.typ == RequestMessage {
		return stateRequestStart
	}
	return stateResponseStart
}

// Idle reports whether no byte of a next message has been consumed.
func (p *MessageParser) Idle() bool {
	return (p.state == stateRequestStart || p.state == stateResponseStart) && len(p.token) == 0
}

// Upgraded reports whether the stream switched to WebSocket.
func (p *MessageParser) Upgraded() bool { return p.state == stateWebSocket }

// Buffered returns the bytes read from the source but not consumed yet.
// After an upgrade they belong to the new protocol.
func (p *MessageParser) Buffered() []byte {
	out := make([]byte, p.limit-p.pos)
	copy(out, p.buf[p.pos:p.limit])
	return out
}

// HasBuffered reports whether bytes read from the source wait to be parsed.
func (p *MessageParser) HasBuffered() bool { return p.pos < p.limit }

// Next returns the next event.
func (p *MessageParser) Next() (Event, error) {
	for {
		switch p.state {
		case stateWebSocket:
			return nil, ErrUpgraded
		case stateDone:
			return EndOfStream{}, nil
		case stateFixedBodyEnd:
			p.endMessage()
			return EndOfBody{}, nil
		}

		if p.pos >= p.limit {
			if p.eof {
				return p.onEOF()
			}
			if err := p.fill(); err != nil {
				return nil, err
			}
			continue
		}

		switch p.state {
		case stateFixedBody:
			return p.fixedBody(), nil
		case stateUntilCloseBody:
			return p.untilCloseBody(), nil
		case stateChunkData:
			return p.chunkData(), nil
		}

		c := p.buf[p.pos]
		p.pos++

		if p.state.inHeaderSection() {
			if err := p.countHeaderByte(c); err != nil {
				return nil, err
			}
		}

		ev, err := p.step(c)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
	}
}

func (p *MessageParser) fill() error {
	if err := p.readErr; err != nil {
		p.readErr = nil
		return err
	}

	n, err := p.src.Read(p.buf)
	p.pos, p.limit = 0, n
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			p.eof = true
		case n > 0:
			p.readErr = errors.Wrap(err, "reading message")
		default:
			return errors.Wrap(err, "reading message")
		}
	}
	return nil
}

func (p *MessageParser) onEOF() (Event, error) {
	switch p.state {
	case stateUntilCloseBody:
		p.state = stateDone
		return EndOfBody{}, nil
	case stateRequestStart, stateResponseStart:
		if len(p.token) == 0 {
			p.state = stateDone
			return EndOfStream{}, nil
		}
	}
	return nil, errors.Wrapf(ErrPrematureClose, "in state %s", p.state)
}

// reprocess makes the current byte be read again in the next state.
func (p *MessageParser) reprocess(next parserState) {
	p.pos--
	p.state = next
}

func (p *MessageParser) soleLF(c byte) bool {
	return c == rule.LF && p.opts.AllowSoleLF
}

func (p *MessageParser) fail(c byte, reason string) error {
	return p.failWith(c, status.BadRequest, reason, nil)
}

func (p *MessageParser) failWith(c byte, st status.Status, reason string, cause error) error {
	return &ParseError{
		State:  p.state.String(),
		Byte:   c,
		Status: st,
		Reason: reason,
		cause:  cause,
	}
}

func (p *MessageParser) step(c byte) (Event, error) {
	switch p.state {
	case stateRequestStart:
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.2-6
		if c == rule.CR || c == rule.LF {
			return nil, nil
		}
		if !rule.IsUpperAlpha(c) {
			return nil, p.fail(c, "invalid character in method")
		}
		p.startRequest()
		p.token = append(p.token, c)
		p.state = stateMethod

	case stateMethod:
		switch {
		case rule.IsUpperAlpha(c):
			if len(p.token) >= maxMethodLength {
				return nil, p.fail(c, "method too long")
			}
			p.token = append(p.token, c)
		case c == rule.SP:
			p.req.Method = string(p.token)
			p.token = p.token[:0]
			p.state = stateRequestTarget
		default:
			return nil, p.fail(c, "invalid character in method")
		}

	case stateRequestTarget:
		switch {
		case c == rule.SP:
			if len(p.token) == 0 && !p.urlTooLong {
				return nil, p.fail(c, "empty request target")
			}
			if p.urlTooLong {
				p.req.Target = "/"
				p.reject(status.URITooLong)
			} else {
				p.req.Target = string(p.token)
			}
			p.token = p.token[:0]
			p.state = stateRequestVersion
		case rule.IsVChar(c):
			if len(p.token) >= p.opts.MaxURLSize {
				p.urlTooLong = true
				p.token = p.token[:0]
			}
			if !p.urlTooLong {
				p.token = append(p.token, c)
			}
		default:
			return nil, p.fail(c, "invalid character in request target")
		}

	case stateRequestVersion:
		switch {
		case c == rule.CR:
			p.state = stateRequestLineEnding
		case p.soleLF(c):
			p.reprocess(stateRequestLineEnding)
		case rule.IsVChar(c) && len(p.token) < maxVersionLength:
			p.token = append(p.token, c)
		default:
			return nil, p.fail(c, "invalid http version")
		}

	case stateRequestLineEnding:
		if c != rule.LF {
			return nil, p.fail(c, "expected LF after request line")
		}
		ver, err := p.version(c)
		if err != nil {
			return nil, err
		}
		p.req.Version = ver
		p.token = p.token[:0]
		p.state = stateHeaderStart

	case stateResponseStart:
		switch {
		case len(p.token) == 0 && (c == rule.CR || c == rule.LF):
		case rule.IsVChar(c) && len(p.token) < maxVersionLength:
			if len(p.token) == 0 {
				p.startResponse()
			}
			p.token = append(p.token, c)
		case c == rule.SP && len(p.token) > 0:
			ver, err := p.version(c)
			if err != nil {
				return nil, err
			}
			p.res.Version = ver
			p.token = p.token[:0]
			p.state = stateStatusCode
		default:
			return nil, p.fail(c, "invalid http version")
		}

	case stateStatusCode:
		switch {
		case rule.IsDigit(c) && len(p.token) < 3:
			p.token = append(p.token, c)
		case (c == rule.SP || c == rule.CR || p.soleLF(c)) && len(p.token) == 3:
			if err := p.statusCodeRead(c); err != nil {
				return nil, err
			}
			p.token = p.token[:0]
			switch {
			case c == rule.SP:
				p.state = stateReasonPhrase
			case c == rule.CR:
				p.state = stateStatusLineEnding
			default:
				p.reprocess(stateStatusLineEnding)
			}
		default:
			return nil, p.fail(c, "status code must be 3 digits")
		}

	case stateReasonPhrase:
		switch {
		case c == rule.CR:
			p.state = stateStatusLineEnding
		case p.soleLF(c):
			p.reprocess(stateStatusLineEnding)
		case rule.IsFieldVChar(c) || rule.IsOWS(c):
			if len(p.token) < p.opts.MaxHeadersSize {
				p.token = append(p.token, c)
			}
		default:
			return nil, p.fail(c, "invalid character in reason phrase")
		}

	case stateStatusLineEnding:
		if c != rule.LF {
			return nil, p.fail(c, "expected LF after status line")
		}
		p.res.ReasonPhrase = string(p.token)
		p.token = p.token[:0]
		p.state = stateHeaderStart

	case stateHeaderStart:
		switch {
		case c == rule.CR:
			p.state = stateHeadersEnding
		case p.soleLF(c):
			p.reprocess(stateHeadersEnding)
		case rule.IsTChar(c):
			p.token = append(p.token[:0], rule.ToLower(c))
			p.state = stateHeaderName
		case rule.IsOWS(c):
			// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.2
			return nil, p.fail(c, "obsolete line folding is not accepted")
		default:
			return nil, p.fail(c, "invalid character in field name")
		}

	case stateHeaderName:
		switch {
		case rule.IsTChar(c):
			if !p.headersTooLarge() {
				p.token = append(p.token, rule.ToLower(c))
			}
		case c == ':':
			if len(p.token) == 0 {
				return nil, p.fail(c, "empty field name")
			}
			p.fieldName = string(p.token)
			p.token = p.token[:0]
			p.state = stateHeaderValueStart
		default:
			// Includes whitespace between the field name and the colon.
			// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-5.1-2
			return nil, p.fail(c, "invalid character in field name")
		}

	case stateHeaderValueStart:
		switch {
		case rule.IsOWS(c):
		case c == rule.CR:
			p.state = stateHeaderLineEnding
		case p.soleLF(c):
			p.reprocess(stateHeaderLineEnding)
		case rule.IsFieldVChar(c):
			p.token = append(p.token, c)
			p.state = stateHeaderValue
		default:
			return nil, p.fail(c, "invalid character in field value")
		}

	case stateHeaderValue:
		switch {
		case c == rule.CR:
			p.state = stateHeaderLineEnding
		case p.soleLF(c):
			p.reprocess(stateHeaderLineEnding)
		case rule.IsFieldVChar(c) || rule.IsOWS(c):
			if !p.headersTooLarge() {
				p.token = append(p.token, c)
			}
		default:
			return nil, p.fail(c, "invalid character in field value")
		}

	case stateHeaderLineEnding:
		if c != rule.LF {
			return nil, p.fail(c, "expected LF after field line")
		}
		p.addField()
		p.state = stateHeaderStart

	case stateHeadersEnding:
		if c != rule.LF {
			return nil, p.fail(c, "expected LF after header section")
		}
		if p.inTrailers {
			p.endMessage()
			return EndOfBody{}, nil
		}
		return p.headersComplete(c)

	case stateChunkSize:
		switch {
		case rule.HexValue(c) >= 0:
			if len(p.token) >= maxChunkSizeLen {
				return nil, p.fail(c, "chunk size too large")
			}
			p.token = append(p.token, c)
		case len(p.token) == 0:
			return nil, p.fail(c, "missing chunk size")
		case c == ';' || rule.IsOWS(c):
			p.state = stateChunkExtensions
		case c == rule.CR:
			p.state = stateChunkSizeEnding
		case p.soleLF(c):
			p.reprocess(stateChunkSizeEnding)
		default:
			return nil, p.fail(c, "invalid character in chunk size")
		}

	case stateChunkExtensions:
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-7.1.1
		switch {
		case c == rule.CR:
			p.state = stateChunkSizeEnding
		case p.soleLF(c):
			p.reprocess(stateChunkSizeEnding)
		case rule.IsFieldVChar(c) || rule.IsOWS(c):
		default:
			return nil, p.fail(c, "invalid character in chunk extension")
		}

	case stateChunkSizeEnding:
		if c != rule.LF {
			return nil, p.fail(c, "expected LF after chunk size")
		}
		var size int64
		for _, h := range p.token {
			size = size<<4 | int64(rule.HexValue(h))
		}
		p.token = p.token[:0]
		if size == 0 {
			// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-7.1.2
			p.inTrailers = true
			p.headersSize = 0
			p.state = stateHeaderStart
			return nil, nil
		}
		p.remaining = size
		p.state = stateChunkData

	case stateChunkDataEnd:
		switch {
		case c == rule.CR:
			p.state = stateChunkDataEnding
		case p.soleLF(c):
			p.reprocess(stateChunkDataEnding)
		default:
			return nil, p.fail(c, "expected CRLF after chunk data")
		}

	case stateChunkDataEnding:
		if c != rule.LF {
			return nil, p.fail(c, "expected LF after chunk data")
		}
		p.state = stateChunkSize

	default:
		return nil, errors.Errorf("unexpected parser state %s", p.state)
	}

	return nil, nil
}

func (p *MessageParser) version(c byte) (Version, error) {
	ver, err := ParseVersion(string(p.token))
	if err != nil {
		return Version{}, p.failWith(c, status.BadRequest, "malformed http version", err)
	}
	if !ver.Supported() {
		return Version{}, p.failWith(c, status.HTTPVersionNotSupported, "unsupported http version "+ver.String(), nil)
	}
	return ver, nil
}

func (p *MessageParser) startRequest() {
	p.req = &Request{}
	p.headersSize = 0
	p.urlTooLong = false
	if p.queue != nil {
		p.queue.Enqueue(p.req)
	}
}

func (p *MessageParser) startResponse() {
	p.res = &Response{}
	p.headersSize = 0
}

func (p *MessageParser) statusCodeRead(c byte) error {
	code := int(p.token[0]-'0')*100 + int(p.token[1]-'0')*10 + int(p.token[2]-'0')
	if code < 100 {
		return p.fail(c, "status code out of range")
	}
	p.res.StatusCode = code

	// Interim responses other than 101 are followed by the final one.
	if code < 200 && code != status.SwitchingProtocols.Code {
		return nil
	}
	if p.queue == nil {
		return nil
	}
	req, err := p.queue.Dequeue()
	if err != nil {
		return p.failWith(c, status.BadGateway, "response without a request", ErrResponseWithoutRequest)
	}
	p.res.Request = req
	return nil
}

func (p *MessageParser) reject(st status.Status) {
	if p.req != nil && p.req.Reject == nil {
		p.req.Reject = &st
	}
}

func (p *MessageParser) headersTooLarge() bool {
	return p.headersSize > p.opts.MaxHeadersSize
}

// countHeaderByte tracks the header section size. A request over the
// limit keeps being consumed so that the connection can answer 431, but
// its fields are dropped. Twice the limit is a hard error.
func (p *MessageParser) countHeaderByte(c byte) error {
	p.headersSize++
	if p.headersSize <= p.opts.MaxHeadersSize {
		return nil
	}
	if p.typ == ResponseMessage || p.inTrailers || p.headersSize > 2*p.opts.MaxHeadersSize {
		return p.failWith(c, status.RequestHeaderFieldsTooLarge, "header section too large", nil)
	}
	p.reject(status.RequestHeaderFieldsTooLarge)
	return nil
}

func (p *MessageParser) addField() {
	value := p.token
	for len(value) > 0 && rule.IsOWS(value[len(value)-1]) {
		value = value[:len(value)-1]
	}
	defer func() { p.token = p.token[:0] }()

	if len(value) == 0 || p.headersTooLarge() {
		return
	}

	head := p.current().Head()
	if p.inTrailers {
		head.Trailers.Add(p.fieldName, string(value))
		return
	}
	head.Headers.Add(p.fieldName, string(value))
}

func (p *MessageParser) current() Message {
	if p.typ == RequestMessage {
		return p.req
	}
	return p.res
}

func (p *MessageParser) headersComplete(c byte) (Event, error) {
	msg := p.current()
	head := msg.Head()

	var (
		size BodySize
		err  error
	)
	if p.typ == RequestMessage {
		size, err = RequestBodySize(&head.Headers)
		if err != nil {
			st := status.BadRequest
			if errors.Is(err, ErrUnsupportedTransfer) {
				st = status.NotImplemented
			}
			return nil, p.failWith(c, st, "cannot determine body length", err)
		}
	} else {
		method := ""
		if p.res.Request != nil {
			method = p.res.Request.Method
		}
		size, err = ResponseBodySize(method, p.res.StatusCode, &head.Headers)
		if err != nil {
			return nil, p.failWith(c, status.BadGateway, "cannot determine body length", err)
		}
	}
	head.BodySize = size
	p.bodySize = size

	switch size.Type {
	case BodyNone:
		p.endMessage()
	case BodyFixed:
		p.remaining = size.Size
		p.state = stateFixedBody
	case BodyChunked:
		p.token = p.token[:0]
		p.state = stateChunkSize
	case BodyUntilClose:
		p.state = stateUntilCloseBody
	}

	return HeadersReady{Message: msg}, nil
}

// endMessage prepares for the next message on the stream, or switches
// to pass-through after a WebSocket upgrade.
func (p *MessageParser) endMessage() {
	upgrade := false
	if p.typ == RequestMessage {
		upgrade = p.req.Headers.IsWebSocketUpgrade()
	} else {
		upgrade = p.res.StatusCode == status.SwitchingProtocols.Code && p.res.Headers.IsWebSocketUpgrade()
	}

	p.req, p.res = nil, nil
	p.token = p.token[:0]
	p.fieldName = ""
	p.inTrailers = false
	p.remaining = 0

	if upgrade {
		p.state = stateWebSocket
		return
	}
	p.state = p.startState()
}

func (p *MessageParser) take(n int64) []byte {
	if avail := int64(p.limit - p.pos); n > avail {
		n = avail
	}
	data := p.buf[p.pos : p.pos+int(n)]
	p.pos += int(n)
	return data
}

func (p *MessageParser) fixedBody() Event {
	data := p.take(p.remaining)
	p.remaining -= int64(len(data))
	last := p.remaining == 0
	if last {
		p.state = stateFixedBodyEnd
	}
	return BodyChunk{Data: data, Last: last}
}

func (p *MessageParser) untilCloseBody() Event {
	return BodyChunk{Data: p.take(int64(p.limit - p.pos))}
}

func (p *MessageParser) chunkData() Event {
	data := p.take(p.remaining)
	p.remaining -= int64(len(data))
	if p.remaining == 0 {
		p.state = stateChunkDataEnd
	}
	return BodyChunk{Data: data}
}
