package http

import (
	"strconv"

	"github.com/3redronin/mu-server/application/http/status"
	"github.com/3redronin/mu-server/application/util/rule"
	"github.com/pkg/errors"
)

// Request methods.
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-9
const (
	MethodGet     = "GET"
	MethodHead    = "HEAD"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodDelete  = "DELETE"
	MethodConnect = "CONNECT"
	MethodOptions = "OPTIONS"
	MethodTrace   = "TRACE"
	MethodPatch   = "PATCH"
)

// IsKnownMethod reports whether the method is one a server understands.
func IsKnownMethod(m string) bool {
	switch m {
	case MethodGet, MethodHead, MethodPost, MethodPut, MethodDelete,
		MethodConnect, MethodOptions, MethodTrace, MethodPatch:
		return true
	}
	return false
}

// BodyType is the framing of a message body.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3
type BodyType uint8

const (
	BodyNone BodyType = iota
	BodyFixed
	BodyChunked
	BodyUntilClose
)

func (t BodyType) String() string {
	switch t {
	case BodyNone:
		return "none"
	case BodyFixed:
		return "fixed"
	case BodyChunked:
		return "chunked"
	case BodyUntilClose:
		return "until-close"
	}
	return "unknown"
}

// BodySize says how the end of a message body is found.
// Size is only meaningful for [BodyFixed].
type BodySize struct {
	Type BodyType
	Size int64
}

var (
	NoBody         = BodySize{Type: BodyNone}
	ChunkedBody    = BodySize{Type: BodyChunked}
	UntilCloseBody = BodySize{Type: BodyUntilClose}
)

func FixedBody(n int64) BodySize {
	if n == 0 {
		return NoBody
	}
	return BodySize{Type: BodyFixed, Size: n}
}

func (b BodySize) HasBody() bool { return b.Type != BodyNone }

func (b BodySize) String() string {
	if b.Type == BodyFixed {
		return "fixed(" + strconv.FormatInt(b.Size, 10) + ")"
	}
	return b.Type.String()
}

// MessageHead holds what requests and responses share.
type MessageHead struct {
	Version  Version
	Headers  Headers
	BodySize BodySize

	// Trailers are filled once a chunked body has been read to its end.
	Trailers Headers
}

// Message is either a [*Request] or a [*Response].
type Message interface {
	Head() *MessageHead
}

type Request struct {
	MessageHead
	Method string
	Target string

	// Reject is set when the request could be parsed but must not reach
	// a handler, e.g. its target or header section is too large.
	Reject *status.Status
}

func (r *Request) Head() *MessageHead { return &r.MessageHead }

type Response struct {
	MessageHead
	StatusCode   int
	ReasonPhrase string

	// Request is the request this response answers. Nil for interim
	// responses and on the server side.
	Request *Request
}

func (r *Response) Head() *MessageHead { return &r.MessageHead }

// Status returns the response status.
func (r *Response) Status() status.Status {
	return status.Status{Code: r.StatusCode, ReasonPhrase: r.ReasonPhrase}
}

var (
	_ Message = (*Request)(nil)
	_ Message = (*Response)(nil)
)

var (
	ErrChunkedWithLength      = errors.New("message has both transfer-encoding chunked and content-length")
	ErrMultipleLength         = errors.New("message has multiple content-length fields")
	ErrInvalidLength          = errors.New("content-length is not a non-negative integer")
	ErrUnsupportedTransfer    = errors.New("unsupported transfer coding")
	ErrResponseWithoutRequest = errors.New("response without a request")
)

// RequestBodySize derives the body framing of a request from its headers.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3
func RequestBodySize(h *Headers) (BodySize, error) {
	chunked, hasTE, err := transferEncoding(h)
	if err != nil {
		return BodySize{}, err
	}
	if hasTE {
		if !chunked {
			// The server cannot tell where the body ends.
			return BodySize{}, errors.Wrap(ErrUnsupportedTransfer, "request body length cannot be determined")
		}
		if h.Has("content-length") {
			return BodySize{}, ErrChunkedWithLength
		}
		return ChunkedBody, nil
	}

	n, ok, err := contentLength(h)
	if err != nil {
		return BodySize{}, err
	}
	if !ok {
		return NoBody, nil
	}
	return FixedBody(n), nil
}

// ResponseBodySize derives the body framing of a response. method is the
// method of the request it answers.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3
func ResponseBodySize(method string, code int, h *Headers) (BodySize, error) {
	switch {
	case code >= 100 && code < 200, code == status.NoContent.Code, code == status.NotModified.Code:
		return NoBody, nil
	case method == MethodHead:
		return NoBody, nil
	case method == MethodConnect && code >= 200 && code < 300:
		return UntilCloseBody, nil
	}

	chunked, hasTE, err := transferEncoding(h)
	if err != nil {
		return BodySize{}, err
	}
	if hasTE {
		if h.Has("content-length") {
			return BodySize{}, ErrChunkedWithLength
		}
		if chunked {
			return ChunkedBody, nil
		}
		return UntilCloseBody, nil
	}

	n, ok, err := contentLength(h)
	if err != nil {
		return BodySize{}, err
	}
	if !ok {
		return UntilCloseBody, nil
	}
	return FixedBody(n), nil
}

// transferEncoding reports whether chunked is the final transfer coding.
func transferEncoding(h *Headers) (chunked, present bool, err error) {
	values := h.Values("transfer-encoding")
	if len(values) == 0 {
		return false, false, nil
	}
	last := rule.LastToken(values[len(values)-1])
	for i, v := range values {
		if i < len(values)-1 && rule.ContainsToken(v, "chunked") {
			// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.1-5
			return false, true, errors.New("chunked must be the final transfer coding")
		}
	}
	return equalFold(last, "chunked"), true, nil
}

func contentLength(h *Headers) (n int64, ok bool, err error) {
	values := h.Values("content-length")
	switch len(values) {
	case 0:
		return 0, false, nil
	case 1:
	default:
		return 0, false, ErrMultipleLength
	}

	v := values[0]
	if v == "" {
		return 0, false, ErrInvalidLength
	}
	for i := 0; i < len(v); i++ {
		if !rule.IsDigit(v[i]) {
			return 0, false, errors.Wrapf(ErrInvalidLength, "got %q", v)
		}
	}
	n, err = strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(ErrInvalidLength, "got %q", v)
	}
	return n, true, nil
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		if rule.ToLower(a[i]) != rule.ToLower(b[i]) {
			return false
		}
	}
	return true
}
