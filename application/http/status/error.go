package status

import (
	"fmt"
)

// Error is an error that maps to an HTTP response with its status and
// extra response headers.
type Error struct {
	cause   error
	Status  Status
	Headers [][2]string
}

func NewError(err error, status Status) Error {
	return Error{cause: err, Status: status}
}

// WithHeader returns a copy of e that also sends the given header.
func (e Error) WithHeader(name, value string) Error {
	headers := make([][2]string, len(e.Headers), len(e.Headers)+1)
	copy(headers, e.Headers)
	e.Headers = append(headers, [2]string{name, value})
	return e
}

func (e Error) Error() string {
	cause := ""
	if e.cause != nil {
		cause = e.cause.Error()
	}

	return fmt.Sprintf(
		"%d %s: %q", e.Status.Code, e.Status.ReasonPhrase, cause,
	)
}

func (e Error) Cause() error {
	return e.cause
}

func (e Error) Unwrap() error {
	return e.cause
}
