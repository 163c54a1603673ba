package http

import (
	"fmt"

	"github.com/3redronin/mu-server/application/http/status"
	"github.com/pkg/errors"
)

var (
	// ErrPrematureClose is returned when the source ends in the middle of a message.
	ErrPrematureClose = errors.New("connection closed before the message was complete")
	// ErrUpgraded is returned by Next once the stream switched to another protocol.
	ErrUpgraded = errors.New("stream was upgraded to another protocol")
)

// ParseError reports malformed input. Status is the response a server
// should answer with.
type ParseError struct {
	State  string
	Byte   byte
	Status status.Status
	Reason string
	cause  error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("http parse error in state %s at byte 0x%02x: %s", e.State, e.Byte, e.Reason)
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.cause }
