package http

import (
	"bufio"
	"strconv"

	"github.com/3redronin/mu-server/application/http/status"
	"github.com/3redronin/mu-server/application/util/rule"
	"github.com/pkg/errors"
)

// MessageEncoder writes message heads. Bodies are written by the caller
// through a framing writer; nothing is flushed here.
type MessageEncoder struct {
	bw *bufio.Writer
}

func (me *MessageEncoder) writeLine(parts ...string) error {
	for _, p := range parts {
		if _, err := me.bw.WriteString(p); err != nil {
			return errors.Wrap(err, "writing line")
		}
	}
	if _, err := me.bw.Write(rule.CRLF); err != nil {
		return errors.Wrap(err, "writing line terminator")
	}
	return nil
}

func (me *MessageEncoder) encodeHeaders(headers *Headers) error {
	for _, field := range headers.fields {
		if err := me.writeLine(field.Name, ": ", field.Value); err != nil {
			return errors.Wrap(err, "writing field")
		}
	}

	// An empty line ends the header section.
	if err := me.writeLine(); err != nil {
		return errors.Wrap(err, "writing line terminator")
	}

	return nil
}

type RequestEncoder struct{ MessageEncoder }

func NewRequestEncoder(bw *bufio.Writer) *RequestEncoder {
	return &RequestEncoder{MessageEncoder{bw: bw}}
}

func (re *RequestEncoder) EncodeHead(req *Request) error {
	if err := re.writeLine(req.Method, " ", req.Target, " ", req.Version.String()); err != nil {
		return errors.Wrap(err, "encoding request line")
	}
	if err := re.encodeHeaders(&req.Headers); err != nil {
		return errors.Wrap(err, "encoding headers")
	}
	return nil
}

type ResponseEncoder struct{ MessageEncoder }

func NewResponseEncoder(bw *bufio.Writer) *ResponseEncoder {
	return &ResponseEncoder{MessageEncoder{bw: bw}}
}

func (re *ResponseEncoder) EncodeHead(ver Version, st status.Status, headers *Headers) error {
	if err := re.writeLine(ver.String(), " ", strconv.Itoa(st.Code), " ", st.ReasonPhrase); err != nil {
		return errors.Wrap(err, "encoding status line")
	}
	if err := re.encodeHeaders(headers); err != nil {
		return errors.Wrap(err, "encoding headers")
	}
	return nil
}
