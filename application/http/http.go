package http

import (
	"strconv"
	"strings"

	"github.com/3redronin/mu-server/application/util/rule"
	"github.com/pkg/errors"
)

// [Major, Minor]
type Version [2]uint

var (
	Version1_0 = Version{1, 0}
	Version1_1 = Version{1, 1}
)

// ParseVersion parses http version text(e.g. "HTTP/1.1") into [Version].
func ParseVersion(s string) (Version, error) {
	rest, found := strings.CutPrefix(s, "HTTP/")
	if !found {
		return Version{}, errors.Errorf("http version prefix not found: %q", s)
	}

	first, second, found := strings.Cut(rest, ".")
	if !found {
		return Version{}, errors.Errorf("dot separator not found on version: %q", s)
	}

	// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-2.3
	if len(first) != 1 || len(second) != 1 || !rule.IsDigit(first[0]) || !rule.IsDigit(second[0]) {
		return Version{}, errors.Errorf("malformed http version: %q", s)
	}

	return Version{uint(first[0] - '0'), uint(second[0] - '0')}, nil
}

func (ver Version) String() string {
	return "HTTP/" + strconv.FormatUint(uint64(ver[0]), 10) + "." + strconv.FormatUint(uint64(ver[1]), 10)
}

// Supported reports whether this package can speak the version.
func (ver Version) Supported() bool {
	return ver == Version1_0 || ver == Version1_1
}

type Field struct{ Name, Value string }

// Headers is an ordered list of fields. Names are stored in lower case.
type Headers struct {
	fields []Field
}

func NewHeaders(fields ...Field) Headers {
	h := Headers{fields: make([]Field, 0, len(fields))}
	for _, f := range fields {
		h.Add(f.Name, f.Value)
	}
	return h
}

func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: strings.ToLower(name), Value: value})
}

// Set replaces every field with the name by a single one.
func (h *Headers) Set(name, value string) {
	h.Del(name)
	h.Add(name, value)
}

func (h *Headers) Del(name string) {
	name = strings.ToLower(name)
	kept := h.fields[:0]
	for _, f := range h.fields {
		if f.Name != name {
			kept = append(kept, f)
		}
	}
	h.fields = kept
}

// Get returns the first value of the field.
func (h *Headers) Get(name string) (value string, ok bool) {
	name = strings.ToLower(name)
	for _, f := range h.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

func (h *Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

func (h *Headers) Values(name string) []string {
	name = strings.ToLower(name)
	var values []string
	for _, f := range h.fields {
		if f.Name == name {
			values = append(values, f.Value)
		}
	}
	return values
}

// ContainsToken reports whether any of the field lines holds token in
// its comma separated list.
func (h *Headers) ContainsToken(name, token string) bool {
	for _, v := range h.Values(name) {
		if rule.ContainsToken(v, token) {
			return true
		}
	}
	return false
}

func (h *Headers) Fields() []Field {
	out := make([]Field, len(h.fields))
	copy(out, h.fields)
	return out
}

func (h *Headers) Len() int { return len(h.fields) }

func (h Headers) Clone() Headers {
	return Headers{fields: h.Fields()}
}

// WantsClose reports whether a message with these headers asks for the
// connection to be closed after it.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-9.3
func (h *Headers) WantsClose(ver Version) bool {
	if h.ContainsToken("connection", "close") {
		return true
	}
	if ver == Version1_0 {
		return !h.ContainsToken("connection", "keep-alive")
	}
	return false
}

// IsWebSocketUpgrade reports whether the message asks to switch to WebSocket.
func (h *Headers) IsWebSocketUpgrade() bool {
	return h.ContainsToken("upgrade", "websocket")
}
