package uri

import (
	"strings"

	"github.com/3redronin/mu-server/application/util/rule"
	"github.com/pkg/errors"
)

// Form is the shape of a request target.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-3.2
type Form uint8

const (
	OriginForm Form = iota
	AbsoluteForm
	AuthorityForm
	AsteriskForm
)

func (f Form) String() string {
	switch f {
	case OriginForm:
		return "origin-form"
	case AbsoluteForm:
		return "absolute-form"
	case AuthorityForm:
		return "authority-form"
	case AsteriskForm:
		return "asterisk-form"
	}
	return "unknown"
}

// Target is a parsed request target. Path is normalized; the raw
// percent-encoding is kept as received.
type Target struct {
	Form      Form
	Scheme    string
	Authority string
	Path      string
	RawQuery  string
	HasQuery  bool
}

// RequestURI returns the path and query in origin-form.
func (t Target) RequestURI() string {
	if t.Form == AsteriskForm {
		return "*"
	}
	if t.HasQuery {
		return t.Path + "?" + t.RawQuery
	}
	return t.Path
}

// ParseTarget parses the request-target of a request line.
func ParseTarget(raw string) (Target, error) {
	if raw == "" {
		return Target{}, errors.New("empty request target")
	}
	if err := assertValidChars(raw); err != nil {
		return Target{}, err
	}

	switch {
	case raw == "*":
		return Target{Form: AsteriskForm, Path: "*"}, nil
	case raw[0] == '/':
		path, query, hasQuery := splitQuery(raw)
		return Target{
			Form:     OriginForm,
			Path:     Normalize(path),
			RawQuery: query,
			HasQuery: hasQuery,
		}, nil
	}

	if scheme, rest, found := strings.Cut(raw, "://"); found {
		if !isValidScheme(scheme) {
			return Target{}, errors.Errorf("invalid scheme %q", scheme)
		}
		authority, pathQuery := rest, ""
		if idx := strings.IndexAny(rest, "/?"); idx >= 0 {
			authority, pathQuery = rest[:idx], rest[idx:]
		}
		if authority == "" {
			return Target{}, errors.New("absolute-form target without authority")
		}
		path, query, hasQuery := splitQuery(pathQuery)
		return Target{
			Form:      AbsoluteForm,
			Scheme:    strings.ToLower(scheme),
			Authority: authority,
			Path:      Normalize(path),
			RawQuery:  query,
			HasQuery:  hasQuery,
		}, nil
	}

	// authority-form is host:port, used by CONNECT.
	host, port, found := strings.Cut(raw, ":")
	if !found || host == "" || port == "" || strings.ContainsAny(raw, "/?@") {
		return Target{}, errors.Errorf("malformed request target %q", raw)
	}
	for i := 0; i < len(port); i++ {
		if !rule.IsDigit(port[i]) {
			return Target{}, errors.Errorf("invalid port in %q", raw)
		}
	}
	return Target{Form: AuthorityForm, Authority: raw, Path: "/"}, nil
}

// Normalize removes dot segments and guarantees a leading slash.
func Normalize(path string) string {
	if path == "" {
		return "/"
	}
	out := RemoveDotSegments(path)
	if out == "" || out[0] != '/' {
		out = "/" + out
	}
	return out
}

// Reference: https://datatracker.ietf.org/doc/html/rfc3986#section-5.2.4
func RemoveDotSegments(path string) string {
	var out []string

	pop := func() {
		if len(out) > 0 {
			out = out[:len(out)-1]
		}
	}

	for len(path) > 0 {
		var found bool
		if path, found = strings.CutPrefix(path, "../"); found {
			continue
		}
		if path, found = strings.CutPrefix(path, "./"); found {
			continue
		}

		if path, found = strings.CutPrefix(path, "/./"); found {
			path = "/" + path
			continue
		} else if path == "/." {
			path = "/"
			continue
		}

		if path, found = strings.CutPrefix(path, "/../"); found {
			pop()
			path = "/" + path
			continue
		} else if path == "/.." {
			pop()
			path = "/"
			continue
		}

		if path == ".." || path == "." {
			break
		}

		// Move the first segment, with its leading slash, to the output.
		idx := strings.IndexByte(path[1:], '/') + 1
		if idx == 0 {
			idx = len(path)
		}
		out = append(out, path[:idx])
		path = path[idx:]
	}

	return strings.Join(out, "")
}

func splitQuery(s string) (path, query string, hasQuery bool) {
	// Fragments are never sent in a request target, but tolerate them.
	if idx := strings.IndexByte(s, '#'); idx >= 0 {
		s = s[:idx]
	}
	path, query, hasQuery = strings.Cut(s, "?")
	return path, query, hasQuery
}

func assertValidChars(s string) error {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !rule.IsVChar(c) {
			return errors.Errorf("invalid character 0x%02x in request target", c)
		}
		if c == '%' {
			if i+2 >= len(s) || rule.HexValue(s[i+1]) < 0 || rule.HexValue(s[i+2]) < 0 {
				return errors.New("malformed percent-encoding in request target")
			}
			i += 2
		}
	}
	return nil
}

// Reference: https://datatracker.ietf.org/doc/html/rfc3986#section-3.1
func isValidScheme(s string) bool {
	if s == "" || !rule.IsAlpha(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if !(rule.IsAlpha(c) || rule.IsDigit(c) || c == '+' || c == '-' || c == '.') {
			return false
		}
	}
	return true
}
