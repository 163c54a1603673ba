package rule

import "strings"

// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.2-2
func IsValidToken(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !IsTChar(s[i]) {
			return false
		}
	}
	return true
}

// TrimOWS removes leading and trailing optional whitespace.
func TrimOWS(s string) string {
	return strings.TrimFunc(s, func(r rune) bool { return r == ' ' || r == '\t' })
}

// ContainsToken reports whether a comma separated list contains token,
// compared case-insensitively.
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.1
func ContainsToken(list, token string) bool {
	for list != "" {
		var elem string
		elem, list, _ = strings.Cut(list, ",")
		if strings.EqualFold(TrimOWS(elem), token) {
			return true
		}
	}
	return false
}

// LastToken returns the final element of a comma separated list.
func LastToken(list string) string {
	if idx := strings.LastIndexByte(list, ','); idx >= 0 {
		list = list[idx+1:]
	}
	return TrimOWS(list)
}
