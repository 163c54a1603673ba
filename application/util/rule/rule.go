package rule

// Character classes from RFC 9110 and RFC 9112.
// Lookups are table driven since the parser calls them once per input byte.

var (
	tcharTable [256]bool
	hexTable   [256]int8
)

func init() {
	for c := 0; c < 256; c++ {
		b := byte(c)
		tcharTable[c] = IsAlpha(b) || IsDigit(b) || isTcharSymbol(b)

		switch {
		case IsDigit(b):
			hexTable[c] = int8(b - '0')
		case 'a' <= b && b <= 'f':
			hexTable[c] = int8(b-'a') + 10
		case 'A' <= b && b <= 'F':
			hexTable[c] = int8(b-'A') + 10
		default:
			hexTable[c] = -1
		}
	}
}

func isTcharSymbol(c byte) bool {
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+',
		'-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

func IsAlpha(c byte) bool      { return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') }
func IsUpperAlpha(c byte) bool { return 'A' <= c && c <= 'Z' }
func IsDigit(c byte) bool      { return '0' <= c && c <= '9' }

// IsOWS reports whether c is optional whitespace (SP / HTAB).
func IsOWS(c byte) bool { return c == SP || c == HTAB }

// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.2
func IsTChar(c byte) bool { return tcharTable[c] }

// Reference: https://datatracker.ietf.org/doc/html/rfc5234#appendix-B.1
func IsVChar(c byte) bool { return 0x21 <= c && c <= 0x7E }

// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.5
func IsObsText(c byte) bool { return c >= 0x80 }

// IsFieldVChar reports whether c may appear inside a field value.
func IsFieldVChar(c byte) bool { return IsVChar(c) || IsObsText(c) }

// HexValue returns the value of a HEXDIG, or -1 if c is not one.
func HexValue(c byte) int { return int(hexTable[c]) }

func ToLower(c byte) byte {
	if IsUpperAlpha(c) {
		return c + ('a' - 'A')
	}
	return c
}
