// Package uri parses HTTP request targets and normalizes their paths.
//
// References:
//   - https://datatracker.ietf.org/doc/html/rfc9112#section-3.2
//   - https://datatracker.ietf.org/doc/html/rfc3986
package uri
