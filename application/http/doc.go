// Package http implements the HTTP/1.1 message syntax: an incremental
// pull parser for requests and responses, body framing rules and the
// encoders for message heads.
//
// Reference:
//
// - https://datatracker.ietf.org/doc/html/rfc9110
//
// - https://datatracker.ietf.org/doc/html/rfc9112
package http
