package http

// Event is produced by [MessageParser.Next]. It is one of [HeadersReady],
// [BodyChunk], [EndOfBody] or [EndOfStream].
type Event interface {
	event()
}

// HeadersReady carries a message whose start line and headers are complete.
type HeadersReady struct {
	Message Message
}

// BodyChunk carries body bytes. Data aliases the parser's buffer and is
// only valid until the next call to Next.
//
// Last is set on the final chunk of a fixed length body. [EndOfBody]
// still follows it, as for every other framing.
type BodyChunk struct {
	Data []byte
	Last bool
}

// EndOfBody marks the end of a body, whatever its framing.
type EndOfBody struct{}

// EndOfStream means the source is exhausted between messages.
type EndOfStream struct{}

func (HeadersReady) event() {}
func (BodyChunk) event()    {}
func (EndOfBody) event()    {}
func (EndOfStream) event()  {}
