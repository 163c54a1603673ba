package http

type parserState uint8

const (
	stateRequestStart parserState = iota
	stateMethod
	stateRequestTarget
	stateRequestVersion
	stateRequestLineEnding

	stateResponseStart
	stateStatusCode
	stateReasonPhrase
	stateStatusLineEnding

	stateHeaderStart
	stateHeaderName
	stateHeaderValueStart
	stateHeaderValue
	stateHeaderLineEnding
	stateHeadersEnding

	stateFixedBody
	stateFixedBodyEnd
	stateUntilCloseBody

	stateChunkSize
	stateChunkExtensions
	stateChunkSizeEnding
	stateChunkData
	stateChunkDataEnd
	stateChunkDataEnding

	stateWebSocket
	stateDone
)

var stateNames = [...]string{
	stateRequestStart:      "REQUEST_START",
	stateMethod:            "METHOD",
	stateRequestTarget:     "REQUEST_TARGET",
	stateRequestVersion:    "REQUEST_VERSION",
	stateRequestLineEnding: "REQUEST_LINE_ENDING",
	stateResponseStart:     "RESPONSE_START",
	stateStatusCode:        "STATUS_CODE",
	stateReasonPhrase:      "REASON_PHRASE",
	stateStatusLineEnding:  "STATUS_LINE_ENDING",
	stateHeaderStart:       "HEADER_START",
	stateHeaderName:        "HEADER_NAME",
	stateHeaderValueStart:  "HEADER_VALUE_START",
	stateHeaderValue:       "HEADER_VALUE",
	stateHeaderLineEnding:  "HEADER_LINE_ENDING",
	stateHeadersEnding:     "HEADERS_ENDING",
	stateFixedBody:         "FIXED_BODY",
	stateFixedBodyEnd:      "FIXED_BODY_END",
	stateUntilCloseBody:    "UNTIL_CLOSE_BODY",
	stateChunkSize:         "CHUNK_SIZE",
	stateChunkExtensions:   "CHUNK_EXTENSIONS",
	stateChunkSizeEnding:   "CHUNK_SIZE_ENDING",
	stateChunkData:         "CHUNK_DATA",
	stateChunkDataEnd:      "CHUNK_DATA_END",
	stateChunkDataEnding:   "CHUNK_DATA_ENDING",
	stateWebSocket:         "WEBSOCKET",
	stateDone:              "DONE",
}

func (s parserState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

func (s parserState) inHeaderSection() bool {
	return s >= stateHeaderStart && s <= stateHeadersEnding
}
