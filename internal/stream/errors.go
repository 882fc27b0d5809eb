package stream

import (
	"errors"

	"github.com/FumingPower3925/h3stream/internal/h3/frame"
	"github.com/FumingPower3925/h3stream/internal/h3/transaction"
)

// HTTP/3 application error codes used when resetting request streams.
const (
	CodeNoError                  uint64 = 0x100
	CodeGeneralProtocolError     uint64 = 0x101
	CodeInternalError            uint64 = 0x102
	CodeStreamCreationError      uint64 = 0x103
	CodeFrameUnexpected          uint64 = 0x105
	CodeFrameError               uint64 = 0x106
	CodeRequestRejected          uint64 = 0x10b
	CodeRequestCancelled         uint64 = 0x10c
	CodeMessageError             uint64 = 0x10e
	CodeQPACKDecompressionFailed uint64 = 0x200
)

var (
	// ErrStreamLimit is returned when a new stream would exceed MaxConcurrentStreams.
	ErrStreamLimit = errors.New("stream: concurrent stream limit reached")
	// ErrNoResponse is returned when a handler finished without writing a response.
	ErrNoResponse = errors.New("stream: handler wrote no response")
	// ErrStreamID is wrapped when a peer opens a stream it is not allowed to open.
	ErrStreamID = errors.New("stream: invalid stream ID")
)

// ErrorCode maps a stream-level failure to the code sent in the stream reset.
func ErrorCode(err error) uint64 {
	switch {
	case err == nil:
		return CodeNoError
	case errors.Is(err, transaction.ErrUnexpectedFrame), errors.Is(err, transaction.ErrUnsupportedFrame):
		return CodeFrameUnexpected
	case errors.Is(err, frame.ErrMalformedFrame):
		return CodeFrameError
	case errors.Is(err, transaction.ErrHeaderDecode):
		return CodeQPACKDecompressionFailed
	case errors.Is(err, ErrInvalidRequest):
		return CodeMessageError
	case errors.Is(err, ErrStreamID):
		return CodeStreamCreationError
	case errors.Is(err, ErrStreamLimit):
		return CodeRequestRejected
	default:
		return CodeInternalError
	}
}

// isStreamError reports whether err is confined to one stream. Anything else comes
// from the connection and ends it.
func isStreamError(err error) bool {
	return errors.Is(err, transaction.ErrUnexpectedFrame) ||
		errors.Is(err, transaction.ErrUnsupportedFrame) ||
		errors.Is(err, frame.ErrMalformedFrame) ||
		errors.Is(err, transaction.ErrHeaderDecode) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrStreamID)
}
