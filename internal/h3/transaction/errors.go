package transaction

import (
	"errors"

	"github.com/FumingPower3925/h3stream/internal/h3/frame"
)

var (
	// ErrMalformedFrame reports a length or fin rule violation. Fatal.
	ErrMalformedFrame = frame.ErrMalformedFrame
	// ErrUnexpectedFrame reports a known frame kind arriving where it is not allowed. Fatal.
	ErrUnexpectedFrame = errors.New("transaction: unexpected frame")
	// ErrUnsupportedFrame reports a frame type outside the recognized set. Fatal.
	ErrUnsupportedFrame = errors.New("transaction: unsupported frame type")
	// ErrHeaderDecode wraps a codec failure on an invalid header block. Fatal.
	ErrHeaderDecode = errors.New("transaction: header block decode failed")
	// ErrRecvClosed is returned by Receive once the receive half is closed.
	ErrRecvClosed = errors.New("transaction: receive side closed")
	// ErrResponseAlreadySet is returned when SetResponse is called twice.
	ErrResponseAlreadySet = errors.New("transaction: response already set")
)
