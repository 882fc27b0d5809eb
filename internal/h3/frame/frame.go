// Package frame provides HTTP/3 frame type definitions, an incremental frame header
// reader and the QPACK header codec.
package frame

import (
	"errors"
	"fmt"

	"github.com/FumingPower3925/h3stream/internal/h3/decode"
	"github.com/quic-go/quic-go/quicvarint"
)

// Type is an HTTP/3 frame type as carried on the wire.
type Type uint64

// HTTP/3 frame type constants (RFC 9114 section 7.2)
const (
	TypeData        Type = 0x0
	TypeHeaders     Type = 0x1
	TypeCancelPush  Type = 0x3
	TypeSettings    Type = 0x4
	TypePushPromise Type = 0x5
	TypeGoAway      Type = 0x7
	TypeMaxPushID   Type = 0xd
)

// Kind is the closed set of frame kinds this package recognizes.
type Kind uint8

// Frame kinds
const (
	KindUnsupported Kind = iota
	KindData
	KindHeaders
	KindCancelPush
	KindSettings
	KindPushPromise
	KindGoAway
	KindMaxPushID
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindHeaders:
		return "HEADERS"
	case KindCancelPush:
		return "CANCEL_PUSH"
	case KindSettings:
		return "SETTINGS"
	case KindPushPromise:
		return "PUSH_PROMISE"
	case KindGoAway:
		return "GOAWAY"
	case KindMaxPushID:
		return "MAX_PUSH_ID"
	default:
		return "UNSUPPORTED"
	}
}

// KindOf maps a wire type to its kind. Unknown types map to KindUnsupported.
func KindOf(t Type) Kind {
	switch t {
	case TypeData:
		return KindData
	case TypeHeaders:
		return KindHeaders
	case TypeCancelPush:
		return KindCancelPush
	case TypeSettings:
		return KindSettings
	case TypePushPromise:
		return KindPushPromise
	case TypeGoAway:
		return KindGoAway
	case TypeMaxPushID:
		return KindMaxPushID
	default:
		return KindUnsupported
	}
}

// Frame describes a frame whose header has been read. The payload follows on the
// stream and is consumed by the caller.
type Frame struct {
	Kind   Kind
	Type   Type
	Length uint64
}

func (f Frame) String() string {
	if f.Kind == KindUnsupported {
		return fmt.Sprintf("UNSUPPORTED(0x%x){len=%d}", uint64(f.Type), f.Length)
	}
	return fmt.Sprintf("%s{len=%d}", f.Kind, f.Length)
}

var (
	// ErrMalformedFrame reports a frame that violates length or fin rules.
	ErrMalformedFrame = errors.New("frame: malformed frame")
	// ErrFrameIncomplete is returned by Frame before a full header was read.
	ErrFrameIncomplete = errors.New("frame: header not complete")
)

// Limits constrains declared frame lengths.
type Limits struct {
	MaxHeadersLength uint64
	MaxDataLength    uint64
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxHeadersLength: 64 * 1024,
		MaxDataLength:    1 << 62,
	}
}

// StreamReader is the read side of a per-stream transport. fin reports that no
// further bytes will arrive after the ones returned.
type StreamReader interface {
	Read(streamID uint64, p []byte) (n int, fin bool, err error)
}

type readerPhase uint8

const (
	phaseType readerPhase = iota
	phaseLength
	phaseDone
)

// HeaderReader reads one frame header (type and length varints) from a stream without
// reading any payload byte.
type HeaderReader struct {
	limits  Limits
	dec     decode.Decoder
	phase   readerPhase
	typ     Type
	length  uint64
	started bool
	scratch [8]byte
}

// NewHeaderReader creates a reader armed for the first frame header.
func NewHeaderReader(limits Limits) *HeaderReader {
	r := &HeaderReader{limits: limits}
	r.Reset()
	return r
}

// Reset arms the reader for the next frame header.
func (r *HeaderReader) Reset() {
	r.phase = phaseType
	r.typ = 0
	r.length = 0
	r.started = false
	r.dec.DecodeVarint()
}

// Receive reads header bytes from the stream until the header is complete or the
// stream has nothing more buffered. It returns whether fin was observed.
func (r *HeaderReader) Receive(sr StreamReader, streamID uint64) (bool, error) {
	for r.phase != phaseDone {
		want := r.dec.MinRemaining()
		n, fin, err := sr.Read(streamID, r.scratch[:want])
		if err != nil {
			return false, err
		}
		if n == 0 {
			return fin, nil
		}
		r.started = true
		res, err := r.dec.Consume(decode.NewCursor(r.scratch[:n]))
		if err != nil {
			return false, err
		}
		if res.Done() {
			switch r.phase {
			case phaseType:
				r.typ = Type(res.Value)
				r.phase = phaseLength
				r.dec.DecodeVarint()
			case phaseLength:
				r.length = res.Value
				r.phase = phaseDone
			}
		}
		if fin {
			return true, nil
		}
	}
	return false, nil
}

// Started reports whether any byte of the current header was read.
func (r *HeaderReader) Started() bool { return r.started }

// Done reports whether a complete frame header was read.
func (r *HeaderReader) Done() bool { return r.phase == phaseDone }

// Frame returns the decoded frame descriptor.
func (r *HeaderReader) Frame() (Frame, error) {
	if r.phase != phaseDone {
		return Frame{}, ErrFrameIncomplete
	}
	f := Frame{Kind: KindOf(r.typ), Type: r.typ, Length: r.length}
	switch f.Kind {
	case KindHeaders:
		if f.Length > r.limits.MaxHeadersLength {
			return Frame{}, fmt.Errorf("%w: HEADERS length %d exceeds %d", ErrMalformedFrame, f.Length, r.limits.MaxHeadersLength)
		}
	case KindData:
		if f.Length > r.limits.MaxDataLength {
			return Frame{}, fmt.Errorf("%w: DATA length %d exceeds %d", ErrMalformedFrame, f.Length, r.limits.MaxDataLength)
		}
	}
	return f, nil
}

// AppendHeader appends a frame header for a payload of the given length.
func AppendHeader(b []byte, t Type, length uint64) []byte {
	b = quicvarint.Append(b, uint64(t))
	return quicvarint.Append(b, length)
}

// HeaderLen returns the encoded size of a frame header.
func HeaderLen(t Type, length uint64) int {
	return quicvarint.Len(uint64(t)) + quicvarint.Len(length)
}
