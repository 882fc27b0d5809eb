// Package decode provides a resumable decoder for the integers and buffers that make
// up HTTP/3 and QUIC wire structures.
//
// A Decoder is armed for exactly one value and then fed whatever bytes are currently
// available. Feeding the same input in any number of fragments yields the same value
// as feeding it in one piece.
package decode

import (
	"errors"
	"fmt"
	"math"
)

// ErrIdle is returned by Consume when no decode operation is armed.
var ErrIdle = errors.New("decode: decoder is idle")

// ErrLengthOverflow is returned when a length prefix does not fit in an int.
var ErrLengthOverflow = errors.New("decode: length prefix overflows int")

// maxPrealloc caps the up-front allocation for length-prefixed buffers. Larger
// buffers grow as their bytes arrive.
const maxPrealloc = 4096

type state uint8

const (
	stateIdle state = iota
	stateBeforeVarint
	stateInUint
	stateInBufferLen
	stateInBuffer
	stateIgnoring
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateBeforeVarint:
		return "before-varint"
	case stateInUint:
		return "in-uint"
	case stateInBufferLen:
		return "in-buffer-len"
	case stateInBuffer:
		return "in-buffer"
	case stateIgnoring:
		return "ignoring"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Kind identifies what a call to Consume produced.
type Kind uint8

// Consume outcomes
const (
	InProgress Kind = iota
	Uint
	Buffer
	Ignored
)

// Result is the outcome of one Consume call. Value is set for Uint, Bytes for Buffer.
type Result struct {
	Kind  Kind
	Value uint64
	Bytes []byte
}

// Done reports whether the armed value was completed.
func (r Result) Done() bool { return r.Kind != InProgress }

// Decoder decodes one value at a time from fragmented input.
// The zero value is idle.
type Decoder struct {
	state     state
	value     uint64
	remaining int
	buf       []byte
	nested    *Decoder // length prefix while in stateInBufferLen
}

// Decode arms the decoder for n raw bytes. It panics if n is negative.
func (d *Decoder) Decode(n int) {
	if n < 0 {
		panic(fmt.Sprintf("decode: negative length %d", n))
	}
	d.reset()
	d.state = stateInBuffer
	d.remaining = n
	d.buf = make([]byte, 0, min(n, maxPrealloc))
}

// DecodeUint arms the decoder for an n-byte big-endian unsigned integer.
// It panics if n is greater than 8.
func (d *Decoder) DecodeUint(n int) {
	if n < 0 || n > 8 {
		panic(fmt.Sprintf("decode: uint width %d out of range", n))
	}
	d.reset()
	d.state = stateInUint
	d.remaining = n
}

// DecodeVarint arms the decoder for a QUIC variable-length integer.
func (d *Decoder) DecodeVarint() {
	d.reset()
	d.state = stateBeforeVarint
}

// DecodeVec arms the decoder for an n-byte length prefix followed by that many bytes.
func (d *Decoder) DecodeVec(n int) {
	inner := &Decoder{}
	inner.DecodeUint(n)
	d.reset()
	d.state = stateInBufferLen
	d.nested = inner
}

// DecodeVVec arms the decoder for a varint length prefix followed by that many bytes.
func (d *Decoder) DecodeVVec() {
	inner := &Decoder{}
	inner.DecodeVarint()
	d.reset()
	d.state = stateInBufferLen
	d.nested = inner
}

// Ignore arms the decoder to skip n bytes. It panics if n is negative.
func (d *Decoder) Ignore(n int) {
	if n < 0 {
		panic(fmt.Sprintf("decode: negative skip %d", n))
	}
	d.reset()
	d.state = stateIgnoring
	d.remaining = n
}

// Idle reports whether no value is armed.
func (d *Decoder) Idle() bool { return d.state == stateIdle }

// MinRemaining returns a lower bound on the bytes needed to finish the armed value.
// Reading at most this many bytes never over-reads past the value.
func (d *Decoder) MinRemaining() int {
	switch d.state {
	case stateBeforeVarint:
		return 1
	case stateInUint, stateInBuffer, stateIgnoring:
		return d.remaining
	case stateInBufferLen:
		return d.nested.MinRemaining()
	default:
		return 0
	}
}

// Consume advances the armed value using bytes from c. A completed value returns the
// decoder to idle; an incomplete one leaves it armed for the next call.
func (d *Decoder) Consume(c *Cursor) (Result, error) {
	for {
		switch d.state {
		case stateIdle:
			return Result{}, ErrIdle

		case stateBeforeVarint:
			if c.Len() == 0 {
				return Result{Kind: InProgress}, nil
			}
			b := c.next()
			width := 1 << (b >> 6)
			if width == 1 {
				d.reset()
				return Result{Kind: Uint, Value: uint64(b)}, nil
			}
			d.state = stateInUint
			d.value = uint64(b & 0x3f)
			d.remaining = width - 1

		case stateInUint:
			for d.remaining > 0 && c.Len() > 0 {
				d.value = d.value<<8 | uint64(c.next())
				d.remaining--
			}
			if d.remaining > 0 {
				return Result{Kind: InProgress}, nil
			}
			v := d.value
			d.reset()
			return Result{Kind: Uint, Value: v}, nil

		case stateInBufferLen:
			r, err := d.nested.Consume(c)
			if err != nil {
				return Result{}, err
			}
			if !r.Done() {
				return Result{Kind: InProgress}, nil
			}
			if r.Value > math.MaxInt {
				d.reset()
				return Result{}, ErrLengthOverflow
			}
			n := int(r.Value)
			d.nested = nil
			d.state = stateInBuffer
			d.remaining = n
			d.buf = make([]byte, 0, min(n, maxPrealloc))

		case stateInBuffer:
			n := min(d.remaining, c.Len())
			d.buf = append(d.buf, c.take(n)...)
			d.remaining -= n
			if d.remaining > 0 {
				return Result{Kind: InProgress}, nil
			}
			b := d.buf
			d.reset()
			return Result{Kind: Buffer, Bytes: b}, nil

		case stateIgnoring:
			n := min(d.remaining, c.Len())
			c.skip(n)
			d.remaining -= n
			if d.remaining > 0 {
				return Result{Kind: InProgress}, nil
			}
			d.reset()
			return Result{Kind: Ignored}, nil

		default:
			return Result{}, fmt.Errorf("decode: unknown state %s", d.state)
		}
	}
}

func (d *Decoder) reset() {
	d.state = stateIdle
	d.value = 0
	d.remaining = 0
	d.buf = nil
	d.nested = nil
}

// Cursor is a read position over a byte slice.
type Cursor struct {
	b   []byte
	off int
}

// NewCursor returns a cursor positioned at the start of b.
func NewCursor(b []byte) *Cursor {
	return &Cursor{b: b}
}

// Len returns the number of unread bytes.
func (c *Cursor) Len() int { return len(c.b) - c.off }

// Offset returns the number of bytes read so far.
func (c *Cursor) Offset() int { return c.off }

// Rest returns the unread bytes without consuming them.
func (c *Cursor) Rest() []byte { return c.b[c.off:] }

func (c *Cursor) next() byte {
	b := c.b[c.off]
	c.off++
	return b
}

func (c *Cursor) take(n int) []byte {
	s := c.b[c.off : c.off+n]
	c.off += n
	return s
}

func (c *Cursor) skip(n int) { c.off += n }
