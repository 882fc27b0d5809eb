// Package mux carries many bidirectional byte streams over one ordered connection.
//
// Each record is a varint stream ID, a flags byte and a varint length-prefixed
// payload. A FIN record ends the sender's direction of a stream; a RESET record
// abandons the stream and carries a varint application error code.
package mux

import (
	"errors"
	"fmt"
	"math"

	"github.com/FumingPower3925/h3stream/internal/h3/decode"
	"github.com/quic-go/quic-go/quicvarint"
)

// Record flags
const (
	FlagFin   byte = 0x1
	FlagReset byte = 0x2
)

var (
	// ErrRecordTooLarge is returned for a record payload above the configured limit.
	ErrRecordTooLarge = errors.New("mux: record payload too large")
	// ErrBadResetPayload is returned when a RESET record does not hold one varint.
	ErrBadResetPayload = errors.New("mux: malformed reset payload")
)

// Record is one unit on the wire.
type Record struct {
	StreamID uint64
	Flags    byte
	Payload  []byte
}

// Fin reports whether the record ends the sender's direction.
func (r Record) Fin() bool { return r.Flags&FlagFin != 0 }

// Reset reports whether the record abandons the stream.
func (r Record) Reset() bool { return r.Flags&FlagReset != 0 }

// ResetCode decodes the error code carried by a RESET record.
func (r Record) ResetCode() (uint64, error) {
	var d decode.Decoder
	d.DecodeVarint()
	c := decode.NewCursor(r.Payload)
	res, err := d.Consume(c)
	if err != nil {
		return 0, err
	}
	if !res.Done() || c.Len() != 0 {
		return 0, ErrBadResetPayload
	}
	return res.Value, nil
}

// AppendRecord appends the wire form of r to b.
func AppendRecord(b []byte, r Record) []byte {
	b = quicvarint.Append(b, r.StreamID)
	b = append(b, r.Flags)
	b = quicvarint.Append(b, uint64(len(r.Payload)))
	return append(b, r.Payload...)
}

// ResetRecord builds a RESET record for streamID carrying code.
func ResetRecord(streamID, code uint64) Record {
	return Record{StreamID: streamID, Flags: FlagReset, Payload: quicvarint.Append(nil, code)}
}

type recordPhase uint8

const (
	phaseStreamID recordPhase = iota
	phaseFlags
	phaseLength
	phasePayload
)

// RecordReader reassembles records from arbitrarily split input.
type RecordReader struct {
	dec        decode.Decoder
	phase      recordPhase
	cur        Record
	maxPayload int
}

// NewRecordReader creates a reader; maxPayload <= 0 disables the size check.
func NewRecordReader(maxPayload int) *RecordReader {
	rr := &RecordReader{maxPayload: maxPayload}
	rr.dec.DecodeVarint()
	return rr
}

// Feed decodes every record completed by data and passes it to fn. Bytes of a
// trailing partial record are kept for the next call.
func (rr *RecordReader) Feed(data []byte, fn func(Record) error) error {
	c := decode.NewCursor(data)
	for c.Len() > 0 {
		res, err := rr.dec.Consume(c)
		if err != nil {
			return err
		}
		if !res.Done() {
			return nil
		}
		switch rr.phase {
		case phaseStreamID:
			rr.cur = Record{StreamID: res.Value}
			rr.phase = phaseFlags
			rr.dec.DecodeUint(1)
		case phaseFlags:
			rr.cur.Flags = byte(res.Value)
			rr.phase = phaseLength
			rr.dec.DecodeVarint()
		case phaseLength:
			// the limit is enforced before any payload is buffered
			if (rr.maxPayload > 0 && res.Value > uint64(rr.maxPayload)) || res.Value > math.MaxInt32 {
				return fmt.Errorf("%w: %d > %d", ErrRecordTooLarge, res.Value, rr.maxPayload)
			}
			if res.Value > 0 {
				rr.phase = phasePayload
				rr.dec.Decode(int(res.Value))
				break
			}
			if err := rr.emit(fn); err != nil {
				return err
			}
		case phasePayload:
			rr.cur.Payload = res.Bytes
			if err := rr.emit(fn); err != nil {
				return err
			}
		}
	}
	return nil
}

func (rr *RecordReader) emit(fn func(Record) error) error {
	rec := rr.cur
	rr.cur = Record{}
	rr.phase = phaseStreamID
	rr.dec.DecodeVarint()
	return fn(rec)
}
