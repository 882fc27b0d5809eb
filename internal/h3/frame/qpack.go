package frame

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/quic-go/qpack"
)

var (
	// ErrTooManyBlocked is returned when decoding would block more streams than allowed.
	ErrTooManyBlocked = errors.New("qpack: too many blocked streams")
	// ErrTruncatedPrefix is returned for a field section shorter than its prefix.
	ErrTruncatedPrefix = errors.New("qpack: truncated field section prefix")
)

// headerBufPool reuses temporary buffers used during QPACK encoding.
var headerBufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// QPACKCodec encodes header blocks with the QPACK static table and decodes incoming
// field sections, reporting a block as blocked while its Required Insert Count is
// ahead of the insert count known to the decoder.
//
// The count compared is the raw encoded prefix value; it is not reconstructed with
// the MaxEntries modulo step, since the codec has no dynamic table capacity. The
// codec never receives encoder stream instructions, so a block that references the
// dynamic table is never truly resolved: after Unblock the retry reaches the
// static-table decoder and fails with a decode error.
type QPACKCodec struct {
	decoder           *qpack.Decoder
	insertCount       uint64
	maxBlockedStreams int
	blocked           map[uint64]uint64 // stream ID -> required insert count
}

// NewQPACKCodec creates a codec that allows at most maxBlockedStreams blocked streams.
func NewQPACKCodec(maxBlockedStreams int) *QPACKCodec {
	return &QPACKCodec{
		decoder:           qpack.NewDecoder(nil),
		maxBlockedStreams: maxBlockedStreams,
		blocked:           make(map[uint64]uint64),
	}
}

// EncodeHeaderBlock encodes headers into a QPACK field section.
func (c *QPACKCodec) EncodeHeaderBlock(headers [][2]string, _ uint64) ([]byte, error) {
	buf, _ := headerBufPool.Get().(*bytes.Buffer)
	if buf == nil {
		buf = new(bytes.Buffer)
	}
	buf.Reset()
	defer headerBufPool.Put(buf)

	enc := qpack.NewEncoder(buf)
	for _, h := range headers {
		if err := enc.WriteField(qpack.HeaderField{Name: h[0], Value: h[1]}); err != nil {
			return nil, fmt.Errorf("qpack encode: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("qpack encode: %w", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// DecodeHeaderBlock decodes a field section. ok is false when the block references
// dynamic table state that has not arrived yet; block is left untouched for a retry.
func (c *QPACKCodec) DecodeHeaderBlock(block []byte, streamID uint64) ([][2]string, bool, error) {
	ric, _, err := readPrefixInt(block, 8)
	if err != nil {
		return nil, false, err
	}
	if ric > c.insertCount {
		if _, already := c.blocked[streamID]; !already && len(c.blocked) >= c.maxBlockedStreams {
			return nil, false, ErrTooManyBlocked
		}
		c.blocked[streamID] = ric
		return nil, false, nil
	}
	delete(c.blocked, streamID)

	fields, err := c.decoder.DecodeFull(block)
	if err != nil {
		return nil, false, fmt.Errorf("qpack decode: %w", err)
	}
	headers := make([][2]string, 0, len(fields))
	for _, f := range fields {
		headers = append(headers, [2]string{f.Name, f.Value})
	}
	return headers, true, nil
}

// Unblock records that the dynamic table now holds insertCount entries and returns
// the streams whose header blocks can be retried, in ascending order. The retry
// fails with a decode error because no dynamic table entries are ever stored.
func (c *QPACKCodec) Unblock(insertCount uint64) []uint64 {
	if insertCount > c.insertCount {
		c.insertCount = insertCount
	}
	var ready []uint64
	for id, ric := range c.blocked {
		if ric <= c.insertCount {
			ready = append(ready, id)
		}
	}
	slices.Sort(ready)
	return ready
}

// Forget drops blocked-stream bookkeeping for a stream that went away.
func (c *QPACKCodec) Forget(streamID uint64) {
	delete(c.blocked, streamID)
}

// BlockedStreams returns the number of streams currently blocked.
func (c *QPACKCodec) BlockedStreams() int { return len(c.blocked) }

// readPrefixInt decodes an RFC 7541 prefix integer using the low n bits of b[0].
func readPrefixInt(b []byte, n uint) (uint64, int, error) {
	if len(b) == 0 {
		return 0, 0, ErrTruncatedPrefix
	}
	mask := uint64(1)<<n - 1
	v := uint64(b[0]) & mask
	if v < mask {
		return v, 1, nil
	}
	var shift uint
	for i := 1; i < len(b); i++ {
		if shift > 56 {
			return 0, 0, fmt.Errorf("qpack: prefix integer overflow")
		}
		v += uint64(b[i]&0x7f) << shift
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, ErrTruncatedPrefix
}
