// Package transaction implements the server side of one HTTP/3 request stream: it
// rebuilds HEADERS and DATA frames from fragmented stream reads, reports them to an
// EventSink, and drains a serialized response into the stream.
package transaction

import (
	"fmt"

	"github.com/FumingPower3925/h3stream/internal/h3/decode"
	"github.com/FumingPower3925/h3stream/internal/h3/frame"
	"github.com/rs/zerolog"
)

// DefaultReadChunk bounds the size of a single DATA read and of each data event.
const DefaultReadChunk = 1024

// Transport is the per-stream byte transport the transaction reads from and writes to.
type Transport interface {
	frame.StreamReader
	Write(streamID uint64, p []byte) (int, error)
	CloseSend(streamID uint64) error
}

// HeaderCodec encodes and decodes header blocks. DecodeHeaderBlock returns ok=false
// when it is blocked on shared compression state; the same block is retried later.
type HeaderCodec interface {
	EncodeHeaderBlock(headers [][2]string, streamID uint64) ([]byte, error)
	DecodeHeaderBlock(block []byte, streamID uint64) (headers [][2]string, ok bool, err error)
}

// EventSink receives one event per header block and per data chunk. Calls must not block.
type EventSink interface {
	Headers(streamID uint64, headers [][2]string, fin bool)
	Data(streamID uint64, data []byte, fin bool)
}

// RecvState is the state of the receive half.
type RecvState int

// Receive states
const (
	RecvWaitingForHeaders RecvState = iota
	RecvReadingHeaders
	RecvBlockedDecodingHeaders
	RecvWaitingForData
	RecvReadingData
	RecvClosed
)

func (s RecvState) String() string {
	switch s {
	case RecvWaitingForHeaders:
		return "waiting-for-headers"
	case RecvReadingHeaders:
		return "reading-headers"
	case RecvBlockedDecodingHeaders:
		return "blocked-decoding-headers"
	case RecvWaitingForData:
		return "waiting-for-data"
	case RecvReadingData:
		return "reading-data"
	case RecvClosed:
		return "closed"
	default:
		return fmt.Sprintf("recv-state(%d)", int(s))
	}
}

// SendState is the state of the send half.
type SendState int

// Send states
const (
	SendInitial SendState = iota
	SendSendingResponse
	SendClosed
)

func (s SendState) String() string {
	switch s {
	case SendInitial:
		return "initial"
	case SendSendingResponse:
		return "sending-response"
	case SendClosed:
		return "closed"
	default:
		return fmt.Sprintf("send-state(%d)", int(s))
	}
}

// Config holds per-transaction settings.
type Config struct {
	Limits    frame.Limits
	ReadChunk int
	Logger    zerolog.Logger
}

// DefaultConfig returns a Config with default limits and a disabled logger.
func DefaultConfig() Config {
	return Config{
		Limits:    frame.DefaultLimits(),
		ReadChunk: DefaultReadChunk,
		Logger:    zerolog.Nop(),
	}
}

// Transaction is the request/response exchange bound to one stream. It is driven
// from a single goroutine and holds no locks.
type Transaction struct {
	streamID  uint64
	sink      EventSink
	log       zerolog.Logger
	readChunk int

	recvState RecvState
	frames    *frame.HeaderReader
	headerDec decode.Decoder // accumulates the header block while RecvReadingHeaders
	headerLen uint64
	scratch   []byte

	// blockedBlock holds the complete header block while RecvBlockedDecodingHeaders.
	blockedBlock []byte
	blockedFin   bool

	dataRemaining uint64

	sendState SendState
	sendBuf   []byte
}

// New creates a transaction for a newly observed stream.
func New(streamID uint64, sink EventSink, cfg Config) *Transaction {
	if cfg.ReadChunk <= 0 {
		cfg.ReadChunk = DefaultReadChunk
	}
	return &Transaction{
		streamID:  streamID,
		sink:      sink,
		log:       cfg.Logger.With().Uint64("stream", streamID).Logger(),
		readChunk: cfg.ReadChunk,
		recvState: RecvWaitingForHeaders,
		frames:    frame.NewHeaderReader(cfg.Limits),
		sendState: SendInitial,
	}
}

// StreamID returns the stream this transaction is bound to.
func (t *Transaction) StreamID() uint64 { return t.streamID }

// RecvState returns the receive half state.
func (t *Transaction) RecvState() RecvState { return t.recvState }

// SendState returns the send half state.
func (t *Transaction) SendState() SendState { return t.sendState }

// Blocked reports whether header decoding waits on the codec.
func (t *Transaction) Blocked() bool { return t.recvState == RecvBlockedDecodingHeaders }

// Done reports whether both halves are closed.
func (t *Transaction) Done() bool {
	return t.recvState == RecvClosed && t.sendState == SendClosed
}

// Receive makes as much receive progress as possible and returns when the transport
// has no more buffered bytes, header decoding is blocked, or the receive half closes.
// Calling Receive on a closed receive half returns ErrRecvClosed.
func (t *Transaction) Receive(tr Transport, codec HeaderCodec) error {
	if t.recvState == RecvClosed {
		return ErrRecvClosed
	}
	for {
		switch t.recvState {
		case RecvWaitingForHeaders, RecvWaitingForData:
			progressed, err := t.receiveFrame(tr)
			if err != nil || !progressed {
				return err
			}

		case RecvReadingHeaders:
			block, fin, complete, err := t.readHeaderBlock(tr)
			if err != nil || !complete {
				return err
			}
			if err := t.decodeHeaders(codec, block, fin); err != nil {
				return err
			}
			if t.recvState == RecvBlockedDecodingHeaders {
				return nil
			}

		case RecvBlockedDecodingHeaders:
			block := t.blockedBlock
			t.blockedBlock = nil
			if err := t.decodeHeaders(codec, block, t.blockedFin); err != nil {
				return err
			}
			if t.recvState == RecvBlockedDecodingHeaders {
				return nil
			}

		case RecvReadingData:
			progressed, err := t.readData(tr)
			if err != nil || !progressed {
				return err
			}

		case RecvClosed:
			return nil
		}
	}
}

// receiveFrame reads the next frame header and dispatches it. It reports whether the
// state machine advanced.
func (t *Transaction) receiveFrame(tr Transport) (bool, error) {
	fin, err := t.frames.Receive(tr, t.streamID)
	if err != nil {
		return false, err
	}
	if !t.frames.Done() {
		if !fin {
			return false, nil
		}
		if t.frames.Started() {
			return false, fmt.Errorf("%w: stream ended inside a frame header", ErrMalformedFrame)
		}
		if t.recvState == RecvWaitingForHeaders {
			return false, fmt.Errorf("%w: stream ended before HEADERS", ErrMalformedFrame)
		}
		// A clean end of stream between frames finishes the body.
		t.sink.Data(t.streamID, []byte{}, true)
		t.setRecvState(RecvClosed)
		return true, nil
	}

	f, err := t.frames.Frame()
	if err != nil {
		return false, err
	}
	t.frames.Reset()
	t.log.Debug().Stringer("frame", f).Bool("fin", fin).Msg("frame header received")

	if f.Kind == frame.KindUnsupported {
		return false, fmt.Errorf("%w: 0x%x", ErrUnsupportedFrame, uint64(f.Type))
	}
	if t.recvState == RecvWaitingForHeaders {
		return true, t.onHeadersFrame(f, fin)
	}
	return true, t.onDataFrame(f, fin)
}

func (t *Transaction) onHeadersFrame(f frame.Frame, fin bool) error {
	if f.Kind != frame.KindHeaders {
		return fmt.Errorf("%w: %s while waiting for HEADERS", ErrUnexpectedFrame, f.Kind)
	}
	if f.Length == 0 {
		t.sink.Headers(t.streamID, [][2]string{}, fin)
		t.finishHeaders(fin)
		return nil
	}
	if fin {
		return fmt.Errorf("%w: fin with %d header bytes outstanding", ErrMalformedFrame, f.Length)
	}
	t.headerLen = f.Length
	t.headerDec.Decode(int(f.Length))
	t.setRecvState(RecvReadingHeaders)
	return nil
}

func (t *Transaction) onDataFrame(f frame.Frame, fin bool) error {
	if f.Kind != frame.KindData {
		return fmt.Errorf("%w: %s while waiting for DATA", ErrUnexpectedFrame, f.Kind)
	}
	if f.Length == 0 {
		if fin {
			t.sink.Data(t.streamID, []byte{}, true)
			t.setRecvState(RecvClosed)
		}
		return nil
	}
	if fin {
		return fmt.Errorf("%w: fin with %d data bytes outstanding", ErrMalformedFrame, f.Length)
	}
	t.dataRemaining = f.Length
	t.setRecvState(RecvReadingData)
	return nil
}

// readHeaderBlock fills the header block buffer. It returns the block, the fin seen
// with its last byte, and whether every declared byte has been buffered.
func (t *Transaction) readHeaderBlock(tr Transport) ([]byte, bool, bool, error) {
	for {
		want := min(t.headerDec.MinRemaining(), t.readChunk)
		if t.scratch == nil {
			t.scratch = make([]byte, t.readChunk)
		}
		n, fin, err := tr.Read(t.streamID, t.scratch[:want])
		if err != nil {
			return nil, false, false, err
		}
		res, err := t.headerDec.Consume(decode.NewCursor(t.scratch[:n]))
		if err != nil {
			return nil, false, false, err
		}
		if res.Kind == decode.Buffer {
			return res.Bytes, fin, true, nil
		}
		if fin {
			return nil, false, false, fmt.Errorf("%w: stream ended after %d of %d header bytes",
				ErrMalformedFrame, t.headerLen-uint64(t.headerDec.MinRemaining()), t.headerLen)
		}
		if n == 0 {
			return nil, false, false, nil
		}
	}
}

// decodeHeaders attempts to decode a complete block. A blocked decode parks the block
// in blockedBlock and leaves the receive half in RecvBlockedDecodingHeaders.
func (t *Transaction) decodeHeaders(codec HeaderCodec, block []byte, fin bool) error {
	headers, ok, err := codec.DecodeHeaderBlock(block, t.streamID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHeaderDecode, err)
	}
	if !ok {
		t.blockedBlock = block
		t.blockedFin = fin
		t.setRecvState(RecvBlockedDecodingHeaders)
		return nil
	}
	t.blockedFin = false
	t.sink.Headers(t.streamID, headers, fin)
	t.finishHeaders(fin)
	return nil
}

func (t *Transaction) finishHeaders(fin bool) {
	t.headerLen = 0
	if fin {
		t.setRecvState(RecvClosed)
	} else {
		t.setRecvState(RecvWaitingForData)
	}
}

// readData performs one bounded read of the current DATA payload and emits it.
func (t *Transaction) readData(tr Transport) (bool, error) {
	chunk := make([]byte, min(t.dataRemaining, uint64(t.readChunk)))
	n, fin, err := tr.Read(t.streamID, chunk)
	if err != nil {
		return false, err
	}
	t.dataRemaining -= uint64(n)
	if fin && t.dataRemaining > 0 {
		return false, fmt.Errorf("%w: stream ended with %d data bytes outstanding", ErrMalformedFrame, t.dataRemaining)
	}
	if n == 0 {
		return false, nil
	}
	t.sink.Data(t.streamID, chunk[:n], fin)
	if t.dataRemaining == 0 {
		if fin {
			t.setRecvState(RecvClosed)
		} else {
			t.setRecvState(RecvWaitingForData)
		}
	}
	return true, nil
}

// ResetReceivingSide abandons the receive half. No further events are emitted.
func (t *Transaction) ResetReceivingSide() {
	t.blockedBlock = nil
	t.headerDec = decode.Decoder{}
	t.dataRemaining = 0
	t.setRecvState(RecvClosed)
}

// SetResponse serializes the response HEADERS frame and, for a non-empty body, one
// DATA frame. It performs no transport I/O.
func (t *Transaction) SetResponse(headers [][2]string, body []byte, codec HeaderCodec) error {
	if t.sendState != SendInitial {
		return ErrResponseAlreadySet
	}
	block, err := codec.EncodeHeaderBlock(headers, t.streamID)
	if err != nil {
		return err
	}
	size := frame.HeaderLen(frame.TypeHeaders, uint64(len(block))) + len(block)
	if len(body) > 0 {
		size += frame.HeaderLen(frame.TypeData, uint64(len(body))) + len(body)
	}
	buf := make([]byte, 0, size)
	buf = frame.AppendHeader(buf, frame.TypeHeaders, uint64(len(block)))
	buf = append(buf, block...)
	if len(body) > 0 {
		buf = frame.AppendHeader(buf, frame.TypeData, uint64(len(body)))
		buf = append(buf, body...)
	}
	t.sendBuf = buf
	t.setSendState(SendSendingResponse)
	return nil
}

// HasDataToSend reports whether serialized response bytes remain unsent.
func (t *Transaction) HasDataToSend() bool {
	return t.sendState == SendSendingResponse && len(t.sendBuf) > 0
}

// Send writes as much of the pending response as the transport accepts in one write.
// The send side is closed once the final byte is accepted.
func (t *Transaction) Send(tr Transport) error {
	if t.sendState != SendSendingResponse {
		return nil
	}
	n, err := tr.Write(t.streamID, t.sendBuf)
	if err != nil {
		return err
	}
	t.sendBuf = t.sendBuf[n:]
	if len(t.sendBuf) > 0 {
		t.log.Debug().Int("written", n).Int("pending", len(t.sendBuf)).Msg("short write")
		return nil
	}
	t.sendBuf = nil
	if err := tr.CloseSend(t.streamID); err != nil {
		return err
	}
	t.setSendState(SendClosed)
	return nil
}

// StopSending abandons the send half and drops any unsent bytes.
func (t *Transaction) StopSending() {
	t.sendBuf = nil
	t.setSendState(SendClosed)
}

func (t *Transaction) setRecvState(s RecvState) {
	if t.recvState == s {
		return
	}
	t.log.Debug().Stringer("from", t.recvState).Stringer("to", s).Msg("recv state")
	t.recvState = s
}

func (t *Transaction) setSendState(s SendState) {
	if t.sendState == s {
		return
	}
	t.log.Debug().Stringer("from", t.sendState).Stringer("to", s).Msg("send state")
	t.sendState = s
}
