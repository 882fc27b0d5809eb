package mux

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var (
	// ErrStreamReset is returned by Read on a stream the peer reset.
	ErrStreamReset = errors.New("mux: stream reset by peer")
	// ErrDataAfterFin is returned when a peer sends on a direction it already finished.
	ErrDataAfterFin = errors.New("mux: data after fin")
	// ErrSendClosed is returned by Write after CloseSend or ResetStream.
	ErrSendClosed = errors.New("mux: send side closed")
)

// Outbound is the connection the session writes records to. gnet.Conn satisfies it.
type Outbound interface {
	Write(b []byte) (int, error)
	OutboundBuffered() int
}

// Config bounds session memory use.
type Config struct {
	// MaxOutboundBuffered caps bytes queued on the connection; writes beyond it are refused.
	MaxOutboundBuffered int
	// MaxRecordPayload caps the payload of one record in both directions.
	MaxRecordPayload int
	Logger           zerolog.Logger
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		MaxOutboundBuffered: 256 * 1024,
		MaxRecordPayload:    16 * 1024,
		Logger:              zerolog.Nop(),
	}
}

// Event reports activity on one stream produced by Feed.
type Event struct {
	StreamID uint64
	Reset    bool
	Code     uint64
}

type inboundStream struct {
	buf   []byte
	fin   bool
	reset bool
}

// Session demultiplexes inbound records into per-stream buffers and multiplexes
// outbound stream writes into records. It is not safe for concurrent use.
type Session struct {
	out      Outbound
	cfg      Config
	log      zerolog.Logger
	reader   *RecordReader
	inbound  map[uint64]*inboundStream
	sendDone map[uint64]bool
	scratch  []byte
}

// NewSession creates a session writing to out.
func NewSession(out Outbound, cfg Config) *Session {
	if cfg.MaxRecordPayload <= 0 {
		cfg.MaxRecordPayload = DefaultConfig().MaxRecordPayload
	}
	if cfg.MaxOutboundBuffered <= 0 {
		cfg.MaxOutboundBuffered = DefaultConfig().MaxOutboundBuffered
	}
	return &Session{
		out:      out,
		cfg:      cfg,
		log:      cfg.Logger,
		reader:   NewRecordReader(cfg.MaxRecordPayload),
		inbound:  make(map[uint64]*inboundStream),
		sendDone: make(map[uint64]bool),
	}
}

// Feed consumes connection bytes and returns one event per stream that gained data,
// fin, or a reset, in first-seen order.
func (s *Session) Feed(data []byte) ([]Event, error) {
	var events []Event
	seen := make(map[uint64]int)
	err := s.reader.Feed(data, func(r Record) error {
		in := s.inbound[r.StreamID]
		if in == nil {
			in = &inboundStream{}
			s.inbound[r.StreamID] = in
		}
		ev := Event{StreamID: r.StreamID}
		if r.Reset() {
			code, err := r.ResetCode()
			if err != nil {
				return err
			}
			in.reset = true
			in.buf = nil
			ev.Reset = true
			ev.Code = code
		} else {
			if in.fin && (len(r.Payload) > 0 || r.Fin()) {
				return fmt.Errorf("%w on stream %d", ErrDataAfterFin, r.StreamID)
			}
			in.buf = append(in.buf, r.Payload...)
			in.fin = in.fin || r.Fin()
		}
		if i, ok := seen[r.StreamID]; ok {
			if ev.Reset {
				events[i] = ev
			}
			return nil
		}
		seen[r.StreamID] = len(events)
		events = append(events, ev)
		return nil
	})
	return events, err
}

// Read copies buffered bytes of a stream into p. fin is true once every byte before
// the peer's FIN has been returned.
func (s *Session) Read(streamID uint64, p []byte) (int, bool, error) {
	in := s.inbound[streamID]
	if in == nil {
		return 0, false, nil
	}
	if in.reset {
		return 0, false, ErrStreamReset
	}
	n := copy(p, in.buf)
	in.buf = in.buf[n:]
	if len(in.buf) == 0 {
		in.buf = nil
	}
	return n, in.fin && len(in.buf) == 0, nil
}

// SendBudget returns how many stream bytes Write would accept right now.
func (s *Session) SendBudget() int {
	return max(s.cfg.MaxOutboundBuffered-s.out.OutboundBuffered(), 0)
}

// Write sends up to one record's worth of p, bounded by the send budget. It returns
// the number of bytes accepted, which may be zero.
func (s *Session) Write(streamID uint64, p []byte) (int, error) {
	if s.sendDone[streamID] {
		return 0, ErrSendClosed
	}
	n := min(len(p), s.SendBudget(), s.cfg.MaxRecordPayload)
	if n == 0 {
		return 0, nil
	}
	if err := s.writeRecord(Record{StreamID: streamID, Payload: p[:n]}); err != nil {
		return 0, err
	}
	return n, nil
}

// CloseSend ends the local direction of a stream.
func (s *Session) CloseSend(streamID uint64) error {
	if s.sendDone[streamID] {
		return ErrSendClosed
	}
	s.sendDone[streamID] = true
	return s.writeRecord(Record{StreamID: streamID, Flags: FlagFin})
}

// ResetStream abandons a stream in both directions and tells the peer why.
func (s *Session) ResetStream(streamID, code uint64) error {
	s.sendDone[streamID] = true
	delete(s.inbound, streamID)
	s.log.Debug().Uint64("stream", streamID).Uint64("code", code).Msg("reset stream")
	return s.writeRecord(ResetRecord(streamID, code))
}

// Forget drops all state for a finished stream.
func (s *Session) Forget(streamID uint64) {
	delete(s.inbound, streamID)
	delete(s.sendDone, streamID)
}

// Streams returns the number of streams with inbound state.
func (s *Session) Streams() int { return len(s.inbound) }

func (s *Session) writeRecord(r Record) error {
	s.scratch = AppendRecord(s.scratch[:0], r)
	if _, err := s.out.Write(s.scratch); err != nil {
		return fmt.Errorf("mux write: %w", err)
	}
	return nil
}
