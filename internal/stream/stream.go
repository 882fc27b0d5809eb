// Package stream accepts HTTP/3 request streams on one connection, collects each
// request, hands it to a Handler and drives the response back out.
package stream

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/FumingPower3925/h3stream/internal/h3/transaction"
)

// Stream is one request as seen by a Handler.
type Stream struct {
	ID              uint64
	Headers         [][2]string
	Data            *bytes.Buffer
	EndStream       bool
	ReceivedDataLen int
	ResponseWriter  ResponseWriter
	Priority        Priority
	Opened          time.Time

	tx        *transaction.Transaction
	invalid   error
	handled   bool
	responded bool
	status    int
	blocked   bool
}

var bufferPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func getBuf() *bytes.Buffer {
	b := bufferPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func putBuf(b *bytes.Buffer) {
	if b == nil || b.Cap() > 1<<20 {
		return
	}
	bufferPool.Put(b)
}

// NewStream creates a stream with an empty body buffer.
func NewStream(id uint64) *Stream {
	return &Stream{
		ID:       id,
		Data:     getBuf(),
		Priority: DefaultPriority(),
		Opened:   time.Now(),
	}
}

// Header returns the first value of a request field.
func (s *Stream) Header(name string) string {
	for _, h := range s.Headers {
		if h[0] == name {
			return h[1]
		}
	}
	return ""
}

// GetData returns the buffered request body.
func (s *Stream) GetData() []byte {
	return s.Data.Bytes()
}

// Status returns the response status written for the stream, or 0.
func (s *Stream) Status() int { return s.status }

// Handler processes a complete request.
type Handler interface {
	HandleStream(ctx context.Context, stream *Stream) error
}

// HandlerFunc is an adapter to use functions as stream handlers
type HandlerFunc func(ctx context.Context, stream *Stream) error

// HandleStream calls the handler function
func (f HandlerFunc) HandleStream(ctx context.Context, stream *Stream) error {
	return f(ctx, stream)
}

// ResponseWriter writes the single response of a request stream.
type ResponseWriter interface {
	WriteResponse(streamID uint64, status int, headers [][2]string, body []byte) error
}

// Manager tracks the open request streams of one connection.
type Manager struct {
	streams          map[uint64]*Stream
	lastClientStream uint64
	seenAny          bool
	maxStreams       uint32
}

// NewManager creates a new stream manager
func NewManager(maxStreams uint32) *Manager {
	if maxStreams == 0 {
		maxStreams = 100
	}
	return &Manager{
		streams:    make(map[uint64]*Stream),
		maxStreams: maxStreams,
	}
}

// GetStream returns an open stream.
func (m *Manager) GetStream(id uint64) (*Stream, bool) {
	s, ok := m.streams[id]
	return s, ok
}

// Seen reports whether id was already opened, rejected or closed.
func (m *Manager) Seen(id uint64) bool {
	return m.seenAny && id <= m.lastClientStream
}

// MarkSeen consumes a stream ID without opening it.
func (m *Manager) MarkSeen(id uint64) {
	if !m.seenAny || id > m.lastClientStream {
		m.lastClientStream = id
		m.seenAny = true
	}
}

// TryOpenStream opens a new stream. It returns ErrStreamLimit when the concurrency
// limit is reached; the ID is consumed either way.
func (m *Manager) TryOpenStream(id uint64) (*Stream, error) {
	if err := validateStreamID(id, m.lastClientStream, m.seenAny); err != nil {
		return nil, err
	}
	m.lastClientStream = id
	m.seenAny = true
	if uint32(len(m.streams)) >= m.maxStreams {
		return nil, ErrStreamLimit
	}
	s := NewStream(id)
	m.streams[id] = s
	return s, nil
}

// DeleteStream forgets a stream and recycles its body buffer.
func (m *Manager) DeleteStream(id uint64) {
	s, ok := m.streams[id]
	if !ok {
		return
	}
	delete(m.streams, id)
	putBuf(s.Data)
	s.Data = nil
}

// StreamCount returns the number of open streams.
func (m *Manager) StreamCount() int {
	return len(m.streams)
}

// GetLastStreamID returns the highest client stream ID seen.
func (m *Manager) GetLastStreamID() uint64 {
	return m.lastClientStream
}

// MaxConcurrentStreams returns the open stream limit.
func (m *Manager) MaxConcurrentStreams() uint32 {
	return m.maxStreams
}
