package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/FumingPower3925/h3stream/internal/h3/frame"
	"github.com/FumingPower3925/h3stream/internal/h3/transaction"
	"github.com/rs/zerolog"
)

// Transport is the stream transport of one connection.
type Transport interface {
	transaction.Transport
	ResetStream(streamID, code uint64) error
	Forget(streamID uint64)
}

// Config holds per-connection processor settings.
type Config struct {
	MaxConcurrentStreams uint32
	MaxBlockedStreams    int
	Transaction          transaction.Config
	Logger               zerolog.Logger
	Observer             Observer
}

// DefaultConfig returns the processor defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentStreams: 100,
		MaxBlockedStreams:    16,
		Transaction:          transaction.DefaultConfig(),
		Logger:               zerolog.Nop(),
		Observer:             NopObserver{},
	}
}

// Processor owns the transactions of one connection. It accepts new streams, feeds
// request events into Streams, runs the Handler for complete requests and drains
// responses. It is driven from a single goroutine.
type Processor struct {
	manager *Manager
	handler Handler
	tr      Transport
	codec   *frame.QPACKCodec
	txCfg   transaction.Config
	log     zerolog.Logger
	obs     Observer

	draining bool
}

// NewProcessor creates a new stream processor
func NewProcessor(handler Handler, tr Transport, cfg Config) *Processor {
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.MaxBlockedStreams < 0 {
		cfg.MaxBlockedStreams = 0
	}
	cfg.Transaction.Logger = cfg.Logger
	return &Processor{
		manager: NewManager(cfg.MaxConcurrentStreams),
		handler: handler,
		tr:      tr,
		codec:   frame.NewQPACKCodec(cfg.MaxBlockedStreams),
		txCfg:   cfg.Transaction,
		log:     cfg.Logger,
		obs:     cfg.Observer,
	}
}

// GetManager returns the stream manager.
func (p *Processor) GetManager() *Manager {
	return p.manager
}

// OnStreamReadable drives a stream that has new inbound bytes, opening it first if it
// is new. Stream-level failures reset the stream; the returned error is fatal for the
// whole connection.
func (p *Processor) OnStreamReadable(ctx context.Context, streamID uint64) error {
	s, ok := p.manager.GetStream(streamID)
	if !ok {
		if p.manager.Seen(streamID) {
			// Late bytes for a stream that was already reset or finished.
			p.tr.Forget(streamID)
			return nil
		}
		if p.draining {
			p.manager.MarkSeen(streamID)
			p.obs.StreamRejected(streamID)
			return p.resetUnopened(streamID, ErrStreamLimit)
		}
		var err error
		s, err = p.manager.TryOpenStream(streamID)
		if err != nil {
			if errors.Is(err, ErrStreamLimit) {
				p.obs.StreamRejected(streamID)
			}
			return p.resetUnopened(streamID, err)
		}
		s.tx = transaction.New(streamID, p, p.txCfg)
		s.ResponseWriter = p
		p.obs.StreamOpened(streamID)
		p.log.Debug().Uint64("stream", streamID).Int("open", p.manager.StreamCount()).Msg("stream opened")
	}
	return p.drive(ctx, s)
}

// OnStreamReset abandons a stream the peer reset.
func (p *Processor) OnStreamReset(streamID, code uint64) {
	s, ok := p.manager.GetStream(streamID)
	if ok {
		p.abort(s)
		p.obs.StreamReset(streamID, code)
		p.log.Debug().Uint64("stream", streamID).Uint64("code", code).Msg("stream reset by peer")
	}
	p.tr.Forget(streamID)
}

// Unblock tells the header codec that insertCount dynamic table entries are now known
// and resumes every stream whose header block it was waiting for.
func (p *Processor) Unblock(ctx context.Context, insertCount uint64) error {
	for _, id := range p.codec.Unblock(insertCount) {
		s, ok := p.manager.GetStream(id)
		if !ok {
			p.codec.Forget(id)
			continue
		}
		if err := p.drive(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Flush retries the sends of every stream with response bytes still pending, most
// urgent first.
func (p *Processor) Flush() error {
	for _, id := range p.pendingStreams() {
		s, ok := p.manager.GetStream(id)
		if !ok {
			continue
		}
		if err := p.flushStream(s); err != nil {
			return err
		}
	}
	return nil
}

// HasPendingOutput reports whether any response bytes wait for send budget.
func (p *Processor) HasPendingOutput() bool {
	for _, s := range p.manager.streams {
		if s.tx.HasDataToSend() {
			return true
		}
	}
	return false
}

// Drain stops accepting new streams. Streams already open run to completion.
func (p *Processor) Drain() {
	p.draining = true
}

// Close abandons every open stream without writing anything. Observers see each
// one reset with CodeRequestCancelled.
func (p *Processor) Close() {
	for _, s := range p.manager.streams {
		p.abort(s)
		p.obs.StreamReset(s.ID, CodeRequestCancelled)
	}
}

// Headers implements transaction.EventSink.
func (p *Processor) Headers(streamID uint64, headers [][2]string, fin bool) {
	s, ok := p.manager.GetStream(streamID)
	if !ok {
		return
	}
	s.Headers = headers
	s.blocked = false
	s.invalid = validateRequestHeaders(headers)
	s.Priority = ParsePriority(s.Header("priority"))
	if fin {
		s.EndStream = true
		if s.invalid == nil {
			s.invalid = validateContentLength(headers, 0)
		}
	}
}

// Data implements transaction.EventSink.
func (p *Processor) Data(streamID uint64, data []byte, fin bool) {
	s, ok := p.manager.GetStream(streamID)
	if !ok {
		return
	}
	_, _ = s.Data.Write(data)
	s.ReceivedDataLen += len(data)
	if fin {
		s.EndStream = true
		if s.invalid == nil {
			s.invalid = validateContentLength(s.Headers, s.ReceivedDataLen)
		}
	}
}

// WriteResponse sets the response of a stream. Bytes go out on the next drive or Flush.
func (p *Processor) WriteResponse(streamID uint64, status int, headers [][2]string, body []byte) error {
	s, ok := p.manager.GetStream(streamID)
	if !ok {
		return fmt.Errorf("stream %d is not open", streamID)
	}
	if s.responded {
		return transaction.ErrResponseAlreadySet
	}
	if status < 200 || status > 599 {
		return fmt.Errorf("invalid response status %d", status)
	}
	if err := validateResponseHeaders(headers); err != nil {
		return err
	}
	fields := make([][2]string, 0, len(headers)+1)
	fields = append(fields, [2]string{":status", strconv.Itoa(status)})
	fields = append(fields, headers...)
	if err := s.tx.SetResponse(fields, body, p.codec); err != nil {
		return err
	}
	s.responded = true
	s.status = status
	return nil
}

func (p *Processor) drive(ctx context.Context, s *Stream) error {
	if s.tx.RecvState() != transaction.RecvClosed {
		if err := s.tx.Receive(p.tr, p.codec); err != nil {
			return p.fail(s, err)
		}
		if s.invalid != nil {
			return p.fail(s, s.invalid)
		}
		if s.tx.Blocked() && !s.blocked {
			s.blocked = true
			p.obs.HeadersBlocked(s.ID)
			p.log.Debug().Uint64("stream", s.ID).Msg("header block blocked")
		}
	}
	if s.EndStream && !s.handled {
		p.handle(ctx, s)
	}
	return p.flushStream(s)
}

// handle runs the handler once per request. A handler that fails or writes nothing
// produces a 500 response.
func (p *Processor) handle(ctx context.Context, s *Stream) {
	s.handled = true
	err := p.invoke(ctx, s)
	if s.responded {
		if err != nil {
			p.log.Warn().Err(err).Uint64("stream", s.ID).Msg("handler error after response")
		}
		return
	}
	if err == nil {
		err = ErrNoResponse
	}
	p.log.Error().Err(err).Uint64("stream", s.ID).Msg("handler failed")
	body := []byte("Internal Server Error")
	if werr := p.WriteResponse(s.ID, 500, [][2]string{
		{"content-type", "text/plain; charset=utf-8"},
		{"content-length", strconv.Itoa(len(body))},
	}, body); werr != nil {
		p.log.Error().Err(werr).Uint64("stream", s.ID).Msg("write fallback response")
	}
}

func (p *Processor) invoke(ctx context.Context, s *Stream) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.HandleStream(ctx, s)
}

func (p *Processor) flushStream(s *Stream) error {
	if s.tx.HasDataToSend() {
		if err := s.tx.Send(p.tr); err != nil {
			return err
		}
	}
	if s.tx.Done() {
		p.obs.StreamCompleted(s.ID, s.status, time.Since(s.Opened))
		p.codec.Forget(s.ID)
		p.manager.DeleteStream(s.ID)
		p.tr.Forget(s.ID)
	}
	return nil
}

// fail resets a stream for a stream-level error and returns any other error.
func (p *Processor) fail(s *Stream, err error) error {
	if !isStreamError(err) {
		return err
	}
	code := ErrorCode(err)
	p.log.Debug().Err(err).Uint64("stream", s.ID).Uint64("code", code).Msg("resetting stream")
	p.abort(s)
	p.obs.StreamReset(s.ID, code)
	if rerr := p.tr.ResetStream(s.ID, code); rerr != nil {
		return rerr
	}
	p.tr.Forget(s.ID)
	return nil
}

func (p *Processor) resetUnopened(streamID uint64, err error) error {
	code := ErrorCode(err)
	p.log.Debug().Err(err).Uint64("stream", streamID).Uint64("code", code).Msg("refusing stream")
	if rerr := p.tr.ResetStream(streamID, code); rerr != nil {
		return rerr
	}
	p.tr.Forget(streamID)
	return nil
}

func (p *Processor) abort(s *Stream) {
	s.tx.ResetReceivingSide()
	s.tx.StopSending()
	p.codec.Forget(s.ID)
	p.manager.DeleteStream(s.ID)
}

func (p *Processor) pendingStreams() []uint64 {
	var ids []uint64
	for id, s := range p.manager.streams {
		if s.tx.HasDataToSend() {
			ids = append(ids, id)
		}
	}
	sendOrder(ids, func(id uint64) Priority { return p.manager.streams[id].Priority })
	return ids
}
