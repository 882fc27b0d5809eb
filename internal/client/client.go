// Package client sends HTTP/3 requests to an h3stream server over one TCP
// connection using the mux framing.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/FumingPower3925/h3stream/internal/h3/frame"
	"github.com/FumingPower3925/h3stream/internal/mux"
	"github.com/quic-go/quic-go/quicvarint"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client: connection closed")
	// ErrMalformedResponse is returned when a response stream does not parse.
	ErrMalformedResponse = errors.New("client: malformed response")
)

// StreamError reports a request stream the server reset.
type StreamError struct {
	StreamID uint64
	Code     uint64
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("client: stream %d reset with code 0x%x", e.StreamID, e.Code)
}

// Config tunes a client connection.
type Config struct {
	DialTimeout      time.Duration
	MaxRecordPayload int
	Logger           zerolog.Logger
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout:      5 * time.Second,
		MaxRecordPayload: mux.DefaultConfig().MaxRecordPayload,
		Logger:           zerolog.Nop(),
	}
}

// Request is one request to send. Scheme defaults to https and Authority to the
// dialed address.
type Request struct {
	Method    string
	Path      string
	Scheme    string
	Authority string
	Header    [][2]string
	Body      []byte
}

// Response is a complete response.
type Response struct {
	StreamID uint64
	Status   int
	Header   [][2]string
	Body     []byte
}

// Get returns the first value of a response header.
func (r *Response) Get(name string) string {
	for _, h := range r.Header {
		if h[0] == name {
			return h[1]
		}
	}
	return ""
}

// Client is a single connection. Requests are serialized; DoAll sends a batch
// on concurrent streams.
type Client struct {
	cfg    Config
	addr   string
	conn   net.Conn
	log    zerolog.Logger
	mu     sync.Mutex
	rr     *mux.RecordReader
	codec  *frame.QPACKCodec
	nextID uint64
	buf    []byte
	closed bool
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	if cfg.MaxRecordPayload <= 0 {
		cfg.MaxRecordPayload = DefaultConfig().MaxRecordPayload
	}
	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{
		cfg:   cfg,
		addr:  addr,
		conn:  conn,
		log:   cfg.Logger.With().Str("component", "client").Str("addr", addr).Logger(),
		rr:    mux.NewRecordReader(0),
		codec: frame.NewQPACKCodec(0),
		buf:   make([]byte, 32*1024),
	}, nil
}

// Do sends one request and waits for its response.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	resps, err := c.DoAll(ctx, []Request{req})
	if err != nil {
		return nil, err
	}
	return resps[0], nil
}

// DoAll opens one stream per request, sends them all and waits for every
// response. Responses are returned in request order.
func (c *Client) DoAll(ctx context.Context, reqs []Request) ([]*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}

	ids := make([]uint64, len(reqs))
	var wire []byte
	for i, req := range reqs {
		ids[i] = c.nextID
		c.nextID += 4
		var err error
		wire, err = c.appendRequest(wire, ids[i], req)
		if err != nil {
			return nil, err
		}
	}
	if _, err := c.conn.Write(wire); err != nil {
		return nil, fmt.Errorf("write requests: %w", err)
	}

	raw, err := c.readStreams(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*Response, len(reqs))
	for i, id := range ids {
		resp, err := c.parseResponse(id, raw[id])
		if err != nil {
			return nil, err
		}
		out[i] = resp
	}
	return out, nil
}

func (c *Client) appendRequest(wire []byte, id uint64, req Request) ([]byte, error) {
	scheme, authority := req.Scheme, req.Authority
	if scheme == "" {
		scheme = "https"
	}
	if authority == "" {
		authority = c.addr
	}
	fields := [][2]string{
		{":method", req.Method},
		{":scheme", scheme},
		{":authority", authority},
		{":path", req.Path},
	}
	fields = append(fields, req.Header...)
	if len(req.Body) > 0 {
		fields = append(fields, [2]string{"content-length", strconv.Itoa(len(req.Body))})
	}
	block, err := c.codec.EncodeHeaderBlock(fields, id)
	if err != nil {
		return nil, err
	}

	payload := frame.AppendHeader(nil, frame.TypeHeaders, uint64(len(block)))
	payload = append(payload, block...)
	if len(req.Body) > 0 {
		payload = frame.AppendHeader(payload, frame.TypeData, uint64(len(req.Body)))
		payload = append(payload, req.Body...)
	}

	for len(payload) > c.cfg.MaxRecordPayload {
		wire = mux.AppendRecord(wire, mux.Record{StreamID: id, Payload: payload[:c.cfg.MaxRecordPayload]})
		payload = payload[c.cfg.MaxRecordPayload:]
	}
	return mux.AppendRecord(wire, mux.Record{StreamID: id, Flags: mux.FlagFin, Payload: payload}), nil
}

func (c *Client) readStreams(ctx context.Context, ids []uint64) (map[uint64][]byte, error) {
	raw := make(map[uint64][]byte, len(ids))
	pending := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}

	onRecord := func(r mux.Record) error {
		if !pending[r.StreamID] {
			c.log.Debug().Uint64("stream", r.StreamID).Msg("record for unknown stream")
			return nil
		}
		if r.Reset() {
			code, err := r.ResetCode()
			if err != nil {
				return err
			}
			return &StreamError{StreamID: r.StreamID, Code: code}
		}
		raw[r.StreamID] = append(raw[r.StreamID], r.Payload...)
		if r.Fin() {
			delete(pending, r.StreamID)
		}
		return nil
	}

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			if ferr := c.rr.Feed(c.buf[:n], onRecord); ferr != nil {
				return nil, ferr
			}
		}
		if err != nil && len(pending) > 0 {
			return nil, fmt.Errorf("read responses: %w", err)
		}
	}
	return raw, nil
}

func (c *Client) parseResponse(id uint64, b []byte) (*Response, error) {
	resp := &Response{StreamID: id}
	sawHeaders := false
	for len(b) > 0 {
		typ, n, err := quicvarint.Parse(b)
		if err != nil {
			return nil, fmt.Errorf("%w: frame type: %v", ErrMalformedResponse, err)
		}
		b = b[n:]
		length, n, err := quicvarint.Parse(b)
		if err != nil || uint64(len(b)-n) < length {
			return nil, fmt.Errorf("%w: truncated frame", ErrMalformedResponse)
		}
		payload := b[n : n+int(length)]
		b = b[n+int(length):]

		switch frame.Type(typ) {
		case frame.TypeHeaders:
			fields, ok, err := c.codec.DecodeHeaderBlock(payload, id)
			if err != nil || !ok {
				return nil, fmt.Errorf("%w: header block: %v", ErrMalformedResponse, err)
			}
			for _, f := range fields {
				if f[0] == ":status" {
					resp.Status, err = strconv.Atoi(f[1])
					if err != nil {
						return nil, fmt.Errorf("%w: status %q", ErrMalformedResponse, f[1])
					}
					continue
				}
				resp.Header = append(resp.Header, f)
			}
			sawHeaders = true
		case frame.TypeData:
			if !sawHeaders {
				return nil, fmt.Errorf("%w: data before headers", ErrMalformedResponse)
			}
			resp.Body = append(resp.Body, payload...)
		}
	}
	if !sawHeaders {
		return nil, fmt.Errorf("%w: no headers", ErrMalformedResponse)
	}
	c.codec.Forget(id)
	return resp, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
