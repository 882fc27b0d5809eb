// Package h3stream provides an HTTP/3 request-stream server carried over TCP by the
// h3stream mux framing.
package h3stream

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/FumingPower3925/h3stream/internal/h3/frame"
	"github.com/FumingPower3925/h3stream/internal/h3/transaction"
	"github.com/FumingPower3925/h3stream/internal/logging"
	"github.com/FumingPower3925/h3stream/internal/mux"
	"github.com/FumingPower3925/h3stream/internal/stream"
	"github.com/FumingPower3925/h3stream/internal/transport"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// Environment overrides applied by LoadConfig.
const (
	EnvAddr        = "H3STREAM_ADDR"
	EnvMetricsAddr = "H3STREAM_METRICS_ADDR"
	EnvMaxStreams  = "H3STREAM_MAX_CONCURRENT_STREAMS"
)

// Config holds the server configuration options.
type Config struct {
	Addr                 string         `toml:"addr"`                   // Server address to bind to
	Multicore            bool           `toml:"multicore"`              // Enable multicore mode for better performance
	NumEventLoop         int            `toml:"num_event_loop"`         // Number of event loops (0 for auto-detect)
	ReusePort            bool           `toml:"reuse_port"`             // Enable SO_REUSEPORT for load balancing
	MaxConnections       uint32         `toml:"max_connections"`        // Maximum concurrent connections
	MaxConcurrentStreams uint32         `toml:"max_concurrent_streams"` // Maximum open request streams per connection
	MaxBlockedStreams    int            `toml:"max_blocked_streams"`    // Streams allowed to wait on the header codec
	MaxHeadersLength     uint64         `toml:"max_headers_length"`     // Largest HEADERS frame payload accepted
	MaxDataLength        uint64         `toml:"max_data_length"`        // Largest DATA frame payload accepted
	ReadChunk            int            `toml:"read_chunk"`             // Bytes pulled from a stream per read
	MaxOutboundBuffered  int            `toml:"max_outbound_buffered"`  // Bytes queued on a connection before sends pause
	MaxRecordPayload     int            `toml:"max_record_payload"`     // Largest mux record payload in either direction
	TickIntervalMS       int            `toml:"tick_interval_ms"`       // How often stalled responses are retried
	Compress             bool           `toml:"compress"`               // Brotli-encode responses for clients that accept br
	CompressMinSize      int            `toml:"compress_min_size"`      // Smallest body considered for brotli
	MetricsAddr          string         `toml:"metrics_addr"`           // Prometheus listener, empty to disable
	Log                  logging.Config `toml:"log"`
	Logger               zerolog.Logger `toml:"-"` // Logger for server events
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	limits := frame.DefaultLimits()
	sess := mux.DefaultConfig()
	return Config{
		Addr:                 ":8443",
		Multicore:            true,
		NumEventLoop:         0, // Auto-detect
		ReusePort:            true,
		MaxConnections:       10000,
		MaxConcurrentStreams: 100,
		MaxBlockedStreams:    16,
		MaxHeadersLength:     limits.MaxHeadersLength,
		MaxDataLength:        limits.MaxDataLength,
		ReadChunk:            transaction.DefaultReadChunk,
		MaxOutboundBuffered:  sess.MaxOutboundBuffered,
		MaxRecordPayload:     sess.MaxRecordPayload,
		TickIntervalMS:       10,
		Compress:             true,
		CompressMinSize:      1024,
		Log:                  logging.DefaultConfig(),
		Logger:               zerolog.Nop(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = def.Addr
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = def.MaxConcurrentStreams
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = def.MaxConnections
	}
	if c.MaxHeadersLength == 0 {
		c.MaxHeadersLength = def.MaxHeadersLength
	}
	if c.MaxDataLength == 0 {
		c.MaxDataLength = def.MaxDataLength
	}
	if c.ReadChunk <= 0 {
		c.ReadChunk = def.ReadChunk
	}
	if c.MaxRecordPayload <= 0 {
		c.MaxRecordPayload = def.MaxRecordPayload
	}
	if c.MaxOutboundBuffered <= 0 {
		c.MaxOutboundBuffered = def.MaxOutboundBuffered
	}
	if c.TickIntervalMS <= 0 {
		c.TickIntervalMS = def.TickIntervalMS
	}
	if c.CompressMinSize < 0 {
		return fmt.Errorf("compress_min_size must not be negative, got %d", c.CompressMinSize)
	}
	if c.MaxBlockedStreams < 0 {
		return fmt.Errorf("max_blocked_streams must not be negative, got %d", c.MaxBlockedStreams)
	}
	if c.NumEventLoop < 0 {
		return fmt.Errorf("num_event_loop must not be negative, got %d", c.NumEventLoop)
	}
	if c.MaxOutboundBuffered < c.MaxRecordPayload {
		return errors.New("max_outbound_buffered must be at least max_record_payload")
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// LoadConfig reads a TOML file over the defaults and applies environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from H3STREAM_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvAddr)); v != "" {
		c.Addr = v
	}
	if v, ok := os.LookupEnv(EnvMetricsAddr); ok {
		c.MetricsAddr = strings.TrimSpace(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvMaxStreams)); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxStreams, err)
		}
		c.MaxConcurrentStreams = uint32(n)
	}
	c.Log.ApplyEnv()
	return nil
}

func (c Config) transportConfig(obs stream.Observer) transport.Config {
	txCfg := transaction.DefaultConfig()
	txCfg.Limits = frame.Limits{MaxHeadersLength: c.MaxHeadersLength, MaxDataLength: c.MaxDataLength}
	txCfg.ReadChunk = c.ReadChunk
	txCfg.Logger = c.Logger

	streamCfg := stream.DefaultConfig()
	streamCfg.MaxConcurrentStreams = c.MaxConcurrentStreams
	streamCfg.MaxBlockedStreams = c.MaxBlockedStreams
	streamCfg.Transaction = txCfg
	if obs != nil {
		streamCfg.Observer = obs
	}

	return transport.Config{
		Addr:           c.Addr,
		Multicore:      c.Multicore,
		NumEventLoop:   c.NumEventLoop,
		ReusePort:      c.ReusePort,
		MaxConnections: c.MaxConnections,
		TickInterval:   time.Duration(c.TickIntervalMS) * time.Millisecond,
		Session: mux.Config{
			MaxOutboundBuffered: c.MaxOutboundBuffered,
			MaxRecordPayload:    c.MaxRecordPayload,
		},
		Stream: streamCfg,
		Logger: c.Logger,
	}
}
