// Package transport serves HTTP/3 request streams carried by the mux framing over
// TCP connections, using gnet event loops.
package transport

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FumingPower3925/h3stream/internal/mux"
	"github.com/FumingPower3925/h3stream/internal/stream"
	"github.com/panjf2000/gnet/v2"
	"github.com/rs/zerolog"
)

// verboseLogging controls hot-path logging; keep false for performance runs.
const verboseLogging = false

// maxFlushRounds bounds the send work done for one connection per event.
const maxFlushRounds = 64

// ErrNotStarted is returned by Stop before the engine booted.
var ErrNotStarted = errors.New("transport: server not started")

// Config holds server configuration
type Config struct {
	Addr           string
	Multicore      bool
	NumEventLoop   int
	ReusePort      bool
	MaxConnections uint32
	// TickInterval is how often connections with unsent output are woken.
	TickInterval time.Duration
	Session      mux.Config
	Stream       stream.Config
	Logger       zerolog.Logger
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8443",
		Multicore:      true,
		ReusePort:      true,
		MaxConnections: 10000,
		TickInterval:   10 * time.Millisecond,
		Session:        mux.DefaultConfig(),
		Stream:         stream.DefaultConfig(),
		Logger:         zerolog.Nop(),
	}
}

// Server implements the gnet.EventHandler interface
type Server struct {
	gnet.BuiltinEventEngine
	handler     stream.Handler
	cfg         Config
	log         zerolog.Logger
	connections sync.Map // map[gnet.Conn]*Connection
	activeConns atomic.Int32
	ctx         context.Context
	cancel      context.CancelFunc

	engine   gnet.Engine
	started  atomic.Bool
	booted   chan struct{}
	bootOnce sync.Once
}

// NewServer creates a new server with gnet transport
func NewServer(handler stream.Handler, cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = DefaultConfig().MaxConnections
	}
	cfg.Session.Logger = cfg.Logger
	cfg.Stream.Logger = cfg.Logger
	return &Server{
		handler: handler,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "transport").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		booted:  make(chan struct{}),
	}
}

// Start runs the gnet engine and blocks until it stops.
func (s *Server) Start() error {
	numLoops := s.cfg.NumEventLoop
	if numLoops <= 0 {
		numLoops = runtime.NumCPU()
	}
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithNumEventLoop(numLoops),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithTCPKeepAlive(5 * time.Minute),
		gnet.WithLoadBalancing(gnet.RoundRobin),
		gnet.WithTicker(true),
		gnet.WithLogger(newGnetLogger(s.log)),
	}

	s.log.Info().Str("addr", s.cfg.Addr).Bool("multicore", s.cfg.Multicore).Msg("starting server")
	err := gnet.Run(s, "tcp://"+s.cfg.Addr, options...)
	s.closeBooted()
	return err
}

// Ready is closed once the listener accepts connections or Start failed.
func (s *Server) Ready() <-chan struct{} {
	return s.booted
}

// Stop stops accepting streams, lets open streams finish until ctx is done, then
// closes every connection and the engine.
func (s *Server) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	s.log.Info().Msg("initiating graceful shutdown")
	s.cancel()

	s.connections.Range(func(_, v any) bool {
		v.(*Connection).Shutdown()
		return true
	})
	s.waitIdle(ctx)

	s.connections.Range(func(k, _ any) bool {
		_ = k.(gnet.Conn).Close()
		return true
	})

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := s.engine.Stop(stopCtx); err != nil {
		s.log.Error().Err(err).Msg("error stopping gnet engine")
		return err
	}
	s.log.Info().Msg("server shutdown complete")
	return nil
}

func (s *Server) waitIdle(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		idle := true
		s.connections.Range(func(_, v any) bool {
			if v.(*Connection).OpenStreams() > 0 {
				idle = false
				return false
			}
			return true
		})
		if idle {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// OnBoot is called when the server is ready to accept connections
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.started.Store(true)
	s.closeBooted()
	s.log.Info().Str("addr", s.cfg.Addr).Msg("listening")
	return gnet.None
}

// OnOpen is called when a new connection is opened
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	if s.ctx.Err() != nil {
		return nil, gnet.Close
	}
	if n := s.activeConns.Add(1); uint32(n) > s.cfg.MaxConnections {
		s.activeConns.Add(-1)
		s.log.Warn().Str("remote", c.RemoteAddr().String()).Int32("active", n-1).Msg("connection rejected: too many connections")
		return nil, gnet.Close
	}
	conn := NewConnection(c, s.handler, s.cfg)
	s.connections.Store(c, conn)
	if verboseLogging {
		s.log.Debug().Str("remote", c.RemoteAddr().String()).Msg("new connection")
	}
	return nil, gnet.None
}

// OnClose is called when a connection is closed
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if v, ok := s.connections.LoadAndDelete(c); ok {
		v.(*Connection).Close()
		s.activeConns.Add(-1)
	}
	if err != nil {
		s.log.Debug().Err(err).Msg("connection closed with error")
	}
	return gnet.None
}

// OnTraffic is called when data is received on a connection or it was woken
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	v, ok := s.connections.Load(c)
	if !ok {
		s.log.Error().Msg("connection not found in map")
		return gnet.Close
	}
	conn := v.(*Connection)

	buf, err := c.Next(-1)
	if err != nil {
		s.log.Error().Err(err).Msg("error reading data")
		return gnet.Close
	}
	if err := conn.HandleData(s.ctx, buf); err != nil {
		s.log.Warn().Err(err).Str("remote", c.RemoteAddr().String()).Msg("closing connection")
		return gnet.Close
	}
	return gnet.None
}

// OnTick wakes connections whose responses are waiting for send budget.
func (s *Server) OnTick() (time.Duration, gnet.Action) {
	s.connections.Range(func(k, v any) bool {
		if v.(*Connection).HasPendingOutput() {
			_ = k.(gnet.Conn).Wake(nil)
		}
		return true
	})
	return s.cfg.TickInterval, gnet.None
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int {
	return int(s.activeConns.Load())
}

func (s *Server) closeBooted() {
	s.bootOnce.Do(func() { close(s.booted) })
}

// Connection is one TCP connection: a mux session feeding a stream processor.
// HandleData runs on the connection's event loop; the atomic fields are read
// from other goroutines.
type Connection struct {
	session   *mux.Session
	processor *stream.Processor
	log       zerolog.Logger

	pending      atomic.Bool
	open         atomic.Int32
	shuttingDown atomic.Bool
	draining     bool
}

// NewConnection creates a connection writing records to out.
func NewConnection(out mux.Outbound, handler stream.Handler, cfg Config) *Connection {
	sess := mux.NewSession(out, cfg.Session)
	return &Connection{
		session:   sess,
		processor: stream.NewProcessor(handler, sess, cfg.Stream),
		log:       cfg.Logger,
	}
}

// HandleData feeds received bytes through the session, drives every stream they
// touched and retries pending sends. An error means the connection must close.
func (c *Connection) HandleData(ctx context.Context, data []byte) error {
	if verboseLogging {
		c.log.Debug().Int("bytes", len(data)).Msg("received")
	}
	if c.shuttingDown.Load() && !c.draining {
		c.draining = true
		c.processor.Drain()
	}

	events, err := c.session.Feed(data)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if ev.Reset {
			c.processor.OnStreamReset(ev.StreamID, ev.Code)
			continue
		}
		if err := c.processor.OnStreamReadable(ctx, ev.StreamID); err != nil {
			return err
		}
	}
	// each Flush sends one record per stream, so streams share the budget round-robin
	for round := 0; round < maxFlushRounds; round++ {
		if err := c.processor.Flush(); err != nil {
			return err
		}
		if !c.processor.HasPendingOutput() || c.session.SendBudget() == 0 {
			break
		}
	}
	c.pending.Store(c.processor.HasPendingOutput())
	c.open.Store(int32(c.processor.GetManager().StreamCount()))
	return nil
}

// HasPendingOutput reports whether responses wait for send budget.
func (c *Connection) HasPendingOutput() bool {
	return c.pending.Load()
}

// OpenStreams returns the number of streams open after the last HandleData.
func (c *Connection) OpenStreams() int {
	return int(c.open.Load())
}

// Shutdown asks the connection to refuse new streams from its next event on.
func (c *Connection) Shutdown() {
	c.shuttingDown.Store(true)
}

// Close abandons every open stream.
func (c *Connection) Close() {
	c.processor.Close()
	c.open.Store(0)
	c.pending.Store(false)
}
