package h3stream

import (
	"context"
	"errors"
	"sync"

	"github.com/FumingPower3925/h3stream/internal/date"
	"github.com/FumingPower3925/h3stream/internal/stream"
	"github.com/FumingPower3925/h3stream/internal/transport"
	"github.com/rs/zerolog"
)

// ErrNoHandler is returned by Start when no handler was set.
var ErrNoHandler = errors.New("h3stream: handler not set")

// Server represents a server instance.
type Server struct {
	config    Config
	handler   Handler
	observer  stream.Observer
	transport *transport.Server
	stopDate  func()
	mu        sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a new Server with the provided configuration.
func New(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		config:   config,
		observer: stream.NopObserver{},
		ready:    make(chan struct{}),
	}, nil
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	s, err := New(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return s
}

// Handler sets the request handler and returns the server for method chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.handler = handler
	return s
}

// Observer sets the stream lifecycle observer, such as one from NewMetricsObserver.
func (s *Server) Observer(obs stream.Observer) *Server {
	s.observer = obs
	return s
}

// ListenAndServe sets the handler and starts the server.
func (s *Server) ListenAndServe(handler Handler) error {
	s.handler = handler
	return s.Start()
}

// Start begins accepting connections and blocks until the server stops.
func (s *Server) Start() error {
	if s.handler == nil {
		return ErrNoHandler
	}

	tcfg := s.config.transportConfig(s.observer)
	adapter := s.streamHandler()

	s.mu.Lock()
	s.transport = transport.NewServer(adapter, tcfg)
	s.stopDate = date.StartTicker()
	tr := s.transport
	s.mu.Unlock()
	go func() {
		<-tr.Ready()
		s.readyOnce.Do(func() { close(s.ready) })
	}()

	return tr.Start()
}

// Ready is closed once the listener is up or Start has failed.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Stop gracefully shuts down the server, letting open streams finish until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	tr, stopDate := s.transport, s.stopDate
	s.mu.Unlock()
	if tr == nil {
		return nil
	}
	if stopDate != nil {
		defer stopDate()
	}
	return tr.Stop(ctx)
}

// ActiveConnections returns the number of open connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return 0
	}
	return s.transport.ActiveConnections()
}

// streamHandler wraps the user handler with the configured compression and adapts
// it to the stream layer.
func (s *Server) streamHandler() *streamHandlerAdapter {
	handler := s.handler
	if s.config.Compress {
		cc := DefaultCompressConfig()
		cc.MinSize = s.config.CompressMinSize
		handler = CompressWithConfig(cc)(handler)
	}
	return &streamHandlerAdapter{
		handler: handler,
		log:     s.config.Logger.With().Str("component", "handler").Logger(),
	}
}

type streamHandlerAdapter struct {
	handler Handler
	log     zerolog.Logger
}

func (a *streamHandlerAdapter) HandleStream(ctx context.Context, s *stream.Stream) error {
	c := newContext(ctx, s)
	defer c.release()

	err := a.handler.ServeH3(c)
	if err != nil {
		if !c.Written() {
			return err
		}
		a.log.Debug().Err(err).Uint64("stream", s.ID).Msg("handler error after response was set")
	}
	return c.flush(s.ResponseWriter)
}

// StreamHandler adapts h to the stream layer so it can be driven by a transport
// other than the built-in gnet server.
func StreamHandler(h Handler) stream.Handler {
	return &streamHandlerAdapter{handler: h, log: zerolog.Nop()}
}
