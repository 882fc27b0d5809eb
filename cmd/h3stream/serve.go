package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/FumingPower3925/h3stream/internal/logging"
	"github.com/FumingPower3925/h3stream/pkg/h3stream"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	configPath  string
	addr        string
	metricsAddr string
	shutdown    time.Duration
	rateLimit   int
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo echo server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.configPath, "config", "", "TOML config file")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address, overrides the config file")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Prometheus listen address, overrides the config file")
	cmd.Flags().DurationVar(&opts.shutdown, "shutdown-timeout", 10*time.Second, "time allowed for open streams to finish")
	cmd.Flags().IntVar(&opts.rateLimit, "rate-limit", 0, "requests per second allowed per client, 0 disables limiting")
	return cmd
}

func (o *serveOptions) load() (h3stream.Config, error) {
	cfg, err := h3stream.LoadConfig(o.configPath)
	if err != nil {
		return h3stream.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if o.addr != "" {
		cfg.Addr = o.addr
	}
	if o.metricsAddr != "" {
		cfg.MetricsAddr = o.metricsAddr
	}
	cfg.Logger = logging.New(os.Stderr, cfg.Log, "h3stream")
	return cfg, nil
}

func serve(ctx context.Context, cfg h3stream.Config, opts *serveOptions) error {
	log := cfg.Logger
	server, err := h3stream.New(cfg)
	if err != nil {
		return err
	}
	server.Handler(demoHandler(log, opts.rateLimit)).Observer(h3stream.NewMetricsObserver(nil))

	var metrics *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", h3stream.MetricsHandler())
		metrics = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics listener failed")
			}
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdown)
	defer cancel()
	if metrics != nil {
		_ = metrics.Shutdown(shutdownCtx)
	}
	if err := server.Stop(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// demoHandler answers /health, echoes POST bodies on /echo and describes every
// other request.
func demoHandler(log zerolog.Logger, rateLimit int) h3stream.Handler {
	r := h3stream.NewRouter()
	r.POST("/echo", func(ctx *h3stream.Context) error {
		body, err := ctx.BodyBytes()
		if err != nil {
			return err
		}
		ct := ctx.Header().Get("content-type")
		if ct == "" {
			ct = "application/octet-stream"
		}
		return ctx.Data(200, ct, body)
	})
	r.GET("/streams/:id", func(ctx *h3stream.Context) error {
		return ctx.JSON(200, map[string]any{"requested": ctx.Param("id"), "stream": ctx.StreamID})
	})
	r.GET("/*path", func(ctx *h3stream.Context) error {
		return ctx.JSON(200, map[string]any{
			"method":    ctx.Method(),
			"path":      ctx.Path(),
			"authority": ctx.Authority(),
			"stream":    ctx.StreamID,
			"urgency":   ctx.Priority().Urgency,
		})
	})
	r.Use(
		h3stream.Recovery(log),
		h3stream.RequestID(),
		h3stream.LoggerWithConfig(log, h3stream.LoggerConfig{SkipPaths: []string{"/health"}}),
		h3stream.Health(h3stream.HealthConfig{}),
		h3stream.CORS(h3stream.DefaultCORSConfig()),
		h3stream.Tracing(),
		h3stream.Prometheus(),
	)
	if rateLimit > 0 {
		r.Use(h3stream.RateLimiterWithConfig(h3stream.RateLimiterConfig{
			RequestsPerSecond: rateLimit,
			SkipPaths:         []string{"/health"},
		}))
	}
	return r
}
