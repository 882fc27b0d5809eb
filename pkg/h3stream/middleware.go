package h3stream

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
)

const requestIDKey = "request-id"

// LoggerConfig defines the configuration options for the Logger middleware.
type LoggerConfig struct {
	// SkipPaths lists paths to skip logging (e.g., health checks)
	SkipPaths []string
}

// Logger returns a middleware that logs one structured line per request.
func Logger(log zerolog.Logger) Middleware {
	return LoggerWithConfig(log, LoggerConfig{})
}

// LoggerWithConfig returns a request logging middleware with custom configuration.
func LoggerWithConfig(log zerolog.Logger, config LoggerConfig) Middleware {
	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skipMap[ctx.Path()] {
				return next.ServeH3(ctx)
			}

			start := time.Now()
			err := next.ServeH3(ctx)

			status := ctx.Status()
			if err != nil && !ctx.Written() {
				status = 500
			}
			ev := log.Info()
			if err != nil || status >= 500 {
				ev = log.Error().Err(err)
			}
			if reqID, ok := ctx.Get(requestIDKey); ok {
				ev = ev.Interface("request_id", reqID)
			}
			ev.Uint64("stream", ctx.StreamID).
				Str("method", ctx.Method()).
				Str("path", ctx.Path()).
				Int("status", status).
				Int("bytes", len(ctx.ResponseBody())).
				Dur("duration", time.Since(start)).
				Msg("request")
			return err
		})
	}
}

// Recovery returns a middleware that recovers from panics and answers 500.
func Recovery(log zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Uint64("stream", ctx.StreamID).Msg("handler panic")
					ctx.responseHeaders = NewHeaders()
					err = ctx.String(500, "Internal Server Error")
				}
			}()

			return next.ServeH3(ctx)
		})
	}
}

// RequestID returns a middleware that tags each request with an ID, reusing the
// client's x-request-id when present.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			requestID := ctx.Header().Get("x-request-id")
			if requestID == "" {
				requestID = generateRequestID()
			}

			ctx.Set(requestIDKey, requestID)
			ctx.SetHeader("x-request-id", requestID)

			return next.ServeH3(ctx)
		})
	}
}

func generateRequestID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// CompressConfig holds configuration for the Compress middleware.
type CompressConfig struct {
	// Level specifies the brotli quality (0-11)
	Level int
	// MinSize specifies the minimum response size to compress
	MinSize int
	// ExcludedTypes lists content type prefixes to skip
	ExcludedTypes []string
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6,
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// Compress returns a middleware that brotli-compresses response bodies.
func Compress() Middleware {
	return CompressWithConfig(DefaultCompressConfig())
}

// CompressWithConfig compresses the buffered response body when the client accepts
// br, the body is at least MinSize bytes and the result is smaller.
func CompressWithConfig(config CompressConfig) Middleware {
	if config.MinSize < 0 {
		config.MinSize = 0
	}
	if config.Level <= 0 || config.Level > brotli.BestCompression {
		config.Level = 6
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if !acceptsBrotli(ctx.Header().Get("accept-encoding")) {
				return next.ServeH3(ctx)
			}

			err := next.ServeH3(ctx)
			if err != nil && !ctx.Written() {
				return err
			}

			body := ctx.responseBody.Bytes()
			if len(body) == 0 || len(body) < config.MinSize || ctx.responseHeaders.Has("content-encoding") {
				return err
			}
			contentType := ctx.responseHeaders.Get("content-type")
			for _, excluded := range config.ExcludedTypes {
				if strings.HasPrefix(contentType, excluded) {
					return err
				}
			}

			var compressed bytes.Buffer
			w := brotli.NewWriterLevel(&compressed, config.Level)
			if _, werr := w.Write(body); werr != nil {
				_ = w.Close()
				return err
			}
			if cerr := w.Close(); cerr != nil {
				return err
			}

			// Only use compressed version if it's actually smaller
			if compressed.Len() > 0 && compressed.Len() < len(body) {
				ctx.responseBody.Reset()
				ctx.responseBody.Write(compressed.Bytes())
				ctx.SetHeader("content-encoding", "br")
				ctx.ResponseHeader().Add("vary", "accept-encoding")
			}
			return err
		})
	}
}

// acceptsBrotli reports whether an accept-encoding value allows br with a nonzero weight.
func acceptsBrotli(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "br") {
			continue
		}
		q := strings.ReplaceAll(strings.TrimSpace(params), " ", "")
		return q != "q=0" && q != "q=0.0" && q != "q=0.00" && q != "q=0.000"
	}
	return false
}
