package h3stream

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowOrigins     []string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           time.Duration
}

// DefaultCORSConfig allows any origin.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS, PATCH",
		AllowHeaders: "accept, content-type, content-length, authorization",
		MaxAge:       time.Hour,
	}
}

// CORS returns a middleware setting the access-control response headers and
// answering preflight OPTIONS requests with 204. Requests from origins outside
// AllowOrigins pass through without CORS headers.
func CORS(config CORSConfig) Middleware {
	def := DefaultCORSConfig()
	if len(config.AllowOrigins) == 0 {
		config.AllowOrigins = def.AllowOrigins
	}
	if config.AllowMethods == "" {
		config.AllowMethods = def.AllowMethods
	}
	if config.AllowHeaders == "" {
		config.AllowHeaders = def.AllowHeaders
	}
	anyOrigin := false
	allowed := make(map[string]bool, len(config.AllowOrigins))
	for _, o := range config.AllowOrigins {
		if o == "*" {
			anyOrigin = true
		}
		allowed[strings.ToLower(o)] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			origin := ctx.Header().Get("origin")
			if origin == "" || (!anyOrigin && !allowed[strings.ToLower(origin)]) {
				return next.ServeH3(ctx)
			}
			// credentials cannot be combined with a wildcard origin
			if anyOrigin && !config.AllowCredentials {
				ctx.SetHeader("access-control-allow-origin", "*")
			} else {
				ctx.SetHeader("access-control-allow-origin", origin)
				ctx.ResponseHeader().Add("vary", "origin")
			}
			if config.AllowCredentials {
				ctx.SetHeader("access-control-allow-credentials", "true")
			}

			if ctx.Method() != "OPTIONS" || ctx.Header().Get("access-control-request-method") == "" {
				return next.ServeH3(ctx)
			}
			ctx.SetHeader("access-control-allow-methods", config.AllowMethods)
			ctx.SetHeader("access-control-allow-headers", config.AllowHeaders)
			if config.MaxAge > 0 {
				ctx.SetHeader("access-control-max-age", strconv.Itoa(int(config.MaxAge/time.Second)))
			}
			return ctx.NoContent(204)
		})
	}
}

// RateLimiterConfig holds configuration for the RateLimiter middleware.
type RateLimiterConfig struct {
	RequestsPerSecond int
	// Burst defaults to twice RequestsPerSecond.
	Burst int
	// KeyFunc picks the bucket for a request; an empty key is not limited.
	KeyFunc   func(ctx *Context) string
	SkipPaths []string
	// IdleTTL is how long an unused bucket is kept.
	IdleTTL time.Duration
	now     func() time.Time
}

// RateLimiter limits each client, keyed by x-forwarded-for then authority.
func RateLimiter(requestsPerSecond int) Middleware {
	return RateLimiterWithConfig(RateLimiterConfig{RequestsPerSecond: requestsPerSecond})
}

// RateLimiterWithConfig returns a token bucket limiter answering 429 with a
// retry-after header once a bucket is empty.
func RateLimiterWithConfig(config RateLimiterConfig) Middleware {
	if config.RequestsPerSecond <= 0 {
		panic("h3stream: requests per second must be positive")
	}
	if config.Burst <= 0 {
		config.Burst = config.RequestsPerSecond * 2
	}
	if config.KeyFunc == nil {
		config.KeyFunc = clientKey
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	if config.now == nil {
		config.now = time.Now
	}
	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}
	l := &limiter{cfg: config, buckets: make(map[string]*tokenBucket), lastSweep: config.now()}
	limit := strconv.Itoa(config.RequestsPerSecond)

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skipMap[ctx.Path()] {
				return next.ServeH3(ctx)
			}
			key := config.KeyFunc(ctx)
			if key == "" {
				return next.ServeH3(ctx)
			}
			remaining, ok := l.take(key)
			ctx.SetHeader("x-ratelimit-limit", limit)
			ctx.SetHeader("x-ratelimit-remaining", strconv.Itoa(remaining))
			if !ok {
				ctx.SetHeader("retry-after", "1")
				return ctx.String(429, "Too Many Requests")
			}
			return next.ServeH3(ctx)
		})
	}
}

func clientKey(ctx *Context) string {
	if fwd := ctx.Header().Get("x-forwarded-for"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return ctx.Authority()
}

type limiter struct {
	cfg       RateLimiterConfig
	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	lastSweep time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// take consumes a token from key's bucket and returns the tokens left.
func (l *limiter) take(key string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.now()
	if now.Sub(l.lastSweep) >= l.cfg.IdleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastRefill) >= l.cfg.IdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: float64(l.cfg.Burst), lastRefill: now}
		l.buckets[key] = b
	}
	b.tokens += now.Sub(b.lastRefill).Seconds() * float64(l.cfg.RequestsPerSecond)
	if b.tokens > float64(l.cfg.Burst) {
		b.tokens = float64(l.cfg.Burst)
	}
	b.lastRefill = now
	if b.tokens < 1 {
		return 0, false
	}
	b.tokens--
	return int(b.tokens), true
}

var startTime = time.Now()

// HealthConfig holds configuration for the Health middleware.
type HealthConfig struct {
	Path string
	// Check reports an unhealthy server; nil means always healthy.
	Check func() error
}

// Health answers GET requests for path with a JSON status without running the
// rest of the chain.
func Health(config HealthConfig) Middleware {
	if config.Path == "" {
		config.Path = "/health"
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if ctx.Path() != config.Path || (ctx.Method() != "GET" && ctx.Method() != "HEAD") {
				return next.ServeH3(ctx)
			}
			body := map[string]any{
				"status": "ok",
				"uptime": time.Since(startTime).Round(time.Second).String(),
			}
			if config.Check != nil {
				if err := config.Check(); err != nil {
					body["status"] = "unavailable"
					body["error"] = err.Error()
					return ctx.JSON(503, body)
				}
			}
			return ctx.JSON(200, body)
		})
	}
}
