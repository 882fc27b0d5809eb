// Package loadtest drives an h3stream server with concurrent clients, ramping up
// the number of connections and tracking throughput, statuses and resets.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FumingPower3925/h3stream/internal/client"
	"github.com/rs/zerolog"
)

// Config describes one run.
type Config struct {
	Addr string
	// Clients is the number of connections at full load.
	Clients int
	// ClientsPerStep connections are added every RampUpInterval until Clients is reached.
	ClientsPerStep int
	RampUpInterval time.Duration
	Duration       time.Duration
	// Streams is the number of concurrent request streams per round trip.
	Streams        int
	RequestTimeout time.Duration
	Request        client.Request
	Client         client.Config
	Logger         zerolog.Logger
}

// DefaultConfig ramps to 8 clients of 4 streams each over a 10 second run.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8443",
		Clients:        8,
		ClientsPerStep: 1,
		RampUpInterval: 250 * time.Millisecond,
		Duration:       10 * time.Second,
		Streams:        4,
		RequestTimeout: 3 * time.Second,
		Request:        client.Request{Method: "GET", Path: "/"},
		Client:         client.DefaultConfig(),
		Logger:         zerolog.Nop(),
	}
}

// Step is the load observed while a given number of clients was running.
type Step struct {
	Clients  int
	Elapsed  time.Duration
	Requests int64
	Failed   int64
	RPS      float64
}

// Result summarizes a run.
type Result struct {
	Duration     time.Duration
	MaxClients   int
	Requests     int64
	Successful   int64
	Failed       int64
	Resets       map[uint64]int64
	DialFailures int64
	StatusCodes  map[int]int64
	Steps        []Step
	MaxRPS       float64
	MaxRPSAt     int
	// P50 and P99 are round trip latencies of a Streams-wide batch.
	P50, P99 time.Duration

	latencies []time.Duration
}

// SuccessRate is the share of requests answered with a status below 500.
func (r *Result) SuccessRate() float64 {
	if r.Requests == 0 {
		return 0
	}
	return float64(r.Successful) / float64(r.Requests) * 100
}

// Runner executes a Config.
type Runner struct {
	cfg  Config
	log  zerolog.Logger
	dial func(ctx context.Context) (*client.Client, error)

	mu     sync.Mutex
	result Result

	requests atomic.Int64
	failed   atomic.Int64
}

// NewRunner validates cfg and returns a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	def := DefaultConfig()
	if cfg.Clients <= 0 {
		return nil, errors.New("loadtest: clients must be positive")
	}
	if cfg.Streams <= 0 {
		return nil, errors.New("loadtest: streams must be positive")
	}
	if cfg.Duration <= 0 {
		return nil, errors.New("loadtest: duration must be positive")
	}
	if cfg.ClientsPerStep <= 0 {
		cfg.ClientsPerStep = def.ClientsPerStep
	}
	if cfg.RampUpInterval <= 0 {
		cfg.RampUpInterval = def.RampUpInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Request.Method == "" {
		cfg.Request = def.Request
	}
	r := &Runner{
		cfg: cfg,
		log: cfg.Logger.With().Str("component", "loadtest").Logger(),
		result: Result{
			Resets:      make(map[uint64]int64),
			StatusCodes: make(map[int]int64),
		},
	}
	r.dial = func(ctx context.Context) (*client.Client, error) {
		return client.Dial(ctx, cfg.Addr, cfg.Client)
	}
	return r, nil
}

// Run ramps up clients until the duration elapses or ctx is cancelled.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	ticker := time.NewTicker(r.cfg.RampUpInterval)
	defer ticker.Stop()

	clients := 0
	lastReqs, lastFailed, lastTick := int64(0), int64(0), start
	addClients := func() {
		for i := 0; i < r.cfg.ClientsPerStep && clients < r.cfg.Clients; i++ {
			clients++
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.runClient(ctx)
			}()
		}
	}
	addClients()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case now := <-ticker.C:
			reqs, failed := r.requests.Load(), r.failed.Load()
			window := now.Sub(lastTick)
			step := Step{
				Clients:  clients,
				Elapsed:  now.Sub(start),
				Requests: reqs - lastReqs,
				Failed:   failed - lastFailed,
				RPS:      float64(reqs-lastReqs) / window.Seconds(),
			}
			r.recordStep(step)
			lastReqs, lastFailed, lastTick = reqs, failed, now
			addClients()
		}
	}
	wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.result
	res.Duration = time.Since(start)
	res.MaxClients = clients
	res.Requests = r.requests.Load()
	res.Failed = r.failed.Load()
	slices.Sort(res.latencies)
	res.P50 = percentile(res.latencies, 50)
	res.P99 = percentile(res.latencies, 99)
	res.latencies = nil
	return &res, nil
}

func (r *Runner) recordStep(s Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.Steps = append(r.result.Steps, s)
	if s.RPS > r.result.MaxRPS {
		r.result.MaxRPS = s.RPS
		r.result.MaxRPSAt = s.Clients
	}
}

// runClient keeps one connection busy, redialing after a transport error or reset.
func (r *Runner) runClient(ctx context.Context) {
	batch := make([]client.Request, r.cfg.Streams)
	for i := range batch {
		batch[i] = r.cfg.Request
	}
	for ctx.Err() == nil {
		c, err := r.dial(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.log.Warn().Err(err).Msg("dial failed")
				r.mu.Lock()
				r.result.DialFailures++
				r.mu.Unlock()
				time.Sleep(r.cfg.RampUpInterval)
			}
			continue
		}
		r.drive(ctx, c, batch)
		_ = c.Close()
	}
}

func (r *Runner) drive(ctx context.Context, c *client.Client, batch []client.Request) {
	for ctx.Err() == nil {
		reqCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
		began := time.Now()
		resps, err := c.DoAll(reqCtx, batch)
		cancel()
		if ctx.Err() != nil {
			return
		}
		r.requests.Add(int64(len(batch)))
		if !r.track(resps, err, time.Since(began)) {
			return
		}
	}
}

// track records a batch and reports whether the connection may be reused.
func (r *Runner) track(resps []*client.Response, err error, rtt time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var se *client.StreamError
	switch {
	case err == nil:
		r.result.latencies = append(r.result.latencies, rtt)
		for _, resp := range resps {
			r.result.StatusCodes[resp.Status]++
			if resp.Status < 500 {
				r.result.Successful++
			} else {
				r.failed.Add(1)
			}
		}
		return true
	case errors.As(err, &se):
		r.result.Resets[se.Code]++
		r.failed.Add(int64(r.cfg.Streams))
		return false
	default:
		r.log.Debug().Err(err).Msg("batch failed")
		r.failed.Add(int64(r.cfg.Streams))
		return false
	}
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := (len(sorted)*p + 99) / 100
	if i > 0 {
		i--
	}
	return sorted[i]
}

// Print writes a human readable report.
func (r *Result) Print(w io.Writer) error {
	var err error
	p := func(format string, args ...any) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, args...)
		}
	}
	p("duration:       %v\n", r.Duration.Round(time.Millisecond))
	p("clients:        %d\n", r.MaxClients)
	p("requests:       %d (%d ok, %d failed)\n", r.Requests, r.Successful, r.Failed)
	p("success rate:   %.2f%%\n", r.SuccessRate())
	p("max rps:        %.0f at %d clients\n", r.MaxRPS, r.MaxRPSAt)
	p("latency:        p50 %v, p99 %v\n", r.P50, r.P99)
	if r.DialFailures > 0 {
		p("dial failures:  %d\n", r.DialFailures)
	}
	for _, code := range slices.Sorted(maps.Keys(r.StatusCodes)) {
		p("status %d:     %d\n", code, r.StatusCodes[code])
	}
	for _, code := range slices.Sorted(maps.Keys(r.Resets)) {
		p("reset 0x%x:   %d\n", code, r.Resets[code])
	}
	return err
}
