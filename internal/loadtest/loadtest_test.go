package loadtest

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/FumingPower3925/h3stream/internal/client"
	"github.com/FumingPower3925/h3stream/internal/stream"
	"github.com/FumingPower3925/h3stream/internal/transport"
)

type tcpOut struct{ net.Conn }

func (tcpOut) OutboundBuffered() int { return 0 }

// serveAll drives every accepted connection with its own transport.Connection.
func serveAll(t *testing.T, h stream.Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer nc.Close()
				conn := transport.NewConnection(tcpOut{nc}, h, transport.DefaultConfig())
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := nc.Read(buf)
					if n > 0 && conn.HandleData(context.Background(), buf[:n]) != nil {
						return
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func statusHandler(status int) stream.Handler {
	return stream.HandlerFunc(func(_ context.Context, s *stream.Stream) error {
		return s.ResponseWriter.WriteResponse(s.ID, status, nil, []byte("ok"))
	})
}

func TestNewRunner_Validates(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"clients", func(c *Config) { c.Clients = 0 }},
		{"streams", func(c *Config) { c.Streams = -1 }},
		{"duration", func(c *Config) { c.Duration = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(&cfg)
			if _, err := NewRunner(cfg); err == nil {
				t.Error("NewRunner() accepted an invalid config")
			}
		})
	}
}

func TestRunner_Run(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = serveAll(t, statusHandler(200))
	cfg.Clients = 3
	cfg.Streams = 2
	cfg.RampUpInterval = 20 * time.Millisecond
	cfg.Duration = 300 * time.Millisecond
	r, err := NewRunner(cfg)
	if err != nil {
		t.Fatal(err)
	}

	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.MaxClients != 3 {
		t.Errorf("MaxClients = %d, want 3", res.MaxClients)
	}
	if res.Requests == 0 || res.Successful == 0 || res.StatusCodes[200] != res.Successful {
		t.Errorf("result = %+v", res)
	}
	if res.SuccessRate() <= 0 || len(res.Steps) == 0 || res.P99 < res.P50 {
		t.Errorf("rate %.1f steps %d p50 %v p99 %v", res.SuccessRate(), len(res.Steps), res.P50, res.P99)
	}

	var out bytes.Buffer
	if err := res.Print(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "status 200:") {
		t.Errorf("report = %q", out.String())
	}
}

func TestRunner_CountsServerErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Addr = serveAll(t, statusHandler(503))
	cfg.Clients = 1
	cfg.Streams = 1
	cfg.Duration = 100 * time.Millisecond
	r, err := NewRunner(cfg)
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Successful != 0 || res.Failed == 0 || res.StatusCodes[503] == 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunner_TracksResets(t *testing.T) {
	r, err := NewRunner(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if r.track(nil, &client.StreamError{StreamID: 0, Code: 0x10b}, time.Millisecond) {
		t.Error("connection reused after a reset")
	}
	if r.result.Resets[0x10b] != 1 || r.failed.Load() != int64(r.cfg.Streams) {
		t.Errorf("resets %v failed %d", r.result.Resets, r.failed.Load())
	}
}

func TestPercentile(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := percentile(sorted, 50); got != 5 {
		t.Errorf("p50 = %v", got)
	}
	if got := percentile(sorted, 99); got != 10 {
		t.Errorf("p99 = %v", got)
	}
	if got := percentile(nil, 50); got != 0 {
		t.Errorf("empty = %v", got)
	}
}
