package h3stream

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Addr != ":8443" || !cfg.Compress || cfg.CompressMinSize != 1024 {
		t.Errorf("Validate changed the defaults: %+v", cfg)
	}
}

func TestConfig_ValidateFillsZeroes(t *testing.T) {
	cfg := Config{Log: DefaultConfig().Log}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	def := DefaultConfig()
	if cfg.Addr != def.Addr || cfg.MaxConcurrentStreams != def.MaxConcurrentStreams ||
		cfg.ReadChunk != def.ReadChunk || cfg.MaxRecordPayload != def.MaxRecordPayload ||
		cfg.TickIntervalMS != def.TickIntervalMS {
		t.Errorf("Validate() = %+v", cfg)
	}
}

func TestConfig_ValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"negative compress size", func(c *Config) { c.CompressMinSize = -1 }, "compress_min_size"},
		{"negative blocked", func(c *Config) { c.MaxBlockedStreams = -1 }, "max_blocked_streams"},
		{"negative loops", func(c *Config) { c.NumEventLoop = -2 }, "num_event_loop"},
		{"tiny outbound", func(c *Config) { c.MaxOutboundBuffered = 10; c.MaxRecordPayload = 100 }, "max_outbound_buffered"},
		{"bad level", func(c *Config) { c.Log.Level = "chatty" }, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "h3stream.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
addr = "127.0.0.1:9443"
max_concurrent_streams = 32
compress = false
tick_interval_ms = 25
metrics_addr = ":9090"

[log]
level = "debug"
format = "json"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Addr != "127.0.0.1:9443" || cfg.MaxConcurrentStreams != 32 || cfg.Compress || cfg.MetricsAddr != ":9090" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.MaxBlockedStreams != DefaultConfig().MaxBlockedStreams {
		t.Errorf("unset field lost its default: %d", cfg.MaxBlockedStreams)
	}
	if got := cfg.transportConfig(nil).TickInterval; got != 25*time.Millisecond {
		t.Errorf("TickInterval = %v", got)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `addr = ":1111"`)
	t.Setenv(EnvAddr, ":2222")
	t.Setenv(EnvMaxStreams, "7")
	t.Setenv(EnvMetricsAddr, "")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":2222" || cfg.MaxConcurrentStreams != 7 || cfg.MetricsAddr != "" {
		t.Errorf("cfg = %+v", cfg)
	}

	t.Setenv(EnvMaxStreams, "lots")
	if _, err := LoadConfig(path); err == nil || !strings.Contains(err.Error(), EnvMaxStreams) {
		t.Errorf("bad env value error = %v", err)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil || !strings.Contains(err.Error(), "config load failed") {
		t.Errorf("missing file error = %v", err)
	}
	if _, err := LoadConfig(writeConfig(t, "addr = [")); err == nil || !strings.Contains(err.Error(), "config parse failed") {
		t.Errorf("bad toml error = %v", err)
	}
}

func TestConfig_TransportConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentStreams = 9
	cfg.MaxBlockedStreams = 3
	cfg.MaxHeadersLength = 4096
	cfg.ReadChunk = 512
	cfg.MaxRecordPayload = 2048

	obs := NewMetricsObserver(prometheus.NewRegistry())
	tc := cfg.transportConfig(obs)
	if tc.Stream.MaxConcurrentStreams != 9 || tc.Stream.MaxBlockedStreams != 3 || tc.Stream.Observer != obs {
		t.Errorf("stream config = %+v", tc.Stream)
	}
	if tc.Stream.Transaction.Limits.MaxHeadersLength != 4096 || tc.Stream.Transaction.ReadChunk != 512 {
		t.Errorf("transaction config = %+v", tc.Stream.Transaction)
	}
	if tc.Session.MaxRecordPayload != 2048 || tc.Addr != cfg.Addr {
		t.Errorf("transport config = %+v", tc)
	}
}
