// Package logging builds the zerolog loggers used across the server.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Environment overrides
const (
	EnvLogLevel   = "H3STREAM_LOG_LEVEL"
	EnvLogFormat  = "H3STREAM_LOG_FORMAT"
	EnvLogNoColor = "H3STREAM_LOG_NOCOLOR"
)

// Output formats
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config selects the level and shape of log output.
type Config struct {
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	NoColor bool   `toml:"no_color"`
}

// DefaultConfig logs at info level to a colored console.
func DefaultConfig() Config {
	return Config{Level: "info", Format: FormatConsole}
}

// ApplyEnv overrides fields from the H3STREAM_LOG_* environment variables.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		if _, ok := ParseLevel(v); ok {
			c.Level = v
		}
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvLogFormat))) {
	case FormatJSON:
		c.Format = FormatJSON
	case FormatConsole:
		c.Format = FormatConsole
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		c.NoColor = v
	}
}

// New returns a logger writing to w.
func New(w io.Writer, cfg Config, app string) zerolog.Logger {
	level, ok := ParseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}
	out := w
	if cfg.Format != FormatJSON {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("app", app).Logger()
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info", "":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
