package transport

import (
	"fmt"

	"github.com/rs/zerolog"
)

// gnetLogger routes gnet's internal messages into zerolog. Debug and info output
// from gnet is dropped below warn unless the logger is at debug level.
type gnetLogger struct {
	log zerolog.Logger
}

func newGnetLogger(log zerolog.Logger) gnetLogger {
	return gnetLogger{log: log.With().Str("component", "gnet").Logger()}
}

func (g gnetLogger) Debugf(format string, args ...any) {
	g.log.Debug().Msg(fmt.Sprintf(format, args...))
}

func (g gnetLogger) Infof(format string, args ...any) {
	g.log.Debug().Msg(fmt.Sprintf(format, args...))
}

func (g gnetLogger) Warnf(format string, args ...any) {
	g.log.Warn().Msg(fmt.Sprintf(format, args...))
}

func (g gnetLogger) Errorf(format string, args ...any) {
	g.log.Error().Msg(fmt.Sprintf(format, args...))
}

// Fatalf never exits the process; the engine reports the failure through Run.
func (g gnetLogger) Fatalf(format string, args ...any) {
	g.log.Error().Bool("fatal", true).Msg(fmt.Sprintf(format, args...))
}
