package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns a console logger for app writing to out at level.
// Commands serving on stdio must pass stderr.
func NewLogger(out io.Writer, app, level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("parse log level: %w", err)
	}
	output := zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    true,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(lvl).With().Timestamp().Str("app", app).Logger(), nil
}

// Printf adapts a zerolog logger to the printf-style Logger interfaces of
// comlink and outofproc. Lines are logged at debug level under component.
type Printf struct {
	Logger    zerolog.Logger
	Component string
}

// Printf logs one formatted line.
func (p Printf) Printf(format string, v ...any) {
	p.Logger.Debug().Str("component", p.Component).Msgf(format, v...)
}
