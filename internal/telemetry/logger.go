package telemetry

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// NewLogger builds the root logger. format is console, json or auto; auto
// picks the console writer when out is a terminal.
func NewLogger(level, format string, out *os.File) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer = out
	switch format {
	case "console":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	case "json":
	default:
		if isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()) {
			w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
		}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
