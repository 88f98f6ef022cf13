// Package logging builds the zerolog logger shared by the CLI, the pipeline
// and the HTTP server.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"

	// FieldComponent tags log lines with the emitting subsystem.
	FieldComponent = "component"
)

// Options control logger construction.
type Options struct {
	Level   string
	Format  string
	NoColor bool
	Out     io.Writer
}

// New returns a logger writing to opts.Out (stderr when nil). Transcript
// JSON may go to stdout, so logs never do by default.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var zl zerolog.Logger
	if strings.ToLower(opts.Format) == FormatJSON {
		zl = zerolog.New(out)
	} else {
		zl = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.TimeOnly,
			NoColor:    opts.NoColor,
			FormatLevel: func(i any) string {
				return fmt.Sprintf("[%s]", strings.ToUpper(levelTag(i)))
			},
		})
	}

	return zl.Level(level).With().Timestamp().Logger()
}

// Component returns a child logger tagged with name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str(FieldComponent, name).Logger()
}

// Nop is a disabled logger for tests and optional collaborators.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

func levelTag(i any) string {
	s, _ := i.(string)
	switch s {
	case "debug":
		return "dbg"
	case "info":
		return "inf"
	case "warn":
		return "wrn"
	case "error":
		return "err"
	case "fatal":
		return "ftl"
	case "":
		return "???"
	default:
		return s
	}
}
