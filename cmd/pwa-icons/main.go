package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/sjawhar/ghost-scribe/internal/icons"
	"github.com/sjawhar/ghost-scribe/internal/logging"
	"github.com/sjawhar/ghost-scribe/internal/process"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], process.Exec{}, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, runner process.Runner, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("pwa-icons", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	logo := fs.String("logo", icons.DefaultLogo, "source SVG logo")
	dir := fs.String("out", icons.DefaultDir, "output directory for PNG icons")
	convert := fs.String("convert", "convert", "ImageMagick convert binary")
	logLevel := fs.String("log-level", "info", "trace, debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	log := logging.New(logging.Options{Level: *logLevel, Out: stderr})
	gen := icons.NewGenerator(*convert, *logo, *dir, runner, logging.Component(log, "icons"))

	report, err := gen.Generate(ctx)
	if errors.Is(err, icons.ErrConvertMissing) {
		icons.WriteFallback(stdout, *logo)
		return 1
	}
	if err != nil {
		log.Error().Err(err).Msg("icon generation failed")
		return 1
	}

	for _, path := range report.Generated {
		_, _ = fmt.Fprintf(stdout, "generated %s\n", path)
	}
	for _, f := range report.Failed {
		_, _ = fmt.Fprintf(stdout, "failed %s: %v\n", f.Path, f.Err)
	}
	if !report.OK() {
		return 1
	}
	return 0
}
