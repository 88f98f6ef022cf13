// Package icons renders the PWA icon set from the SVG logo with ImageMagick.
package icons

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/sjawhar/ghost-scribe/internal/process"
)

const (
	DefaultLogo = "public/logo.svg"
	DefaultDir  = "public/icons"

	ShortcutSize       = 96
	ShortcutBackground = "#3b82f6"
	shortcutPointSize  = 48

	stderrTail = 400
)

// Sizes are the square app icon edges listed in the web manifest.
var Sizes = []int{72, 96, 128, 144, 152, 192, 384, 512}

// ErrConvertMissing means ImageMagick's convert is not installed or broken.
var ErrConvertMissing = errors.New("icons: imagemagick convert not available")

type Shortcut struct {
	Name  string
	Glyph string
	Hint  string
}

// Shortcuts back the manifest's upload, record and transcript actions.
var Shortcuts = []Shortcut{
	{Name: "upload", Glyph: "📤", Hint: "upload icon"},
	{Name: "record", Glyph: "🎙️", Hint: "microphone icon"},
	{Name: "transcript", Glyph: "📝", Hint: "document icon"},
}

func IconName(size int) string {
	return fmt.Sprintf("icon-%dx%d.png", size, size)
}

func ShortcutName(s Shortcut) string {
	return fmt.Sprintf("%s-shortcut-%dx%d.png", s.Name, ShortcutSize, ShortcutSize)
}

type Failure struct {
	Path string
	Err  error
}

type Report struct {
	Generated []string
	Failed    []Failure
}

func (r Report) OK() bool { return len(r.Failed) == 0 }

type Generator struct {
	convert string
	logo    string
	dir     string
	runner  process.Runner
	log     zerolog.Logger
}

func NewGenerator(convert, logo, dir string, runner process.Runner, log zerolog.Logger) *Generator {
	if convert == "" {
		convert = "convert"
	}
	if logo == "" {
		logo = DefaultLogo
	}
	if dir == "" {
		dir = DefaultDir
	}
	if runner == nil {
		runner = process.Exec{}
	}
	return &Generator{convert: convert, logo: logo, dir: dir, runner: runner, log: log}
}

// Check probes convert --version.
func (g *Generator) Check(ctx context.Context) error {
	if _, err := g.runner.Run(ctx, process.Command{Binary: g.convert, Args: []string{"--version"}}); err != nil {
		return fmt.Errorf("%w: %v", ErrConvertMissing, err)
	}
	return nil
}

// Generate renders every app and shortcut icon. A failed icon is recorded in
// the report and the batch carries on; only a missing convert or an
// uncreatable output directory return an error.
func (g *Generator) Generate(ctx context.Context) (Report, error) {
	if err := g.Check(ctx); err != nil {
		return Report{}, err
	}
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return Report{}, fmt.Errorf("icons: create %s: %w", g.dir, err)
	}

	g.log.Info().Str("logo", g.logo).Str("dir", g.dir).Msg("generating PWA icons")

	var report Report
	for _, size := range Sizes {
		out := filepath.Join(g.dir, IconName(size))
		edge := fmt.Sprintf("%dx%d", size, size)
		g.render(ctx, &report, out, "-background", "none", "-resize", edge, g.logo, out)
	}

	edge := fmt.Sprintf("%dx%d", ShortcutSize, ShortcutSize)
	for _, s := range Shortcuts {
		out := filepath.Join(g.dir, ShortcutName(s))
		g.render(ctx, &report, out,
			"-size", edge,
			"-background", ShortcutBackground,
			"-fill", "white",
			"-gravity", "center",
			"-pointsize", fmt.Sprint(shortcutPointSize),
			"label:"+s.Glyph,
			out,
		)
	}

	g.log.Info().Int("generated", len(report.Generated)).Int("failed", len(report.Failed)).Msg("icon generation finished")
	return report, nil
}

func (g *Generator) render(ctx context.Context, report *Report, out string, args ...string) {
	res, err := g.runner.Run(ctx, process.Command{Binary: g.convert, Args: args})
	if err != nil {
		var stderr []byte
		if res != nil {
			stderr = res.Stderr
		}
		if tail := process.Tail(stderr, stderrTail); tail != "" {
			err = fmt.Errorf("%w: %s", err, tail)
		}
		g.log.Warn().Err(err).Str("path", out).Msg("icon failed")
		report.Failed = append(report.Failed, Failure{Path: out, Err: err})
		return
	}
	g.log.Debug().Str("path", out).Msg("icon generated")
	report.Generated = append(report.Generated, out)
}

// WriteFallback prints the manual steps for producing the icon set without
// ImageMagick.
func WriteFallback(w io.Writer, logo string) {
	if logo == "" {
		logo = DefaultLogo
	}
	_, _ = fmt.Fprintln(w, "ImageMagick 'convert' command not found.")
	_, _ = fmt.Fprintln(w, "Install with: sudo apt install imagemagick (Ubuntu/Debian) or brew install imagemagick (macOS)")
	_, _ = fmt.Fprintf(w, "\nOr create these PNG icons manually from %s:\n", logo)
	for _, size := range Sizes {
		_, _ = fmt.Fprintf(w, "   - %s (%dx%d pixels)\n", IconName(size), size, size)
	}
	_, _ = fmt.Fprintf(w, "\nShortcut icons on a %s background:\n", ShortcutBackground)
	for _, s := range Shortcuts {
		_, _ = fmt.Fprintf(w, "   - %s (%s, %dx%d)\n", ShortcutName(s), s.Hint, ShortcutSize, ShortcutSize)
	}
}
