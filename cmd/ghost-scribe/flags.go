package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/sjawhar/ghost-scribe/internal/config"
)

type cliFlags struct {
	configPath string
	envFile    string

	audioFile  string
	outputFile string
	markdown   string

	backend   string
	modelSize string
	device    string
	language  string

	enableDiarization  bool
	disableDiarization bool
	numSpeakers        int
	minSpeakers        int
	maxSpeakers        int

	logLevel  string
	logFormat string

	listen    string
	staticDir string
	dbPath    string
}

func parseFlags(args []string, serve bool, stderr io.Writer) (*pflag.FlagSet, cliFlags, error) {
	name := "ghost-scribe"
	if serve {
		name += " serve"
	}
	var c cliFlags
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SortFlags = false

	fs.StringVar(&c.configPath, "config", "config.yaml", "path to YAML config file")
	fs.StringVar(&c.envFile, "env-file", "", "optional .env file to load before the config")

	if !serve {
		fs.StringVar(&c.audioFile, "audio-file", "", "audio file to transcribe (required)")
		fs.StringVar(&c.outputFile, "output-file", "", "transcript JSON path (required)")
		fs.StringVar(&c.markdown, "markdown", "", "also render a markdown transcript to this path")
	}

	fs.StringVar(&c.backend, "backend", "", "ASR backend: whisperx or openai")
	fs.StringVar(&c.modelSize, "model-size", "base", "WhisperX model size")
	fs.StringVar(&c.device, "device", "cpu", "compute device: cpu or cuda")
	fs.StringVar(&c.language, "language", "", "language code; empty auto-detects")

	fs.BoolVar(&c.enableDiarization, "enable-diarization", true, "run speaker diarization")
	fs.BoolVar(&c.disableDiarization, "disable-diarization", false, "skip speaker diarization")
	fs.IntVar(&c.numSpeakers, "num-speakers", 0, "exact number of speakers, if known")
	fs.IntVar(&c.minSpeakers, "min-speakers", 0, "minimum number of speakers")
	fs.IntVar(&c.maxSpeakers, "max-speakers", 0, "maximum number of speakers")

	fs.StringVar(&c.logLevel, "log-level", "", "trace, debug, info, warn or error")
	fs.StringVar(&c.logFormat, "log-format", "", "console or json")

	if serve {
		fs.StringVar(&c.listen, "listen", "", "HTTP listen address")
		fs.StringVar(&c.staticDir, "static-dir", "", "PWA directory to serve")
		fs.StringVar(&c.dbPath, "db-path", "", "run archive database")
	}

	if err := fs.Parse(args); err != nil {
		return fs, c, err
	}
	if fs.NArg() > 0 {
		return fs, c, fmt.Errorf("%w: unexpected arguments %s", errUsage, strings.Join(fs.Args(), " "))
	}

	if !serve {
		if c.audioFile == "" {
			return fs, c, fmt.Errorf("%w: --audio-file is required", errUsage)
		}
		if c.outputFile == "" {
			return fs, c, fmt.Errorf("%w: --output-file is required", errUsage)
		}
		if filepath.Clean(c.outputFile) == filepath.Clean(c.audioFile) {
			return fs, c, fmt.Errorf("%w: --output-file must differ from --audio-file", errUsage)
		}
	}
	if fs.Changed("disable-diarization") && fs.Changed("enable-diarization") && c.disableDiarization && c.enableDiarization {
		return fs, c, fmt.Errorf("%w: --enable-diarization and --disable-diarization conflict", errUsage)
	}
	return fs, c, nil
}

// applyFlags overlays explicitly set flags on cfg and revalidates.
func applyFlags(fs *pflag.FlagSet, c cliFlags, cfg *config.Config) error {
	set := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	set("backend", &cfg.Backend, c.backend)
	set("model-size", &cfg.ModelSize, c.modelSize)
	set("device", &cfg.Device, c.device)
	set("language", &cfg.Language, c.language)
	set("log-level", &cfg.LogLevel, c.logLevel)
	set("log-format", &cfg.LogFormat, c.logFormat)
	if fs.Lookup("listen") != nil {
		set("listen", &cfg.ListenAddr, c.listen)
		set("static-dir", &cfg.StaticDir, c.staticDir)
		set("db-path", &cfg.DBPath, c.dbPath)
	}

	if fs.Changed("enable-diarization") {
		cfg.Diarization.Enabled = c.enableDiarization
	}
	if c.disableDiarization {
		cfg.Diarization.Enabled = false
	}
	if fs.Changed("num-speakers") {
		cfg.Diarization.NumSpeakers = c.numSpeakers
	}
	if fs.Changed("min-speakers") {
		cfg.Diarization.MinSpeakers = c.minSpeakers
	}
	if fs.Changed("max-speakers") {
		cfg.Diarization.MaxSpeakers = c.maxSpeakers
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}
