package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/sjawhar/ghost-scribe/internal/config"
	"github.com/sjawhar/ghost-scribe/internal/diarize"
	"github.com/sjawhar/ghost-scribe/internal/gdrive"
	"github.com/sjawhar/ghost-scribe/internal/logging"
	"github.com/sjawhar/ghost-scribe/internal/media"
	"github.com/sjawhar/ghost-scribe/internal/output"
	"github.com/sjawhar/ghost-scribe/internal/pipeline"
	"github.com/sjawhar/ghost-scribe/internal/server"
	"github.com/sjawhar/ghost-scribe/internal/storage"
	"github.com/sjawhar/ghost-scribe/internal/transcribe"
)

//go:embed static/*
var staticFiles embed.FS

const (
	exitOK    = 0
	exitFatal = 1
	exitUsage = 2

	queueSize = 32
)

var errUsage = errors.New("usage error")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	serve := len(args) > 0 && args[0] == "serve"
	if serve {
		args = args[1:]
	}

	flags, cli, err := parseFlags(args, serve, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ghost-scribe: %v\n", err)
		return exitUsage
	}

	if err := config.LoadDotEnv(cli.envFile, ".env"); err != nil {
		_, _ = fmt.Fprintf(stderr, "ghost-scribe: %v\n", err)
		return exitUsage
	}
	cfg, _, err := config.Load(cli.configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "ghost-scribe: config: %v\n", err)
		return exitUsage
	}
	if err := applyFlags(flags, cli, &cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "ghost-scribe: %v\n", err)
		return exitUsage
	}
	warnings := cfg.Warnings()

	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Out: stderr})
	for _, w := range warnings {
		log.Warn().Msg(w)
	}

	if serve {
		return runServer(ctx, cfg, warnings, log)
	}
	return runOnce(ctx, cfg, cli, stdout, log)
}

func runOnce(ctx context.Context, cfg config.Config, cli cliFlags, stdout io.Writer, log zerolog.Logger) int {
	deps, closeDeps, err := buildDeps(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("setup failed")
		return exitFatal
	}
	defer closeDeps()

	opts := runOptions(cfg)
	opts.AudioFile = cli.audioFile
	opts.OutputFile = cli.outputFile
	opts.MarkdownFile = cli.markdown

	res, err := pipeline.New(deps).Run(ctx, opts)
	if err != nil {
		log.Error().Err(err).Str("run_id", res.RunID).Str("status_file", output.StatusPath(opts.OutputFile)).Msg("transcription failed")
		return exitFatal
	}

	m := res.Metadata
	log.Info().
		Str("run_id", m.RunID).
		Int("segments", m.SegmentCount).
		Int("speakers", m.SpeakerCount).
		Bool("aligned", m.Aligned).
		Float64("took_s", m.DurationSeconds).
		Msg("transcription complete")
	_, _ = fmt.Fprintln(stdout, opts.OutputFile)
	return exitOK
}

func runServer(ctx context.Context, cfg config.Config, warnings []string, log zerolog.Logger) int {
	if cfg.DBPath == "" {
		cfg.DBPath = "data/ghost-scribe.db"
	}
	deps, closeDeps, err := buildDeps(ctx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("setup failed")
		return exitFatal
	}
	defer closeDeps()

	store, ok := deps.Archive.(*storage.SQLiteStore)
	if !ok {
		log.Error().Msg("serve mode requires the run archive")
		return exitFatal
	}

	assets, err := staticAssets(cfg.StaticDir)
	if err != nil {
		log.Error().Err(err).Msg("static assets init failed")
		return exitFatal
	}

	hub := server.NewHub(logging.Component(log, "hub"))
	deps.Events = hub
	queue := pipeline.NewQueue(pipeline.New(deps), runOptions(cfg), queueSize)
	go queue.Start(ctx)

	handler, err := server.Handler(assets, hub, store, queue, server.StatusHooks{
		Queue:    queue.Status,
		Warnings: func() []string { return warnings },
	}, logging.Component(log, "http"))
	if err != nil {
		log.Error().Err(err).Msg("build http handler failed")
		return exitFatal
	}

	if err := server.Serve(ctx, cfg.ListenAddr, handler, log); err != nil {
		log.Error().Err(err).Msg("http server error")
		return exitFatal
	}
	log.Info().Msg("shut down")
	return exitOK
}

// buildDeps wires collaborators from cfg. Optional ones (diarizer, archive,
// drive upload) stay nil when unconfigured.
func buildDeps(ctx context.Context, cfg config.Config, log zerolog.Logger) (pipeline.Deps, func(), error) {
	deps := pipeline.Deps{Log: logging.Component(log, "pipeline")}
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.Backend {
	case config.BackendOpenAI:
		oa, err := transcribe.NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIModel, logging.Component(log, "openai"))
		if err != nil {
			return deps, closeAll, err
		}
		deps.Transcriber = oa
	default:
		wx := transcribe.NewWhisperX(cfg.PythonPath, cfg.TempDir, nil, logging.Component(log, "whisperx"))
		deps.Transcriber = wx
		deps.Aligner = wx
	}

	if cfg.DiarizationAvailable() {
		deps.Diarizer = diarize.NewPyannote(diarize.PyannoteConfig{
			Python:  cfg.PythonPath,
			Model:   cfg.Diarization.Model,
			Token:   cfg.HuggingFaceToken,
			TempDir: cfg.TempDir,
		}, nil, logging.Component(log, "pyannote"))
	}

	deps.Normalizer = media.NewNormalizer(cfg.FFmpegPath, cfg.TempDir, cfg.ParsedConvertTimeout(), nil, logging.Component(log, "ffmpeg"))

	if cfg.DBPath != "" {
		store, err := storage.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return deps, closeAll, fmt.Errorf("storage init: %w", err)
		}
		closers = append(closers, func() { _ = store.Close() })
		deps.Archive = store
	}

	if cfg.GDriveFolderID != "" {
		syncer, err := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID, logging.Component(log, "gdrive"))
		if err != nil {
			log.Warn().Err(err).Msg("gdrive upload disabled")
		} else {
			deps.Uploader = syncer
		}
	}

	return deps, closeAll, nil
}

func runOptions(cfg config.Config) pipeline.Options {
	model := cfg.ModelSize
	if cfg.Backend == config.BackendOpenAI {
		model = cfg.OpenAIModel
	}
	return pipeline.Options{
		Backend:     cfg.Backend,
		Model:       model,
		Device:      cfg.Device,
		ComputeType: cfg.ComputeType(),
		Language:    cfg.Language,
		BatchSize:   cfg.BatchSize,
		Diarize:     cfg.Diarization.Enabled,
		NumSpeakers: cfg.Diarization.NumSpeakers,
		MinSpeakers: cfg.Diarization.MinSpeakers,
		MaxSpeakers: cfg.Diarization.MaxSpeakers,
	}
}

// staticAssets layers the on-disk PWA directory (generated icons, custom
// shell) over the embedded shell.
func staticAssets(dir string) (fs.FS, error) {
	embedded, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, err
	}
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return layeredFS{os.DirFS(dir), embedded}, nil
		}
	}
	return embedded, nil
}

// layeredFS opens from the first layer that has the name.
type layeredFS []fs.FS

func (l layeredFS) Open(name string) (fs.File, error) {
	var firstErr error
	for _, layer := range l {
		f, err := layer.Open(name)
		if err == nil {
			return f, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
