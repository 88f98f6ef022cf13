// Package pipeline runs one audio file through normalization, ASR,
// alignment, diarization and speaker reconciliation, then writes the results.
//
// Only ASR failures (and unusable input/output paths) fail a run. Every other
// stage degrades and records what happened in the run metadata.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sjawhar/ghost-scribe/internal/diarize"
	"github.com/sjawhar/ghost-scribe/internal/logging"
	"github.com/sjawhar/ghost-scribe/internal/media"
	"github.com/sjawhar/ghost-scribe/internal/output"
	"github.com/sjawhar/ghost-scribe/internal/speaker"
	"github.com/sjawhar/ghost-scribe/internal/transcribe"
)

var (
	// ErrModelInvocation means the ASR model failed to load or run.
	ErrModelInvocation = errors.New("model invocation failed")
	// ErrInput means the audio file is missing or unreadable.
	ErrInput = errors.New("invalid input")
	// ErrOutput means the transcript could not be written.
	ErrOutput = errors.New("write output failed")
)

const (
	StageNormalize   = "normalize"
	StageTranscribe  = "transcribe"
	StageAlign       = "align"
	StageDiarize     = "diarize"
	StageReconcile   = "reconcile"
	StageWriteOutput = "write"
)

// Options configure a single run.
type Options struct {
	RunID        string
	AudioFile    string
	OutputFile   string
	MarkdownFile string

	Backend     string
	Model       string
	Device      string
	ComputeType string
	Language    string
	BatchSize   int

	Diarize     bool
	NumSpeakers int
	MinSpeakers int
	MaxSpeakers int
}

// Normalizer prepares input audio for the models.
type Normalizer interface {
	Prepare(ctx context.Context, src string) (*media.Audio, error)
}

// Archive records runs for later browsing.
type Archive interface {
	CreateRun(id, audioFile, outputFile string, createdAt time.Time) error
	MarkRunning(id string) error
	CompleteRun(id string, finishedAt time.Time, meta output.Metadata, segments []transcribe.Segment) error
	FailRun(id string, finishedAt time.Time, meta output.Metadata) error
}

// Events receives run lifecycle notifications.
type Events interface {
	RunQueued(id, audioFile string)
	RunStage(id, stage string)
	RunCompleted(id string, meta output.Metadata)
	RunFailed(id, reason string)
}

// Uploader mirrors written files somewhere else.
type Uploader interface {
	Upload(ctx context.Context, paths ...string) error
}

// Deps are the collaborators a Pipeline drives. Transcriber is required;
// a nil Diarizer means diarization credentials are not configured.
type Deps struct {
	Transcriber transcribe.Transcriber
	Aligner     transcribe.Aligner
	Diarizer    diarize.Diarizer
	Normalizer  Normalizer
	Archive     Archive
	Events      Events
	Uploader    Uploader
	Log         zerolog.Logger
}

type Pipeline struct {
	deps       Deps
	reconciler *speaker.Reconciler
	log        zerolog.Logger
	now        func() time.Time
	newID      func() string
}

// Result is what a finished run produced.
type Result struct {
	RunID    string
	Document output.Document
	Metadata output.Metadata
}

func New(d Deps) *Pipeline {
	return &Pipeline{
		deps:       d,
		reconciler: speaker.New(logging.Component(d.Log, "reconciler")),
		log:        d.Log,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// DefaultOutputPath puts the transcript next to the audio file.
func DefaultOutputPath(audioFile string) string {
	return strings.TrimSuffix(audioFile, filepath.Ext(audioFile)) + ".json"
}

// Register assigns a run id, records the run as queued and announces it.
func (p *Pipeline) Register(opts Options) string {
	id := opts.RunID
	if id == "" {
		id = p.newID()
	}
	if p.deps.Archive != nil {
		if err := p.deps.Archive.CreateRun(id, opts.AudioFile, opts.OutputFile, p.now()); err != nil {
			p.log.Warn().Err(err).Str("run_id", id).Msg("archive create failed")
		}
	}
	if p.deps.Events != nil {
		p.deps.Events.RunQueued(id, opts.AudioFile)
	}
	return id
}

// Run processes opts.AudioFile end to end. On a fatal error it still writes
// the failure metadata next to the output path and returns it in Result.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Result, error) {
	if opts.RunID == "" {
		opts.RunID = p.Register(opts)
	}
	if opts.OutputFile == "" {
		opts.OutputFile = DefaultOutputPath(opts.AudioFile)
	}
	log := p.log.With().Str("run_id", opts.RunID).Logger()

	started := p.now()
	meta := output.Metadata{
		RunID:              opts.RunID,
		AudioFile:          opts.AudioFile,
		Backend:            opts.Backend,
		Model:              opts.Model,
		Device:             opts.Device,
		Language:           opts.Language,
		DiarizationEnabled: opts.Diarize,
		DetectedSpeakers:   []string{},
		StartedAt:          started.UTC(),
	}

	if p.deps.Archive != nil {
		if err := p.deps.Archive.MarkRunning(opts.RunID); err != nil {
			log.Warn().Err(err).Msg("archive update failed")
		}
	}

	if info, err := os.Stat(opts.AudioFile); err != nil || info.IsDir() {
		if err == nil {
			err = errors.New("is a directory")
		}
		return p.fail(log, opts, meta, fmt.Errorf("%w: audio file %s: %w", ErrInput, opts.AudioFile, err))
	}

	audioPath := opts.AudioFile
	if p.deps.Normalizer != nil {
		p.stage(opts.RunID, StageNormalize)
		audio, err := p.deps.Normalizer.Prepare(ctx, opts.AudioFile)
		if audio == nil {
			audio = &media.Audio{Path: opts.AudioFile}
		}
		defer audio.Cleanup()
		if err != nil {
			log.Warn().Err(err).Msg("audio normalization failed, using original file")
			meta.NormalizationError = err.Error()
		}
		audioPath = audio.Path
		meta.NormalizedAudio = audio.Normalized
	}

	p.stage(opts.RunID, StageTranscribe)
	tr, err := p.deps.Transcriber.Transcribe(ctx, transcribe.Request{
		AudioPath:   audioPath,
		Model:       opts.Model,
		Language:    opts.Language,
		Device:      opts.Device,
		ComputeType: opts.ComputeType,
		BatchSize:   opts.BatchSize,
	})
	if err != nil {
		return p.fail(log, opts, meta, fmt.Errorf("%w: %w", ErrModelInvocation, err))
	}
	if tr.Device != "" {
		meta.Device = tr.Device
	}
	meta.Language = tr.Language
	log.Info().Int("segments", len(tr.Segments)).Str("language", tr.Language).Msg("transcription finished")

	if p.deps.Aligner != nil {
		p.stage(opts.RunID, StageAlign)
		aligned, err := p.deps.Aligner.Align(ctx, audioPath, tr, meta.Device)
		if err != nil {
			log.Warn().Err(err).Str("language", tr.Language).Msg("alignment failed, continuing with unaligned transcription")
			meta.AlignmentError = err.Error()
		} else {
			tr = aligned
			meta.Aligned = true
		}
	}

	d := speaker.Diarization{Enabled: opts.Diarize}
	if opts.Diarize {
		if p.deps.Diarizer == nil {
			d.Err = diarize.ErrNoToken
			log.Warn().Msg("HUGGINGFACE_TOKEN not set, skipping speaker diarization")
		} else {
			p.stage(opts.RunID, StageDiarize)
			d.Attempted = true
			d.Turns, d.Err = p.deps.Diarizer.Diarize(ctx, diarize.Request{
				AudioPath:   audioPath,
				Device:      meta.Device,
				NumSpeakers: opts.NumSpeakers,
				MinSpeakers: opts.MinSpeakers,
				MaxSpeakers: opts.MaxSpeakers,
			})
			if d.Err != nil {
				log.Warn().Err(d.Err).Msg("speaker diarization failed, continuing without speaker labels")
			}
		}
	}

	p.stage(opts.RunID, StageReconcile)
	segments, outcome := p.reconciler.Reconcile(tr.Segments, d)
	meta.ApplyOutcome(outcome)
	meta.SegmentCount = len(segments)

	doc := output.Document{Language: tr.Language, Aligned: meta.Aligned, Segments: segments}

	p.stage(opts.RunID, StageWriteOutput)
	if err := output.WriteTranscript(opts.OutputFile, doc); err != nil {
		return p.fail(log, opts, meta, fmt.Errorf("%w: %w", ErrOutput, err))
	}

	meta.Status = output.StatusCompleted
	p.finish(&meta)
	statusPath := output.StatusPath(opts.OutputFile)
	if err := output.WriteMetadata(statusPath, meta); err != nil {
		log.Warn().Err(err).Msg("write metadata failed")
	}
	written := []string{opts.OutputFile}
	if opts.MarkdownFile != "" {
		if err := output.WriteMarkdown(opts.MarkdownFile, meta, segments); err != nil {
			log.Warn().Err(err).Msg("write markdown failed")
		} else {
			written = append(written, opts.MarkdownFile)
		}
	}

	if p.deps.Archive != nil {
		if err := p.deps.Archive.CompleteRun(opts.RunID, meta.FinishedAt, meta, segments); err != nil {
			log.Warn().Err(err).Msg("archive complete failed")
		}
	}
	if p.deps.Uploader != nil {
		if err := p.deps.Uploader.Upload(ctx, written...); err != nil {
			log.Warn().Err(err).Msg("drive sync failed")
		}
	}
	if p.deps.Events != nil {
		p.deps.Events.RunCompleted(opts.RunID, meta)
	}

	log.Info().
		Str("output", opts.OutputFile).
		Bool("aligned", meta.Aligned).
		Bool("has_speakers", meta.HasSpeakers).
		Int("speaker_count", meta.SpeakerCount).
		Float64("seconds", meta.DurationSeconds).
		Msg("transcription saved")

	return Result{RunID: opts.RunID, Document: doc, Metadata: meta}, nil
}

func (p *Pipeline) fail(log zerolog.Logger, opts Options, meta output.Metadata, cause error) (Result, error) {
	meta.Status = output.StatusFailed
	meta.Error = cause.Error()
	p.finish(&meta)

	log.Error().Err(cause).Msg("run failed")
	if err := output.WriteMetadata(output.StatusPath(opts.OutputFile), meta); err != nil {
		log.Error().Err(err).Msg("write failure metadata failed")
	}
	if p.deps.Archive != nil {
		if err := p.deps.Archive.FailRun(opts.RunID, meta.FinishedAt, meta); err != nil {
			log.Warn().Err(err).Msg("archive fail failed")
		}
	}
	if p.deps.Events != nil {
		p.deps.Events.RunFailed(opts.RunID, meta.Error)
	}
	return Result{RunID: opts.RunID, Metadata: meta}, cause
}

func (p *Pipeline) finish(meta *output.Metadata) {
	meta.FinishedAt = p.now().UTC()
	meta.DurationSeconds = meta.FinishedAt.Sub(meta.StartedAt).Seconds()
}

func (p *Pipeline) stage(id, stage string) {
	p.log.Debug().Str("run_id", id).Str("stage", stage).Msg("stage")
	if p.deps.Events != nil {
		p.deps.Events.RunStage(id, stage)
	}
}
