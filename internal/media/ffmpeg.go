// Package media normalizes input audio into a format every model accepts.
package media

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sjawhar/ghost-scribe/internal/process"
)

// ErrConversion wraps any ffmpeg failure, including timeouts.
var ErrConversion = errors.New("media: audio conversion failed")

const DefaultTimeout = 5 * time.Minute

// Containers and codecs pyannote's decoder handles unreliably.
var problematic = map[string]bool{
	".m4a": true, ".mp4": true, ".aac": true, ".webm": true,
	".ogg": true, ".opus": true, ".wma": true, ".amr": true,
	".3gp": true, ".mov": true, ".mkv": true, ".flac": true,
}

// NeedsNormalization reports whether path has an extension that must be
// converted to WAV before transcription and diarization.
func NeedsNormalization(path string) bool {
	return problematic[strings.ToLower(filepath.Ext(path))]
}

// Audio is the file the pipeline should feed to the models.
type Audio struct {
	Path       string
	Normalized bool
	cleanup    func()
}

// Cleanup removes the temporary WAV, if one was produced. Safe to call more
// than once.
func (a *Audio) Cleanup() {
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
	}
}

type Normalizer struct {
	ffmpeg  string
	tempDir string
	timeout time.Duration
	runner  process.Runner
	log     zerolog.Logger
}

func NewNormalizer(ffmpeg, tempDir string, timeout time.Duration, runner process.Runner, log zerolog.Logger) *Normalizer {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if runner == nil {
		runner = process.Exec{}
	}
	return &Normalizer{ffmpeg: ffmpeg, tempDir: tempDir, timeout: timeout, runner: runner, log: log}
}

// Prepare converts src to mono 16 kHz 16-bit PCM WAV when its extension calls
// for it. On failure the returned Audio points at src and the error wraps
// ErrConversion, so callers can log and continue with the original file.
func (n *Normalizer) Prepare(ctx context.Context, src string) (*Audio, error) {
	if !NeedsNormalization(src) {
		return &Audio{Path: src}, nil
	}

	out, remove, err := process.Stage(n.tempDir, "ghost-scribe-normalized-*.wav", nil, 0o600)
	if err != nil {
		return &Audio{Path: src}, fmt.Errorf("%w: %v", ErrConversion, err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	n.log.Info().Str("src", filepath.Base(src)).Dur("timeout", n.timeout).Msg("normalizing audio")
	result, err := n.runner.Run(ctx, process.Command{
		Binary: n.ffmpeg,
		Args: []string{
			"-y", "-hide_banner", "-loglevel", "error",
			"-i", src,
			"-ac", "1",
			"-ar", "16000",
			"-sample_fmt", "s16",
			"-acodec", "pcm_s16le",
			out,
		},
	})
	if err != nil {
		remove()
		var stderr []byte
		if result != nil {
			stderr = result.Stderr
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Audio{Path: src}, fmt.Errorf("%w: timed out after %s: %w", ErrConversion, n.timeout, ctx.Err())
		}
		if ctx.Err() != nil {
			return &Audio{Path: src}, fmt.Errorf("%w: cancelled: %w", ErrConversion, ctx.Err())
		}
		return &Audio{Path: src}, fmt.Errorf("%w: %w: %s", ErrConversion, err, process.Tail(stderr, 500))
	}

	n.log.Debug().Dur("took", result.Duration).Msg("audio normalized")
	return &Audio{Path: out, Normalized: true, cleanup: remove}, nil
}
