package diarize

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/sjawhar/ghost-scribe/internal/process"
)

//go:embed assets/pyannote_helper.py
var pyannoteHelper []byte

// ErrNoToken is returned when diarization is requested without a Hugging Face
// access token.
var ErrNoToken = errors.New("diarize: hugging face token not configured")

const DefaultModel = "pyannote/speaker-diarization-3.1"

// Request holds optional speaker-count hints. Zero means unset.
type Request struct {
	AudioPath   string
	Device      string
	NumSpeakers int
	MinSpeakers int
	MaxSpeakers int
}

// Diarizer produces raw speaker turns for an audio file. Implementations
// return whatever the model emitted; validation is the caller's job.
type Diarizer interface {
	Diarize(ctx context.Context, req Request) ([]RawTurn, error)
}

// Pyannote runs pyannote.audio through an embedded Python helper.
type Pyannote struct {
	python  string
	model   string
	token   string
	tempDir string
	runner  process.Runner
	log     zerolog.Logger
}

type PyannoteConfig struct {
	Python  string
	Model   string
	Token   string
	TempDir string
}

func NewPyannote(cfg PyannoteConfig, runner process.Runner, log zerolog.Logger) *Pyannote {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if runner == nil {
		runner = process.Exec{}
	}
	return &Pyannote{
		python:  cfg.Python,
		model:   cfg.Model,
		token:   cfg.Token,
		tempDir: cfg.TempDir,
		runner:  runner,
		log:     log,
	}
}

type helperOutput struct {
	Turns []RawTurn `json:"turns"`
}

func (p *Pyannote) Diarize(ctx context.Context, req Request) ([]RawTurn, error) {
	if p.token == "" {
		return nil, ErrNoToken
	}

	script, removeScript, err := process.Stage(p.tempDir, "ghost-scribe-pyannote-*.py", pyannoteHelper, 0o700)
	if err != nil {
		return nil, err
	}
	defer removeScript()

	out, removeOut, err := process.Stage(p.tempDir, "ghost-scribe-diarize-out-*.json", nil, 0o600)
	if err != nil {
		return nil, err
	}
	defer removeOut()

	device := req.Device
	if device == "" {
		device = "cpu"
	}
	args := []string{script, "--audio", req.AudioPath, "--model", p.model, "--device", device, "--output", out}
	hints := []struct {
		flag string
		n    int
	}{
		{"--num-speakers", req.NumSpeakers},
		{"--min-speakers", req.MinSpeakers},
		{"--max-speakers", req.MaxSpeakers},
	}
	for _, h := range hints {
		if h.n > 0 {
			args = append(args, h.flag, strconv.Itoa(h.n))
		}
	}

	p.log.Info().Str("model", p.model).Str("device", device).Msg("running speaker diarization")
	result, err := p.runner.Run(ctx, process.Command{
		Binary: p.python,
		Args:   args,
		Env:    []string{"HUGGINGFACE_TOKEN=" + p.token},
	})
	if err != nil {
		var stderr []byte
		if result != nil {
			stderr = result.Stderr
		}
		return nil, fmt.Errorf("pyannote: %w: %s", err, process.Tail(stderr, 800))
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("pyannote: read result: %w", err)
	}
	var parsed helperOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("pyannote: decode result: %w", err)
	}
	p.log.Debug().Int("turns", len(parsed.Turns)).Dur("took", result.Duration).Msg("diarization finished")
	return parsed.Turns, nil
}
