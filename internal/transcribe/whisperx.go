package transcribe

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

//go:embed assets/whisperx_helper.py
var whisperxHelper []byte

// ErrMalformedOutput is returned when a helper exits cleanly but its JSON
// result cannot be decoded.
var ErrMalformedOutput = errors.New("transcribe: malformed helper output")

const stderrTail = 800

// WhisperX runs ASR and forced alignment through an embedded Python helper.
type WhisperX struct {
	python  string
	tempDir string
	runner  process.Runner
	log     zerolog.Logger
}

func NewWhisperX(python, tempDir string, runner process.Runner, log zerolog.Logger) *WhisperX {
	if python == "" {
		python = "python3"
	}
	if runner == nil {
		runner = process.Exec{}
	}
	return &WhisperX{python: python, tempDir: tempDir, runner: runner, log: log}
}

type helperResult struct {
	Language string    `json:"language"`
	Device   string    `json:"device"`
	Segments []Segment `json:"segments"`
}

func (w *WhisperX) Transcribe(ctx context.Context, req Request) (Transcript, error) {
	args := []string{
		"transcribe",
		"--audio", req.AudioPath,
		"--model", req.Model,
		"--device", req.Device,
		"--compute-type", req.ComputeType,
		"--batch-size", strconv.Itoa(batchSize(req.BatchSize)),
	}
	if req.Language != "" {
		args = append(args, "--language", req.Language)
	}

	w.log.Info().Str("model", req.Model).Str("device", req.Device).Str("language", languageOrAuto(req.Language)).Msg("transcribing")
	res, err := w.runHelper(ctx, "transcribe", args)
	if err != nil {
		return Transcript{}, err
	}
	if res.Device != "" && res.Device != req.Device {
		w.log.Warn().Str("requested", req.Device).Str("actual", res.Device).Msg("device fallback")
	}
	return Transcript{Language: res.Language, Segments: res.Segments, Device: res.Device}, nil
}

func (w *WhisperX) Align(ctx context.Context, audioPath string, tr Transcript, device string) (Transcript, error) {
	payload, err := json.Marshal(helperResult{Language: tr.Language, Segments: tr.Segments})
	if err != nil {
		return Transcript{}, fmt.Errorf("transcribe: encode align input: %w", err)
	}
	input, cleanup, err := process.Stage(w.tempDir, "ghost-scribe-align-*.json", payload, 0o600)
	if err != nil {
		return Transcript{}, err
	}
	defer cleanup()

	res, err := w.runHelper(ctx, "align", []string{
		"align",
		"--audio", audioPath,
		"--input", input,
		"--device", device,
	})
	if err != nil {
		return Transcript{}, err
	}
	language := res.Language
	if language == "" {
		language = tr.Language
	}
	return Transcript{Language: language, Segments: res.Segments, Device: res.Device}, nil
}

// runHelper stages the script, appends --output and decodes the result file.
func (w *WhisperX) runHelper(ctx context.Context, stage string, args []string) (helperResult, error) {
	script, removeScript, err := process.Stage(w.tempDir, "ghost-scribe-whisperx-*.py", whisperxHelper, 0o700)
	if err != nil {
		return helperResult{}, err
	}
	defer removeScript()

	out, removeOut, err := process.Stage(w.tempDir, "ghost-scribe-"+stage+"-out-*.json", nil, 0o600)
	if err != nil {
		return helperResult{}, err
	}
	defer removeOut()

	cmd := process.Command{
		Binary: w.python,
		Args:   append(append([]string{script}, args...), "--output", out),
	}
	result, err := w.runner.Run(ctx, cmd)
	if err != nil {
		var stderr []byte
		if result != nil {
			stderr = result.Stderr
		}
		return helperResult{}, fmt.Errorf("whisperx %s: %w: %s", stage, err, process.Tail(stderr, stderrTail))
	}
	w.log.Debug().Str("stage", stage).Dur("took", result.Duration).Msg("helper finished")

	data, err := os.ReadFile(out)
	if err != nil {
		return helperResult{}, fmt.Errorf("whisperx %s: read result: %w", stage, err)
	}
	var parsed helperResult
	if err := json.Unmarshal(data, &parsed); err != nil {
		return helperResult{}, fmt.Errorf("%w: whisperx %s: %v", ErrMalformedOutput, stage, err)
	}
	if parsed.Segments == nil {
		parsed.Segments = []Segment{}
	}
	return parsed, nil
}

func batchSize(n int) int {
	if n <= 0 {
		return 16
	}
	return n
}

func languageOrAuto(lang string) string {
	if lang == "" {
		return "auto-detect"
	}
	return lang
}
