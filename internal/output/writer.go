// Package output serializes finished runs: the annotated transcript, the
// sibling status/metadata file and an optional markdown rendering.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sjawhar/ghost-scribe/internal/speaker"
	"github.com/sjawhar/ghost-scribe/internal/transcribe"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Document is the transcript payload. Diagnostics live in Metadata so
// transcript consumers never depend on them.
type Document struct {
	Language string               `json:"language"`
	Aligned  bool                 `json:"aligned"`
	Segments []transcribe.Segment `json:"segments"`
}

// Metadata describes how a run went. It is written on success and on failure.
type Metadata struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	AudioFile string `json:"audio_file"`

	Backend  string `json:"backend"`
	Model    string `json:"model"`
	Device   string `json:"device"`
	Language string `json:"language,omitempty"`

	Aligned            bool   `json:"aligned"`
	AlignmentError     string `json:"alignment_error,omitempty"`
	NormalizedAudio    bool   `json:"normalized_audio"`
	NormalizationError string `json:"normalization_error,omitempty"`

	HasSpeakers          bool     `json:"has_speakers"`
	SpeakerCount         int      `json:"speaker_count"`
	DiarizationEnabled   bool     `json:"diarization_enabled"`
	DiarizationAttempted bool     `json:"diarization_attempted"`
	DiarizationSuccess   bool     `json:"diarization_success"`
	DiarizationError     string   `json:"diarization_error,omitempty"`
	DetectedSpeakers     []string `json:"detected_speakers"`
	InvalidTurns         int      `json:"invalid_turns,omitempty"`

	SegmentCount    int       `json:"segment_count"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// ApplyOutcome copies the diarization outcome into m.
func (m *Metadata) ApplyOutcome(o speaker.Outcome) {
	m.DiarizationEnabled = o.Enabled
	m.DiarizationAttempted = o.Attempted
	m.DiarizationSuccess = o.Success
	m.HasSpeakers = o.Success && o.SpeakerCount > 0
	m.SpeakerCount = o.SpeakerCount
	m.DetectedSpeakers = append([]string{}, o.Speakers...)
	m.InvalidTurns = o.InvalidTurns
	if !o.Success && o.Enabled {
		m.DiarizationError = o.Error
	}
}

// StatusPath derives the metadata path from the transcript path:
// out.json -> out_status.json.
func StatusPath(transcriptPath string) string {
	return strings.TrimSuffix(transcriptPath, ".json") + "_status.json"
}

func WriteTranscript(path string, doc Document) error {
	if doc.Segments == nil {
		doc.Segments = []transcribe.Segment{}
	}
	return writeJSON(path, doc)
}

func WriteMetadata(path string, m Metadata) error {
	if m.DetectedSpeakers == nil {
		m.DetectedSpeakers = []string{}
	}
	return writeJSON(path, m)
}

// ReadMetadata loads a metadata file written by WriteMetadata.
func ReadMetadata(path string) (Metadata, error) {
	var m Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode %s: %w", path, err)
	}
	return m, nil
}

// WriteMarkdown renders the transcript as one line per segment under a
// short header.
func WriteMarkdown(path string, m Metadata, segments []transcribe.Segment) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(Markdown(m, segments)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func Markdown(m Metadata, segments []transcribe.Segment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", filepath.Base(m.AudioFile))
	fmt.Fprintf(&b, "- Date: %s\n", m.StartedAt.Local().Format("2006-01-02 15:04"))
	if m.Language != "" {
		fmt.Fprintf(&b, "- Language: %s\n", m.Language)
	}
	if m.HasSpeakers {
		fmt.Fprintf(&b, "- Speakers: %s\n", strings.Join(m.DetectedSpeakers, ", "))
	}
	b.WriteString("\n")

	for _, seg := range segments {
		if seg.Speaker == speaker.NoSpeaker {
			seg.Speaker = ""
		}
		b.WriteString(seg.FormatMarkdown())
		b.WriteString("\n")
	}
	return b.String()
}

func writeJSON(path string, v any) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
