package transcribe

import (
	"fmt"
	"strings"
	"time"
)

// Word is a word-level timing produced by forced alignment. WhisperX leaves
// Start/End empty for tokens it cannot align (numerals, symbols).
type Word struct {
	Word  string   `json:"word"`
	Start *float64 `json:"start,omitempty"`
	End   *float64 `json:"end,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
	Words   []Word  `json:"words,omitempty"`
}

// Duration is End-Start clamped at zero for malformed segments.
func (s Segment) Duration() float64 {
	if d := s.End - s.Start; d > 0 {
		return d
	}
	return 0
}

// Transcript is what an ASR backend hands back for one audio file.
type Transcript struct {
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
	// Device is where the model actually ran; WhisperX may fall back to CPU.
	Device string `json:"-"`
}

// Clone deep-copies the segment list so callers can annotate it freely.
func (t Transcript) Clone() Transcript {
	out := t
	out.Segments = make([]Segment, len(t.Segments))
	for i, s := range t.Segments {
		out.Segments[i] = s
		if s.Words != nil {
			out.Segments[i].Words = append([]Word(nil), s.Words...)
		}
	}
	return out
}

func (s Segment) FormatMarkdown() string {
	ts := fmt.Sprintf("[%s-%s]", formatClock(s.Start), formatClock(s.End))
	if s.Speaker == "" {
		return fmt.Sprintf("%s %s", ts, strings.TrimSpace(s.Text))
	}
	return fmt.Sprintf("%s **%s:** %s", ts, s.Speaker, strings.TrimSpace(s.Text))
}

func formatClock(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	d := time.Duration(sec * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
