package server

import (
	"time"

	"github.com/sjawhar/ghost-scribe/internal/output"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type RunQueuedEvent struct {
	Event
	RunID     string `json:"run_id"`
	AudioFile string `json:"audio_file"`
}

type RunStageEvent struct {
	Event
	RunID string `json:"run_id"`
	Stage string `json:"stage"`
}

type RunCompletedEvent struct {
	Event
	RunID        string   `json:"run_id"`
	SpeakerCount int      `json:"speaker_count"`
	Speakers     []string `json:"detected_speakers"`
	Segments     int      `json:"segment_count"`
	Aligned      bool     `json:"aligned"`
	Duration     float64  `json:"duration"`
}

type RunFailedEvent struct {
	Event
	RunID string `json:"run_id"`
	Error string `json:"error"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

func completedEvent(id string, meta output.Metadata, now time.Time) RunCompletedEvent {
	speakers := meta.DetectedSpeakers
	if speakers == nil {
		speakers = []string{}
	}
	return RunCompletedEvent{
		Event:        newEvent("run_completed", now),
		RunID:        id,
		SpeakerCount: meta.SpeakerCount,
		Speakers:     speakers,
		Segments:     meta.SegmentCount,
		Aligned:      meta.Aligned,
		Duration:     meta.DurationSeconds,
	}
}
