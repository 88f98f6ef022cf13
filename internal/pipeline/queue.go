package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

// ErrQueueFull is returned by Submit when the backlog is at capacity.
var ErrQueueFull = errors.New("run queue is full")

// Request is a queued transcription. Zero values inherit the queue defaults.
type Request struct {
	AudioFile   string `json:"audio_file"`
	OutputFile  string `json:"output_file,omitempty"`
	Language    string `json:"language,omitempty"`
	NumSpeakers int    `json:"num_speakers,omitempty"`
	Diarize     *bool  `json:"diarize,omitempty"`
}

type QueueStatus struct {
	Pending   int    `json:"pending"`
	Active    string `json:"active,omitempty"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
}

// Queue feeds submitted runs to a single worker, one file at a time.
type Queue struct {
	p        *Pipeline
	defaults Options
	jobs     chan Options

	mu        sync.Mutex
	active    string
	processed int
	failed    int
}

func NewQueue(p *Pipeline, defaults Options, size int) *Queue {
	if size <= 0 {
		size = 16
	}
	return &Queue{p: p, defaults: defaults, jobs: make(chan Options, size)}
}

func (q *Queue) Submit(req Request) (string, error) {
	if req.AudioFile == "" {
		return "", fmt.Errorf("%w: audio_file is required", ErrInput)
	}

	opts := q.defaults
	opts.RunID = ""
	opts.AudioFile = req.AudioFile
	out, err := requestOutputPath(req)
	if err != nil {
		return "", err
	}
	opts.OutputFile = out
	opts.MarkdownFile = ""
	if req.Language != "" {
		opts.Language = req.Language
	}
	if req.NumSpeakers > 0 {
		opts.NumSpeakers = req.NumSpeakers
	}
	if req.Diarize != nil {
		opts.Diarize = *req.Diarize
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == cap(q.jobs) {
		return "", ErrQueueFull
	}
	opts.RunID = q.p.Register(opts)
	q.jobs <- opts
	return opts.RunID, nil
}

// Start processes jobs until ctx is cancelled. Queued jobs left at
// cancellation are dropped.
func (q *Queue) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case opts := <-q.jobs:
			q.setActive(opts.RunID)
			_, err := q.p.Run(ctx, opts)
			q.done(err)
		}
	}
}

func (q *Queue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStatus{Pending: len(q.jobs), Active: q.active, Processed: q.processed, Failed: q.failed}
}

func (q *Queue) setActive(id string) {
	q.mu.Lock()
	q.active = id
	q.mu.Unlock()
}

func (q *Queue) done(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active = ""
	q.processed++
	if err != nil {
		q.failed++
	}
}

// requestOutputPath confines the transcript to a .json file beside the audio
// and never the audio itself.
func requestOutputPath(req Request) (string, error) {
	audio := filepath.Clean(req.AudioFile)
	out := DefaultOutputPath(audio)
	if req.OutputFile != "" {
		out = filepath.Clean(req.OutputFile)
		if filepath.Dir(out) != filepath.Dir(audio) {
			return "", fmt.Errorf("%w: output_file must be in the audio file's directory", ErrInput)
		}
		if filepath.Ext(out) != ".json" {
			return "", fmt.Errorf("%w: output_file must end in .json", ErrInput)
		}
	}
	if out == audio {
		return "", fmt.Errorf("%w: output_file must differ from audio_file", ErrInput)
	}
	return out, nil
}
