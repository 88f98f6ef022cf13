package transcribe

import "context"

// Request carries per-file transcription parameters.
type Request struct {
	AudioPath   string
	Model       string
	Language    string
	Device      string
	ComputeType string
	BatchSize   int
}

// Transcriber runs speech recognition over one audio file.
type Transcriber interface {
	Transcribe(ctx context.Context, req Request) (Transcript, error)
}

// Aligner refines segment timestamps against the audio. Backends that return
// final timestamps directly do not implement it.
type Aligner interface {
	Align(ctx context.Context, audioPath string, tr Transcript, device string) (Transcript, error)
}
