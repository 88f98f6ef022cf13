package transcribe

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI transcribes through the hosted Whisper API. Segment timestamps come
// back final, so it does not implement Aligner.
type OpenAI struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
}

type OpenAIOption func(*openai.ClientConfig)

// WithBaseURL points the client at a compatible endpoint.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openai.ClientConfig) { c.BaseURL = url }
}

func NewOpenAI(apiKey, model string, log zerolog.Logger, opts ...OpenAIOption) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai transcription: api key is required")
	}
	if model == "" {
		model = openai.Whisper1
	}
	config := openai.DefaultConfig(apiKey)
	for _, opt := range opts {
		opt(&config)
	}
	return &OpenAI{client: openai.NewClientWithConfig(config), model: model, log: log}, nil
}

func (o *OpenAI) Transcribe(ctx context.Context, req Request) (Transcript, error) {
	o.log.Info().Str("model", o.model).Str("language", languageOrAuto(req.Language)).Msg("transcribing via openai")

	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.model,
		FilePath: req.AudioPath,
		Language: req.Language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return Transcript{}, fmt.Errorf("openai transcription: %w", err)
	}

	tr := Transcript{Language: resp.Language, Segments: make([]Segment, 0, len(resp.Segments)), Device: "remote"}
	for _, s := range resp.Segments {
		tr.Segments = append(tr.Segments, Segment{Start: s.Start, End: s.End, Text: s.Text})
	}
	if len(tr.Segments) == 0 && resp.Text != "" {
		tr.Segments = append(tr.Segments, Segment{Start: 0, End: resp.Duration, Text: resp.Text})
	}
	return tr, nil
}
