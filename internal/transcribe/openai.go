package transcribe

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI transcribes with the whisper endpoint, asking for verbose_json so
// segment timings come back with the text.
type OpenAI struct {
	client   *openai.Client
	model    string
	language string
}

func NewOpenAI(apiKey, model, language string) *OpenAI {
	return NewOpenAIWithConfig(openai.DefaultConfig(apiKey), model, language)
}

func NewOpenAIWithConfig(config openai.ClientConfig, model, language string) *OpenAI {
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAI{client: openai.NewClientWithConfig(config), model: model, language: language}
}

func (o *OpenAI) Segments(ctx context.Context, audioPath string) ([]Segment, error) {
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.model,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
		Language: o.language,
	})
	if err != nil {
		return nil, fmt.Errorf("openai transcription: %w", err)
	}

	if len(resp.Segments) == 0 {
		if strings.TrimSpace(resp.Text) == "" {
			return nil, nil
		}
		return []Segment{{Speaker: -1, Text: resp.Text, Start: 0, End: resp.Duration}}, nil
	}

	segments := make([]Segment, 0, len(resp.Segments))
	for _, s := range resp.Segments {
		segments = append(segments, Segment{Speaker: -1, Text: strings.TrimSpace(s.Text), Start: s.Start, End: s.End})
	}
	return segments, nil
}
