package transcribe

import (
	"context"
	"encoding/json"
	"fmt"

	rest "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

type DeepgramOptions struct {
	Model    string
	Language string
}

// Deepgram transcribes files through the prerecorded REST API.
type Deepgram struct {
	fromFile func(ctx context.Context, audioPath string) (any, error)
}

func NewDeepgram(apiKey string, opts DeepgramOptions) *Deepgram {
	if opts.Model == "" {
		opts.Model = "nova-2"
	}
	if opts.Language == "" {
		opts.Language = "fr"
	}

	dg := rest.New(client.NewREST(apiKey, &interfaces.ClientOptions{}))
	tOptions := &interfaces.PreRecordedTranscriptionOptions{
		Model:       opts.Model,
		Language:    opts.Language,
		Diarize:     true,
		Punctuate:   true,
		SmartFormat: true,
		Utterances:  true,
	}

	return &Deepgram{
		fromFile: func(ctx context.Context, audioPath string) (any, error) {
			res, err := dg.FromFile(ctx, audioPath, tOptions)
			if err != nil {
				return nil, err
			}
			return res, nil
		},
	}
}

type deepgramResponse struct {
	Results struct {
		Utterances []struct {
			Start      float64 `json:"start"`
			End        float64 `json:"end"`
			Transcript string  `json:"transcript"`
			Speaker    *int    `json:"speaker"`
		} `json:"utterances"`
		Channels []struct {
			Alternatives []struct {
				Words []struct {
					Word           string  `json:"word"`
					PunctuatedWord string  `json:"punctuated_word"`
					Start          float64 `json:"start"`
					End            float64 `json:"end"`
					Speaker        *int    `json:"speaker"`
				} `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (d *Deepgram) Segments(ctx context.Context, audioPath string) ([]Segment, error) {
	res, err := d.fromFile(ctx, audioPath)
	if err != nil {
		return nil, fmt.Errorf("deepgram transcription: %w", err)
	}

	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode deepgram response: %w", err)
	}
	var parsed deepgramResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode deepgram response: %w", err)
	}

	if len(parsed.Results.Utterances) > 0 {
		segments := make([]Segment, 0, len(parsed.Results.Utterances))
		for _, u := range parsed.Results.Utterances {
			speaker := -1
			if u.Speaker != nil {
				speaker = *u.Speaker
			}
			segments = append(segments, Segment{Speaker: speaker, Text: u.Transcript, Start: u.Start, End: u.End})
		}
		return segments, nil
	}

	var words []Word
	for _, ch := range parsed.Results.Channels {
		if len(ch.Alternatives) == 0 {
			continue
		}
		for _, w := range ch.Alternatives[0].Words {
			text := w.PunctuatedWord
			if text == "" {
				text = w.Word
			}
			words = append(words, Word{Speaker: w.Speaker, PunctuatedWord: text, Start: w.Start, End: w.End})
		}
		break
	}
	return GroupWordsBySpeaker(words), nil
}
