package transcribe

import (
	"context"
	"errors"
	"testing"
)

func TestDeepgramPrefersUtterances(t *testing.T) {
	d := &Deepgram{fromFile: func(context.Context, string) (any, error) {
		return map[string]any{
			"results": map[string]any{
				"utterances": []map[string]any{
					{"start": 0.0, "end": 1.2, "transcript": "Bonjour.", "speaker": 0},
					{"start": 1.2, "end": 3.0, "transcript": "Asseyez-vous.", "speaker": 0},
				},
			},
		}, nil
	}}

	segments, err := d.Segments(context.Background(), "chunk.wav")
	if err != nil {
		t.Fatalf("Segments failed: %v", err)
	}
	if len(segments) != 2 || segments[1].Text != "Asseyez-vous." || segments[1].Start != 1.2 {
		t.Fatalf("unexpected segments %#v", segments)
	}
}

func TestDeepgramGroupsWordsWithoutUtterances(t *testing.T) {
	d := &Deepgram{fromFile: func(context.Context, string) (any, error) {
		return map[string]any{
			"results": map[string]any{
				"channels": []map[string]any{{
					"alternatives": []map[string]any{{
						"words": []map[string]any{
							{"word": "salut", "punctuated_word": "Salut", "start": 0.0, "end": 0.4, "speaker": 0},
							{"word": "tout", "start": 0.4, "end": 0.6, "speaker": 0},
							{"word": "oui", "punctuated_word": "Oui.", "start": 1.0, "end": 1.3, "speaker": 1},
						},
					}},
				}},
			},
		}, nil
	}}

	segments, err := d.Segments(context.Background(), "chunk.wav")
	if err != nil {
		t.Fatalf("Segments failed: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %#v", segments)
	}
	if segments[0].Text != "Salut tout" || segments[1].Text != "Oui." {
		t.Fatalf("unexpected segments %#v", segments)
	}
}

func TestDeepgramError(t *testing.T) {
	d := &Deepgram{fromFile: func(context.Context, string) (any, error) {
		return nil, errors.New("401 unauthorized")
	}}
	if _, err := d.Segments(context.Background(), "chunk.wav"); err == nil {
		t.Fatal("expected error")
	}
}
