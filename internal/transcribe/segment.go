// Package transcribe turns normalized audio into timestamped transcript
// files, one line per utterance.
package transcribe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Word struct {
	Speaker        *int
	PunctuatedWord string
	Start          float64
	End            float64
}

type Segment struct {
	Speaker int     `json:"speaker"`
	Text    string  `json:"text"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Backend returns the utterances found in a normalized audio file.
type Backend interface {
	Segments(ctx context.Context, audioPath string) ([]Segment, error)
}

func GroupWordsBySpeaker(words []Word) []Segment {
	if len(words) == 0 {
		return nil
	}

	var segments []Segment
	var current Segment
	started := false

	for _, w := range words {
		speaker := -1
		if w.Speaker != nil {
			speaker = *w.Speaker
		}

		if !started {
			current = Segment{Speaker: speaker, Text: w.PunctuatedWord, Start: w.Start, End: w.End}
			started = true
			continue
		}

		if speaker == current.Speaker {
			current.Text += " " + w.PunctuatedWord
			current.End = w.End
		} else {
			segments = append(segments, current)
			current = Segment{Speaker: speaker, Text: w.PunctuatedWord, Start: w.Start, End: w.End}
		}
	}

	segments = append(segments, current)
	return segments
}

// FormatLine renders a segment as "[start - end] text" with times in seconds.
func (s Segment) FormatLine() string {
	return fmt.Sprintf("[%.2f - %.2f] %s", s.Start, s.End, strings.TrimSpace(s.Text))
}

// WriteTranscript writes one line per non-empty segment to <stem>.txt in
// outDir and returns the file path. An audio file with no speech still
// produces an (empty) transcript.
func WriteTranscript(outDir, audioPath string, segments []Segment) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}

	var b strings.Builder
	for _, seg := range segments {
		if strings.TrimSpace(seg.Text) == "" {
			continue
		}
		b.WriteString(seg.FormatLine())
		b.WriteByte('\n')
	}

	stem := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	path := filepath.Join(outDir, stem+".txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("write transcript %s: %w", path, err)
	}
	return path, nil
}

// Transcriber adapts a Backend to the file-in, file-out stage contract.
type Transcriber struct {
	backend Backend
}

func New(backend Backend) *Transcriber {
	return &Transcriber{backend: backend}
}

func (t *Transcriber) Transcribe(ctx context.Context, audioPath, outDir string) (string, error) {
	segments, err := t.backend.Segments(ctx, audioPath)
	if err != nil {
		return "", fmt.Errorf("transcribe %s: %w", filepath.Base(audioPath), err)
	}
	return WriteTranscript(outDir, audioPath, segments)
}
