// Package speech turns answer and summary text files into spoken audio.
package speech

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const silenceDuration = 500 * time.Millisecond

// OpenAI synthesizes wav audio with the speech endpoint.
type OpenAI struct {
	client *openai.Client
	model  openai.SpeechModel
	voice  openai.SpeechVoice
}

func NewOpenAI(apiKey, model, voice string) *OpenAI {
	return NewOpenAIWithConfig(openai.DefaultConfig(apiKey), model, voice)
}

func NewOpenAIWithConfig(config openai.ClientConfig, model, voice string) *OpenAI {
	if model == "" {
		model = string(openai.TTSModel1)
	}
	if voice == "" {
		voice = string(openai.VoiceAlloy)
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(config),
		model:  openai.SpeechModel(model),
		voice:  openai.SpeechVoice(voice),
	}
}

func (o *OpenAI) Synthesize(ctx context.Context, textPath, outDir string) (string, error) {
	text, out, err := prepare(textPath, outDir)
	if err != nil {
		return "", err
	}
	if text == "" {
		return out, writeSilence(out, silenceDuration)
	}

	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          o.model,
		Input:          text,
		Voice:          o.voice,
		ResponseFormat: openai.SpeechResponseFormatWav,
	})
	if err != nil {
		return "", fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Close()

	if err := writeAtomic(out, resp); err != nil {
		return "", err
	}
	return out, nil
}

// prepare reads the text to speak and picks <stem>.wav in outDir.
func prepare(textPath, outDir string) (string, string, error) {
	data, err := os.ReadFile(textPath)
	if err != nil {
		return "", "", fmt.Errorf("read text %s: %w", filepath.Base(textPath), err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create audio directory: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(textPath), filepath.Ext(textPath))
	return strings.TrimSpace(string(data)), filepath.Join(outDir, stem+".wav"), nil
}

func writeAtomic(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp audio: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write audio: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close audio: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish audio: %w", err)
	}
	return nil
}
