// Package audio converts between the container formats the clients upload
// and play and the normalized audio the transcriber expects.
package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	normalizedSampleRate = 16000
	normalizedChannels   = 1
	clientBitrate        = "64k"
)

type runFunc func(ctx context.Context, name string, args ...string) error

// FFmpeg shells out to the ffmpeg binary. Conversions are stateless: each
// call writes one new file and touches nothing else.
type FFmpeg struct {
	binary string
	run    runFunc
}

func NewFFmpeg(binary string) *FFmpeg {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{binary: binary, run: runCommand}
}

// ToNormalizedAudio writes <stem>.wav as 16 kHz mono PCM.
func (f *FFmpeg) ToNormalizedAudio(ctx context.Context, inputPath, outDir string) (string, error) {
	out, err := outputPath(inputPath, outDir, ".wav")
	if err != nil {
		return "", err
	}

	err = f.run(ctx, f.binary,
		"-y",
		"-i", inputPath,
		"-ar", strconv.Itoa(normalizedSampleRate),
		"-ac", strconv.Itoa(normalizedChannels),
		"-c:a", "pcm_s16le",
		out,
	)
	if err != nil {
		_ = os.Remove(out)
		return "", fmt.Errorf("normalize %s: %w", filepath.Base(inputPath), err)
	}
	return out, nil
}

// ToClientContainer writes <stem>.webm encoded with opus, which every
// browser client can play.
func (f *FFmpeg) ToClientContainer(ctx context.Context, inputPath, outDir string) (string, error) {
	out, err := outputPath(inputPath, outDir, ".webm")
	if err != nil {
		return "", err
	}

	err = f.run(ctx, f.binary,
		"-y",
		"-i", inputPath,
		"-c:a", "libopus",
		"-b:a", clientBitrate,
		out,
	)
	if err != nil {
		_ = os.Remove(out)
		return "", fmt.Errorf("encode %s for clients: %w", filepath.Base(inputPath), err)
	}
	return out, nil
}

func outputPath(inputPath, outDir, ext string) (string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	out := filepath.Join(outDir, stem+ext)
	if filepath.Clean(out) == filepath.Clean(inputPath) {
		return "", fmt.Errorf("refusing to overwrite input %s", inputPath)
	}
	return out, nil
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		if msg == "" {
			return err
		}
		return fmt.Errorf("%w: %s", err, msg)
	}
	return nil
}
