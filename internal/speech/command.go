package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const (
	placeholderOutput = "{output}"
	placeholderInput  = "{input}"
)

// Command runs an external TTS program such as piper. The argument template
// must contain {output}; {input} is replaced by the text file path, and
// when it is absent the text is written to the program's stdin.
type Command struct {
	args []string
	run  func(ctx context.Context, stdin string, name string, args ...string) error
}

func NewCommand(template string) (*Command, error) {
	args := strings.Fields(template)
	if len(args) == 0 {
		return nil, errors.New("speech: empty tts command")
	}
	if !strings.Contains(template, placeholderOutput) {
		return nil, fmt.Errorf("speech: tts command must contain %s", placeholderOutput)
	}
	return &Command{args: args, run: runWithStdin}, nil
}

func (c *Command) Synthesize(ctx context.Context, textPath, outDir string) (string, error) {
	text, out, err := prepare(textPath, outDir)
	if err != nil {
		return "", err
	}
	if text == "" {
		return out, writeSilence(out, silenceDuration)
	}

	usesInput := false
	args := make([]string, len(c.args))
	for i, a := range c.args {
		if strings.Contains(a, placeholderInput) {
			usesInput = true
		}
		a = strings.ReplaceAll(a, placeholderOutput, out)
		args[i] = strings.ReplaceAll(a, placeholderInput, textPath)
	}

	stdin := ""
	if !usesInput {
		stdin = text
	}
	if err := c.run(ctx, stdin, args[0], args[1:]...); err != nil {
		_ = os.Remove(out)
		return "", fmt.Errorf("tts command %s: %w", args[0], err)
	}
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("tts command produced no audio: %w", err)
	}
	return out, nil
}

func runWithStdin(ctx context.Context, stdin string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
