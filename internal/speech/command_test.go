package speech

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewCommandRequiresOutputPlaceholder(t *testing.T) {
	if _, err := NewCommand(""); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := NewCommand("piper --model fr.onnx"); err == nil {
		t.Fatal("expected error without {output}")
	}
}

func TestCommandPipesTextOnStdin(t *testing.T) {
	c, err := NewCommand("piper --model fr.onnx --output_file {output}")
	if err != nil {
		t.Fatalf("NewCommand failed: %v", err)
	}

	var gotStdin, gotName string
	var gotArgs []string
	c.run = func(_ context.Context, stdin, name string, args ...string) error {
		gotStdin, gotName, gotArgs = stdin, name, args
		return os.WriteFile(args[len(args)-1], []byte("wav"), 0o644)
	}

	outDir := t.TempDir()
	out, err := c.Synthesize(context.Background(), writeText(t, "transcript_final_resume.txt", "Résumé du cours."), outDir)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if out != filepath.Join(outDir, "transcript_final_resume.wav") {
		t.Fatalf("unexpected output %q", out)
	}
	if gotName != "piper" || gotStdin != "Résumé du cours." {
		t.Fatalf("unexpected invocation %q stdin=%q", gotName, gotStdin)
	}
	if strings.Join(gotArgs, " ") != "--model fr.onnx --output_file "+out {
		t.Fatalf("unexpected args %v", gotArgs)
	}
}

func TestCommandInputPlaceholder(t *testing.T) {
	c, err := NewCommand("tts --in={input} --out={output}")
	if err != nil {
		t.Fatalf("NewCommand failed: %v", err)
	}

	textPath := writeText(t, "a.txt", "bonjour")
	var gotStdin string
	var gotArgs []string
	c.run = func(_ context.Context, stdin, _ string, args ...string) error {
		gotStdin, gotArgs = stdin, args
		return os.WriteFile(strings.TrimPrefix(args[1], "--out="), nil, 0o644)
	}

	if _, err := c.Synthesize(context.Background(), textPath, t.TempDir()); err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if gotStdin != "" {
		t.Fatalf("text should not be piped when {input} is used, got %q", gotStdin)
	}
	if gotArgs[0] != "--in="+textPath {
		t.Fatalf("unexpected args %v", gotArgs)
	}
}

func TestCommandWithoutOutputFails(t *testing.T) {
	c, err := NewCommand("true {output}")
	if err != nil {
		t.Fatalf("NewCommand failed: %v", err)
	}
	c.run = func(context.Context, string, string, ...string) error { return nil }

	if _, err := c.Synthesize(context.Background(), writeText(t, "a.txt", "x"), t.TempDir()); err == nil {
		t.Fatal("expected error when no audio is produced")
	}
}
