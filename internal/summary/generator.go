// Package summary adapts an llm.Client into the text generator used by the
// lecture summary and question answering stages.
package summary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sjawhar/milo/internal/llm"
)

type ClientFactory func(provider, model string) (llm.Client, error)

// Generator resolves its client on first use so that a misconfigured
// provider fails the stage, not process startup.
type Generator struct {
	model   string
	factory ClientFactory

	mu     sync.Mutex
	client llm.Client
}

func New(model string, factory ClientFactory) *Generator {
	return &Generator{model: model, factory: factory}
}

// NewWithClient wraps an already constructed client.
func NewWithClient(client llm.Client) *Generator {
	return &Generator{client: client}
}

// Generate returns the model's answer. A provider that answers with no text
// yields "" and a nil error; callers treat that as an empty result.
func (g *Generator) Generate(ctx context.Context, system, user string) (string, error) {
	client, err := g.resolve()
	if err != nil {
		return "", err
	}

	text, err := client.Complete(ctx, llm.Prompt(system, user))
	if errors.Is(err, llm.ErrEmptyResponse) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("generate with %s: %w", g.Model(), err)
	}
	return strings.TrimSpace(text), nil
}

func (g *Generator) Model() string {
	if g.model == "" {
		return "custom"
	}
	return g.model
}

func (g *Generator) resolve() (llm.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		return g.client, nil
	}
	if g.factory == nil {
		return nil, errors.New("summary: no llm client factory configured")
	}

	provider, model, err := llm.ParseModel(g.model)
	if err != nil {
		return nil, err
	}

	client, err := g.factory(provider, model)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	g.client = client
	return client, nil
}
