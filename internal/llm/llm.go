package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DefaultOllamaURL is the OpenAI-compatible endpoint of a local ollama server.
const DefaultOllamaURL = "http://localhost:11434/v1"

// ErrEmptyResponse is returned when a provider answered without any text.
var ErrEmptyResponse = errors.New("llm: empty response")

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL   string
	maxTokens int64
}

func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

// WithMaxTokens caps the completion length for providers that require one.
func WithMaxTokens(n int64) Option {
	return func(o *clientOptions) {
		o.maxTokens = n
	}
}

func ParseModel(model string) (provider, modelName string, err error) {
	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model format %q: expected provider/model_name", model)
	}
	return parts[0], parts[1], nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{maxTokens: 2048}
	for _, opt := range opts {
		opt(o)
	}

	switch provider {
	case "openai":
		return newOpenAIClient(apiKey, model, o)
	case "ollama":
		if o.baseURL == "" {
			o.baseURL = DefaultOllamaURL
		}
		if apiKey == "" {
			apiKey = "ollama"
		}
		return newOpenAIClient(apiKey, model, o)
	case "anthropic":
		return newAnthropicClient(apiKey, model, o)
	case "gemini":
		return newGeminiClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q: supported providers are openai, ollama, anthropic, gemini", provider)
	}
}

// splitSystem separates the system prompt from the conversation for
// providers that take it as a dedicated field. Several system messages are
// joined with a blank line.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	chat := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		chat = append(chat, m)
	}
	return strings.Join(system, "\n\n"), chat
}

// reply joins the text parts of a provider answer. An answer without text
// is reported as ErrEmptyResponse.
func reply(provider string, parts ...string) (string, error) {
	text := strings.TrimSpace(strings.Join(parts, ""))
	if text == "" {
		return "", fmt.Errorf("%s: %w", provider, ErrEmptyResponse)
	}
	return text, nil
}

// Prompt builds the system + user message pair every stage sends.
func Prompt(system, user string) []Message {
	messages := make([]Message, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	return append(messages, Message{Role: "user", Content: user})
}
