package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

var errNoUserMessage = errors.New("no user message provided")

type geminiClient struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

func newGeminiClient(apiKey, model string, opts *clientOptions) (*geminiClient, error) {
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if opts.baseURL != "" {
		cfg.HTTPOptions.BaseURL = opts.baseURL
	}

	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiClient{client: client, model: model, maxTokens: int32(opts.maxTokens)}, nil
}

// geminiRequest maps a prompt onto generateContent. Gemini names the
// assistant role "model" and rejects a request without a user turn.
func geminiRequest(messages []Message, maxTokens int32) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	system, chat := splitSystem(messages)

	var contents []*genai.Content
	hasUser := false
	for _, m := range chat {
		role := genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		} else {
			hasUser = true
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.Role(role)))
	}
	if !hasUser {
		return nil, nil, errNoUserMessage
	}

	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = maxTokens
	}
	return contents, cfg, nil
}

func (c *geminiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	contents, cfg, err := geminiRequest(messages, c.maxTokens)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}
	return reply("gemini", result.Text())
}
