package llm

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"stormline/internal/config"
)

// GeminiCompleter calls Gemini through the Gemini API or Vertex AI.
type GeminiCompleter struct {
	client *genai.Client
	model  string
}

func NewGeminiCompleter(ctx context.Context, cfg config.LLMConfig) (*GeminiCompleter, error) {
	cc := &genai.ClientConfig{}
	switch cfg.Gemini.Backend {
	case "vertex":
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Gemini.Project
		cc.Location = cfg.Gemini.Location
	default:
		key := cfg.APIKey()
		if key == "" {
			return nil, fmt.Errorf("%s is required for the gemini api backend", cfg.APIKeyEnv)
		}
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = key
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiCompleter{client: client, model: cfg.Model}, nil
}

func (g *GeminiCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	gc := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(p.System, genai.RoleUser),
		ResponseMIMEType:  "application/json",
	}
	contents := []*genai.Content{genai.NewContentFromText(p.User, genai.RoleUser)}
	res, err := g.client.Models.GenerateContent(ctx, g.model, contents, gc)
	if err != nil {
		return "", classifyGemini(err)
	}
	text := res.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func classifyGemini(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) && !retryableStatus(apiErr.Code) {
		return err
	}
	return transient(err)
}
