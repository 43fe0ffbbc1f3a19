package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiAdapter invokes the Gemini API through the genai client.
type GeminiAdapter struct {
	client     *genai.Client
	model      string
	jsonOutput bool
	logger     *slog.Logger
}

// NewGeminiAdapter creates a Gemini invoker. An API key is required.
func NewGeminiAdapter(ctx context.Context, cfg Config, logger *slog.Logger) (*GeminiAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini backend requires an API key")
	}

	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &GeminiAdapter{
		client:     client,
		model:      model,
		jsonOutput: cfg.JSONOutput,
		logger:     logger.With("backend", "gemini", "model", model),
	}, nil
}

// Name returns "gemini".
func (g *GeminiAdapter) Name() string { return "gemini" }

// Invoke sends one generate-content request.
func (g *GeminiAdapter) Invoke(ctx context.Context, req Request) (Response, error) {
	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: req.Prompt()}},
	}}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, g.generateConfig(req))
	if err != nil {
		return Response{}, fmt.Errorf("gemini request failed: %w", err)
	}

	text, err := extractGeminiText(resp)
	if err != nil {
		g.logger.WarnContext(ctx, "gemini returned no usable answer", "job_id", req.JobID, "error", err)
		return Response{}, err
	}
	return Response{Content: text}, nil
}

func (g *GeminiAdapter) generateConfig(req Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if req.Instructions != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.Instructions}},
		}
	}
	if g.jsonOutput {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

// extractGeminiText concatenates the text parts of the first candidate.
func extractGeminiText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("%w: no candidates", ErrEmptyResponse)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "", fmt.Errorf("%w: safety filters", ErrBlocked)
	}
	if candidate.Content == nil {
		return "", fmt.Errorf("%w: candidate has no content", ErrEmptyResponse)
	}

	var sb strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}
