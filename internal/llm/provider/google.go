package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/genai"
)

// Google serves Gemini models through the Gemini API.
type Google struct {
	client *genai.Client
}

// NewGoogle creates the Gemini backend.
func NewGoogle(ctx context.Context, apiKey string) (*Google, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}
	return &Google{client: client}, nil
}

// Name returns the provider key.
func (g *Google) Name() string { return "google" }

// Complete generates content for one prompt.
func (g *Google) Complete(ctx context.Context, req Request) (*Response, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.DeepReasoning {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(int32(req.MaxTokens / 2))}
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, wrap(g.Name(), apiErr.Code, err)
		}
		return nil, wrap(g.Name(), 0, err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, wrap(g.Name(), 0, fmt.Errorf("model %s: %w", req.Model, ErrEmptyResponse))
	}

	out := &Response{
		Text:    resp.Text(),
		Model:   req.Model,
		Latency: time.Since(start),
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if out.Text == "" {
		return nil, wrap(g.Name(), 0, fmt.Errorf("model %s: %w", req.Model, ErrEmptyResponse))
	}
	return out, nil
}
