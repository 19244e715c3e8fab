package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

const (
	// minThinkingBudget is the smallest extended-thinking budget the API accepts.
	minThinkingBudget = 1024
)

// Anthropic serves the top tier through the Messages API.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic creates an Anthropic backend. baseURL may be empty.
func NewAnthropic(apiKey, baseURL string) *Anthropic {
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(apiKey),
		anthropicoption.WithMaxRetries(0), // the dispatcher owns retries
	}
	if baseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(baseURL))
	}
	return &Anthropic{client: anthropic.NewClient(opts...)}
}

// Name returns the provider key.
func (a *Anthropic) Name() string { return "anthropic" }

// Complete sends one message. Deep reasoning enables extended thinking with
// half of the token budget.
func (a *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.DeepReasoning && req.MaxTokens > 2*minThinkingBudget {
		// Extended thinking requires the default temperature.
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.MaxTokens / 2))
	} else {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	start := time.Now()
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, wrap(a.Name(), apiErr.StatusCode, err)
		}
		return nil, wrap(a.Name(), 0, err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, wrap(a.Name(), 0, fmt.Errorf("model %s: %w", req.Model, ErrEmptyResponse))
	}

	return &Response{
		Text:         sb.String(),
		Model:        string(resp.Model),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
		Latency:      time.Since(start),
	}, nil
}
