package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	openaioption "github.com/openai/openai-go/option"
)

// OpenAI serves chat completions from OpenAI or any OpenAI-compatible
// endpoint (Ollama, vLLM) when built with NewLocal.
type OpenAI struct {
	name   string
	client openai.Client
	// compat selects max_tokens over max_completion_tokens for servers that
	// only implement the older field.
	compat bool
}

// NewOpenAI creates the hosted OpenAI backend. baseURL may be empty.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(apiKey),
		openaioption.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, openaioption.WithBaseURL(baseURL))
	}
	return &OpenAI{name: "openai", client: openai.NewClient(opts...)}
}

// NewLocal creates the cheap-tier backend for an OpenAI-compatible local
// server, e.g. http://localhost:11434/v1 for Ollama.
func NewLocal(baseURL string) *OpenAI {
	return &OpenAI{
		name: "local",
		client: openai.NewClient(
			openaioption.WithBaseURL(baseURL),
			openaioption.WithAPIKey("local"),
			openaioption.WithMaxRetries(0),
		),
		compat: true,
	}
}

// Name returns the provider key.
func (o *OpenAI) Name() string { return o.name }

// Complete sends one chat completion.
func (o *OpenAI) Complete(ctx context.Context, req Request) (*Response, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if o.compat {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	} else {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.DeepReasoning && !o.compat {
		params.ReasoningEffort = openai.ReasoningEffortHigh
	} else {
		params.Temperature = openai.Float(req.Temperature)
	}

	start := time.Now()
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, wrap(o.name, apiErr.StatusCode, err)
		}
		return nil, wrap(o.name, 0, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, wrap(o.name, 0, fmt.Errorf("model %s: %w", req.Model, ErrEmptyResponse))
	}

	return &Response{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		Latency:      time.Since(start),
	}, nil
}
