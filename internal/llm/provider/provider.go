// Package provider adapts inference backends to one request/response shape.
//
// Responsibilities:
//   - Wrap the Anthropic, OpenAI, Google and OpenAI-compatible local SDKs
//   - Map tier parameters (tokens, temperature, deep reasoning) per backend
//   - Report token usage for cost accounting
//   - Classify errors as transient or permanent for the health tracker
//
// Provider output is plain text; callers parse it as data.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"
)

// Request is one completion call.
type Request struct {
	Model         string
	System        string
	Prompt        string
	MaxTokens     int
	Temperature   float64
	DeepReasoning bool
}

// Response is the text and usage of one completion.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	Latency      time.Duration
}

// Provider is an inference backend.
type Provider interface {
	// Name is the provider key used in tier tables and health records.
	Name() string

	// Complete sends one request. It must honour ctx cancellation.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Error wraps provider errors with status metadata.
type Error struct {
	Provider  string
	Status    int
	Temporary bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return "provider error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: provider error (status=%d)", e.Provider, e.Status)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrEmptyResponse is returned when a backend answers without content.
var ErrEmptyResponse = errors.New("empty response")

// IsTransient reports whether an error is safe to retry on another backend.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var perr *Error
	if errors.As(err, &perr) {
		if perr.Temporary {
			return true
		}
		if perr.Status == 429 || (perr.Status >= 500 && perr.Status <= 599) {
			return true
		}
	}
	return false
}

func wrap(provider string, status int, err error) error {
	return &Error{
		Provider:  provider,
		Status:    status,
		Temporary: status == 0 && !errors.Is(err, context.Canceled),
		Err:       err,
	}
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry maps provider names to backends.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names returns registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Credentials selects which backends are built by FromCredentials.
type Credentials struct {
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	GoogleAPIKey     string
	LocalBaseURL     string
}

// FromCredentials builds every backend that has credentials. The local
// backend is built whenever its base URL is set.
func FromCredentials(ctx context.Context, c Credentials) (*Registry, error) {
	var ps []Provider
	if c.AnthropicAPIKey != "" {
		ps = append(ps, NewAnthropic(c.AnthropicAPIKey, c.AnthropicBaseURL))
	}
	if c.OpenAIAPIKey != "" {
		ps = append(ps, NewOpenAI(c.OpenAIAPIKey, c.OpenAIBaseURL))
	}
	if c.GoogleAPIKey != "" {
		g, err := NewGoogle(ctx, c.GoogleAPIKey)
		if err != nil {
			return nil, err
		}
		ps = append(ps, g)
	}
	if c.LocalBaseURL != "" {
		ps = append(ps, NewLocal(c.LocalBaseURL))
	}
	return NewRegistry(ps...), nil
}
