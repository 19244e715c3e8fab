package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"rate limited", &Error{Provider: "openai", Status: 429}, true},
		{"server error", &Error{Provider: "anthropic", Status: 503}, true},
		{"bad request", &Error{Provider: "anthropic", Status: 400}, false},
		{"temporary", &Error{Provider: "local", Temporary: true}, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestWrapConnectionErrorIsTemporary(t *testing.T) {
	err := wrap("local", 0, errors.New("connection refused"))
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "local")

	canceled := wrap("local", 0, context.Canceled)
	assert.False(t, IsTransient(canceled))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewMock("b"), NewMock("a"))
	assert.Equal(t, []string{"a", "b"}, r.Names())

	p, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", p.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestFromCredentialsSkipsMissingKeys(t *testing.T) {
	r, err := FromCredentials(context.Background(), Credentials{
		OpenAIAPIKey: "sk-test",
		LocalBaseURL: "http://localhost:11434/v1",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"local", "openai"}, r.Names())
}

func TestMockScript(t *testing.T) {
	m := NewMock("m",
		MockResult{Err: &Error{Provider: "m", Status: 500}},
		MockResult{Text: "ok"},
	)
	ctx := context.Background()

	_, err := m.Complete(ctx, Request{Prompt: "one"})
	require.Error(t, err)

	resp, err := m.Complete(ctx, Request{Prompt: "two", Model: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)

	resp, err = m.Complete(ctx, Request{Prompt: "three"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text, "last entry repeats")

	assert.Equal(t, 3, m.Calls())
	assert.Equal(t, "two", m.Requests()[1].Prompt)
}
