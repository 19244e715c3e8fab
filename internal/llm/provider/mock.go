package provider

import (
	"context"
	"sync"
)

// MockResult is one scripted answer of a Mock.
type MockResult struct {
	Text string
	Err  error
}

// Mock returns scripted responses for local runs and tests. Once the script
// is exhausted the last entry repeats.
type Mock struct {
	name string

	mu       sync.Mutex
	script   []MockResult
	calls    int
	requests []Request
}

// NewMock creates a mock backend named name.
func NewMock(name string, script ...MockResult) *Mock {
	return &Mock{name: name, script: script}
}

// Name returns the provider key.
func (m *Mock) Name() string { return m.name }

// Complete returns the next scripted result.
func (m *Mock) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap(m.name, 0, err)
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	idx := m.calls
	m.calls++
	var res MockResult
	switch {
	case len(m.script) == 0:
		res = MockResult{Text: `{"action":"escalate_to_analyst","confidence":0}`}
	case idx < len(m.script):
		res = m.script[idx]
	default:
		res = m.script[len(m.script)-1]
	}
	m.mu.Unlock()

	if res.Err != nil {
		return nil, res.Err
	}
	return &Response{
		Text:         res.Text,
		Model:        req.Model,
		InputTokens:  len(req.Prompt) / 4,
		OutputTokens: len(res.Text) / 4,
	}, nil
}

// Calls returns how many requests the mock received.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns the received requests in order.
func (m *Mock) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}
