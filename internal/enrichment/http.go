package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxResponseBytes bounds what a lookup service may return.
const maxResponseBytes = 1 << 20

// HTTPEnricher posts the request to a lookup service and records the JSON
// object it returns.
type HTTPEnricher struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPEnricher creates an enricher backed by url. A nil client gets an
// instrumented default.
func NewHTTPEnricher(name, url string, client *http.Client) *HTTPEnricher {
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &HTTPEnricher{name: name, url: url, client: client}
}

// NewHTTPClient returns a client whose transport emits client spans.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func (h *HTTPEnricher) Name() string { return h.name }

func (h *HTTPEnricher) Enrich(ctx context.Context, req Request) (map[string]any, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s lookup: %w", h.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, fmt.Errorf("%s lookup: status %d", h.name, resp.StatusCode)
	}
	var data map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&data); err != nil {
		return nil, fmt.Errorf("%s lookup: decode response: %w", h.name, err)
	}
	return data, nil
}
