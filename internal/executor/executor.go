// Package executor hands approved actions to whatever performs them. The
// engine only waits for the hand-off; execution itself happens elsewhere.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-orchestrator/internal/models"
)

// ErrRejected marks a dispatch the receiver refused. Retrying will not help.
var ErrRejected = errors.New("action rejected by executor")

// Executor dispatches action requests.
type Executor interface {
	Name() string
	Dispatch(ctx context.Context, req models.ActionRequest) error
}

// Config selects and configures an executor.
type Config struct {
	Type       string // log | webhook
	WebhookURL string
	Timeout    time.Duration
}

// New builds the configured executor.
func New(cfg Config, logger *zap.Logger) (Executor, error) {
	switch cfg.Type {
	case "", "log":
		return NewLog(logger), nil
	case "webhook":
		if cfg.WebhookURL == "" {
			return nil, fmt.Errorf("webhook executor requires a url")
		}
		return NewWebhook(cfg.WebhookURL, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown executor type %q", cfg.Type)
	}
}

// Log writes each action to the application log. It is meant for local runs.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a log executor.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("executor")}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Dispatch(_ context.Context, req models.ActionRequest) error {
	l.logger.Info("Action dispatched",
		zap.String("case_id", req.CaseID),
		zap.String("tenant_id", req.TenantID),
		zap.String("action", req.Action),
		zap.Any("parameters", req.Parameters))
	return nil
}

// Webhook POSTs each action as JSON.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook executor.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url: url,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Dispatch(ctx context.Context, req models.ActionRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.CaseID)

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", req.CaseID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return fmt.Errorf("dispatch %s: status %d", req.CaseID, resp.StatusCode)
	}
}
