// Package notify delivers operator-facing alerts raised by the pipeline:
// retry exhaustion, broker connectivity loss, endpoints that will not heal.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Alert is one operator notification.
type Alert struct {
	Severity string            `json:"severity"`
	Title    string            `json:"title"`
	Body     string            `json:"body,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	RaisedAt time.Time         `json:"raised_at"`
}

// Notifier is the alerting contract. Implementations must never block the
// caller for long and must never panic; alerting is best effort.
type Notifier interface {
	Alert(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the structured log. It is the fallback when
// no alert webhook is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

// Alert implements Notifier.
func (n *LogNotifier) Alert(_ context.Context, alert Alert) error {
	evt := n.logger.Warn()
	if alert.Severity == SeverityCritical {
		evt = n.logger.Error()
	}
	for k, v := range alert.Fields {
		evt = evt.Str(k, v)
	}
	evt.Str("severity", alert.Severity).Str("title", alert.Title).Msg(alert.Body)
	return nil
}

// WebhookNotifier POSTs alerts as JSON to a configured endpoint.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	logger  zerolog.Logger
	timeout time.Duration
}

// NewWebhookNotifier constructs a WebhookNotifier.
func NewWebhookNotifier(url string, timeout time.Duration, logger zerolog.Logger) (*WebhookNotifier, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("notify: webhook url is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &WebhookNotifier{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "notifier").Logger(),
		timeout: timeout,
	}, nil
}

// Alert implements Notifier.
func (n *WebhookNotifier) Alert(ctx context.Context, alert Alert) error {
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = time.Now()
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("notify: marshal alert: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post alert: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: alert webhook returned %d", resp.StatusCode)
	}
	return nil
}
