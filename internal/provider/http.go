package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/crm-messaging/internal/models"
)

const (
	defaultTimeout      = 15 * time.Second
	maxBodyBytes        = 64 * 1024
	apiKeyHeader        = "apikey"
	sendTextPathFormat  = "%s/message/sendText/%s"
	sendMediaPathFormat = "%s/message/sendMedia/%s"
)

// HTTPClient abstracts the http.Client Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPOption customises the HTTP provider at construction time.
type HTTPOption func(*HTTPProvider)

// WithHTTPClient overrides the HTTP client used to talk to the gateway.
func WithHTTPClient(client HTTPClient) HTTPOption {
	return func(p *HTTPProvider) {
		if client != nil {
			p.client = client
		}
	}
}

// WithTimeout bounds individual gateway calls.
func WithTimeout(d time.Duration) HTTPOption {
	return func(p *HTTPProvider) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// HTTPProvider talks to a WhatsApp gateway API over HTTP.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	client  HTTPClient
	logger  zerolog.Logger
}

// NewHTTPProvider constructs an HTTPProvider for the given gateway base URL.
func NewHTTPProvider(baseURL, apiKey string, logger zerolog.Logger, opts ...HTTPOption) (*HTTPProvider, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("provider: base url is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	p := &HTTPProvider{
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: defaultTimeout,
		logger:  logger.With().Str("component", "http_provider").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.client == nil {
		p.client = &http.Client{Timeout: p.timeout}
	}
	return p, nil
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type sendMediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
	MimeType  string `json:"mimetype,omitempty"`
	FileName  string `json:"fileName,omitempty"`
}

type sendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	ID     string `json:"id"`
	Status string `json:"status"`
}

// SendText implements Provider.
func (p *HTTPProvider) SendText(ctx context.Context, instance, number, text string) (*SendResult, error) {
	url := fmt.Sprintf(sendTextPathFormat, p.baseURL, instance)
	return p.send(ctx, url, sendTextRequest{Number: number, Text: text})
}

// SendMedia implements Provider.
func (p *HTTPProvider) SendMedia(ctx context.Context, instance string, msg MediaMessage) (*SendResult, error) {
	mediaType, err := mediaType(msg.Kind)
	if err != nil {
		return nil, WrapPermanent(err)
	}
	url := fmt.Sprintf(sendMediaPathFormat, p.baseURL, instance)
	return p.send(ctx, url, sendMediaRequest{
		Number:    msg.Number,
		MediaType: mediaType,
		Media:     msg.URL,
		Caption:   msg.Caption,
		MimeType:  msg.MimeType,
		FileName:  msg.FileName,
	})
}

func (p *HTTPProvider) send(ctx context.Context, url string, payload any) (*SendResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapPermanent(fmt.Errorf("provider: marshal request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, WrapPermanent(fmt.Errorf("provider: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set(apiKeyHeader, p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// Timeouts and transport errors are retriable.
		return nil, WrapTransient(fmt.Errorf("provider: request failed: %w", err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, WrapTransient(fmt.Errorf("provider: read response: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, WrapTransient(fmt.Errorf("provider: gateway returned %d: %s", resp.StatusCode, truncate(raw)))
	case resp.StatusCode >= 400:
		return nil, WrapPermanent(fmt.Errorf("provider: gateway rejected request with %d: %s", resp.StatusCode, truncate(raw)))
	}

	var parsed sendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, WrapTransient(fmt.Errorf("provider: malformed response: %w", err))
	}
	id := parsed.ID
	if id == "" {
		id = parsed.Key.ID
	}
	if id == "" {
		// A 2xx without a message id is not a usable confirmation.
		return nil, WrapTransient(errors.New("provider: response missing message id"))
	}

	p.logger.Debug().Str("provider_id", id).Msg("gateway send accepted")
	return &SendResult{ID: id, Status: parsed.Status, Raw: string(raw)}, nil
}

func mediaType(kind models.MessageKind) (string, error) {
	switch kind {
	case models.KindImage:
		return "image", nil
	case models.KindVideo:
		return "video", nil
	case models.KindAudio:
		return "audio", nil
	case models.KindDocument:
		return "document", nil
	default:
		return "", fmt.Errorf("provider: kind %q is not a media kind", kind)
	}
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit])
}
