package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	errs "github.com/vinayprograms/brokerkit/errors"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 1 << 20

// maxErrorMessageLen bounds the server message surfaced in errors.
const maxErrorMessageLen = 512

// Config configures an HTTPTransport.
type Config struct {
	// Endpoint is the completions URL. Required, validated.
	Endpoint string

	// Model is the default model identifier. Required, validated.
	Model string

	// APIKey is sent as a bearer token when non-empty. Local endpoints
	// typically run without one.
	APIKey string

	// MaxTokens is the default completion cap.
	// Default: 1024
	MaxTokens int

	// Client is the underlying HTTP client. Defaults to a client with
	// no timeout; attempt deadlines arrive via context.
	Client *http.Client

	// Clock supplies time for Retry-After date math. Defaults to the
	// real clock.
	Clock clockwork.Clock
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens: 1024,
	}
}

// HTTPTransport talks to an OpenAI-compatible chat completions endpoint
// and maps every outcome onto the broker error taxonomy. It performs
// exactly one attempt per call; retry policy lives with the caller.
//
// Endpoint, model and key are mutable at runtime so a broker can swap
// credentials without rebuilding its pipeline.
type HTTPTransport struct {
	client *http.Client
	clock  clockwork.Clock

	mu        sync.RWMutex
	endpoint  string
	model     string
	apiKey    string
	maxTokens int
}

// NewHTTPTransport creates a transport after validating the endpoint and
// model formats.
func NewHTTPTransport(cfg Config) (*HTTPTransport, error) {
	def := DefaultConfig()
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	if err := ValidateEndpoint(cfg.Endpoint); err != nil {
		return nil, err
	}
	if err := ValidateModel(cfg.Model); err != nil {
		return nil, err
	}

	return &HTTPTransport{
		client:    cfg.Client,
		clock:     cfg.Clock,
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// SetAPIKey replaces the bearer token for subsequent calls.
func (t *HTTPTransport) SetAPIKey(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.apiKey = key
}

// ClearAPIKey removes the bearer token.
func (t *HTTPTransport) ClearAPIKey() {
	t.SetAPIKey("")
}

// SetEndpoint replaces the endpoint after validating its format.
func (t *HTTPTransport) SetEndpoint(endpoint string) error {
	if err := ValidateEndpoint(endpoint); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endpoint = endpoint
	return nil
}

// SetModel replaces the default model after validating its format.
func (t *HTTPTransport) SetModel(model string) error {
	if err := ValidateModel(model); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.model = model
	return nil
}

// Endpoint returns the current endpoint.
func (t *HTTPTransport) Endpoint() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endpoint
}

// Model returns the current default model.
func (t *HTTPTransport) Model() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.model
}

// Wire types for OpenAI-compatible chat completions.

type wireRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Do executes one completion attempt.
func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errs.Validation("request has no messages")
	}

	t.mu.RLock()
	endpoint := t.endpoint
	model := t.model
	apiKey := t.apiKey
	maxTokens := t.maxTokens
	t.mu.RUnlock()

	if req.Model != "" {
		if err := ValidateModel(req.Model); err != nil {
			return nil, err
		}
		model = req.Model
	}
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	body, err := json.Marshal(wireRequest{
		Model:       model,
		Messages:    req.Messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, errs.Internal("marshal request", errs.WithCause(err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errs.Internal("create request", errs.WithCause(err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	return t.classifyResponse(httpResp, respBody)
}

// classifyTransportError maps a network-level failure. A deadline hit is a
// timeout, a cancellation propagates, everything else is transport.
func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errs.Timeout("request deadline exceeded", errs.WithCause(err))
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return errs.Wrap(err, "request canceled")
	}
	return errs.Transport("request failed", errs.WithCause(err))
}

// classifyResponse maps an HTTP response onto a Response or a taxonomy
// error.
func (t *HTTPTransport) classifyResponse(httpResp *http.Response, body []byte) (*Response, error) {
	status := httpResp.StatusCode

	switch {
	case status >= 200 && status < 300:
		return t.parseSuccess(status, body)

	case status == http.StatusTooManyRequests:
		opts := []errs.Option{}
		if delay, ok := ParseRetryAfter(httpResp.Header.Get("Retry-After"), t.clock.Now()); ok {
			opts = append(opts, withRetryAfter(delay))
		}
		return nil, errs.RateLimited(extractErrorMessage(body, "rate limit exceeded"), opts...)

	case status >= 500:
		return nil, errs.Server(status, extractErrorMessage(body, fmt.Sprintf("server error (status %d)", status)))

	default:
		return nil, errs.Client(status, extractErrorMessage(body, fmt.Sprintf("request rejected (status %d)", status)))
	}
}

// parseSuccess decodes a 2xx body.
func (t *HTTPTransport) parseSuccess(status int, body []byte) (*Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, errs.Server(status, "unparseable response body", errs.WithCause(err))
	}
	if wire.Error != nil {
		return nil, errs.Server(status, truncate(wire.Error.Message))
	}
	if len(wire.Choices) == 0 {
		return nil, errs.Server(status, "response has no choices")
	}

	choice := wire.Choices[0]
	return &Response{
		Content:    choice.Message.Content,
		Model:      wire.Model,
		StopReason: choice.FinishReason,
		Status:     status,
		Usage: Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
			TotalTokens:  wire.Usage.TotalTokens,
		},
	}, nil
}

// extractErrorMessage pulls a human-readable message out of an error body.
// JSON bodies yield error.message; anything else is used as plain text.
func extractErrorMessage(body []byte, fallback string) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return fallback
	}

	var wire struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && len(wire.Error) > 0 {
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(wire.Error, &obj); err == nil && obj.Message != "" {
			return truncate(obj.Message)
		}
		var msg string
		if err := json.Unmarshal(wire.Error, &msg); err == nil && msg != "" {
			return truncate(msg)
		}
	}

	return truncate(trimmed)
}

// truncate caps a message at maxErrorMessageLen runes.
func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxErrorMessageLen {
		return s
	}
	return string(runes[:maxErrorMessageLen]) + "..."
}

var _ Transport = (*HTTPTransport)(nil)
