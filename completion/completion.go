package completion

import (
	"context"
	"strconv"
	"time"

	errs "github.com/vinayprograms/brokerkit/errors"
)

// Role values for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat message in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion call payload.
type Request struct {
	// Messages is the conversation to complete. Required.
	Messages []Message

	// MaxTokens caps the completion length. Zero uses the transport's
	// configured default.
	MaxTokens int

	// Temperature overrides sampling temperature when non-nil.
	Temperature *float64

	// Model overrides the transport's configured model when non-empty.
	Model string
}

// Usage reports token accounting from the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is a successful completion result.
type Response struct {
	Content    string `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Status     int    `json:"status"`
	Usage      Usage  `json:"usage"`
}

// Transport executes a single completion call attempt. Implementations
// classify failures into the broker error taxonomy: TIMEOUT and TRANSPORT
// for network-level failures, RATE_LIMITED for 429 (carrying any
// Retry-After hint in metadata), SERVER for 5xx and CLIENT for other 4xx.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// retryAfterKey is the error metadata key carrying a provider Retry-After
// hint in milliseconds.
const retryAfterKey = "retry_after_ms"

// withRetryAfter attaches a Retry-After hint to a rate limit error.
func withRetryAfter(d time.Duration) errs.Option {
	return errs.WithMetadata(retryAfterKey, strconv.FormatInt(d.Milliseconds(), 10))
}

// RetryAfter extracts the provider's Retry-After hint from a rate limit
// error, if one was present on the response.
func RetryAfter(err error) (time.Duration, bool) {
	brokerErr := errs.AsBrokerError(err)
	if brokerErr == nil {
		return 0, false
	}
	raw, ok := brokerErr.Metadata()[retryAfterKey]
	if !ok {
		return 0, false
	}
	ms, convErr := strconv.ParseInt(raw, 10, 64)
	if convErr != nil || ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
