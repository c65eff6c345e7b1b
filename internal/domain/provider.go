package domain

import (
	"context"
	"errors"
	"fmt"
)

// Completer is the interface for chat completion backends.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
	Name() string
	Healthy(ctx context.Context) error
}

type CompletionRequest struct {
	Messages    []Message
	Model       string
	MaxTokens   int
	Temperature float64
}

type CompletionResponse struct {
	Content      string
	FinishReason string // stop | length | content_filter
	Model        string
	Usage        Usage
	LatencyMs    int64
}

type Message struct {
	Role    string `json:"role"` // system | user | assistant
	Content string `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

var (
	// ErrTimeout is returned when the completion call exceeds its deadline.
	ErrTimeout = errors.New("completion timed out")
	// ErrMalformedResponse is returned when the upstream body cannot be decoded.
	ErrMalformedResponse = errors.New("malformed completion response")
	// ErrEmptyCompletion is returned when the upstream answered without usable text.
	ErrEmptyCompletion = errors.New("completion contained no choices")
)

// UpstreamError is a non-2xx response from the completion API.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt (5xx, 429).
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
