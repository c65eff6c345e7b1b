package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"relaybot/internal/domain"
)

const (
	defaultAPIBase = "https://openrouter.ai/api/v1"
	defaultModel   = "meta-llama/llama-3.1-70b-instruct"

	// maxErrorBody caps how much of an upstream error body is kept for logs.
	maxErrorBody = 4 << 10
)

// OpenRouter implements domain.Completer for the OpenRouter chat completion API.
type OpenRouter struct {
	apiKey      string
	apiBase     string
	model       string
	maxTokens   int
	temperature float64
	maxRetries  int
	referer     string
	title       string
	client      *http.Client
	logger      *slog.Logger
}

type OpenRouterConfig struct {
	APIKey      string
	APIBase     string
	Model       string
	MaxTokens   int
	Temperature float64
	MaxRetries  int
	Referer     string // optional HTTP-Referer attribution header
	Title       string // optional X-Title attribution header
	Client      *http.Client
	Logger      *slog.Logger
}

func NewOpenRouter(cfg OpenRouterConfig) *OpenRouter {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenRouter{
		apiKey:      cfg.APIKey,
		apiBase:     strings.TrimRight(cfg.APIBase, "/"),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxRetries:  cfg.MaxRetries,
		referer:     cfg.Referer,
		title:       cfg.Title,
		client:      cfg.Client,
		logger:      cfg.Logger,
	}
}

func (o *OpenRouter) Name() string { return "openrouter" }

// Model returns the default model identifier.
func (o *OpenRouter) Model() string { return o.model }

// Close releases pooled connections held by the shared client.
func (o *OpenRouter) Close() {
	o.client.CloseIdleConnections()
}

// Healthy checks that the API is reachable and the key is accepted.
func (o *OpenRouter) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.apiBase+"/key", nil)
	if err != nil {
		return err
	}
	o.setHeaders(req)
	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("openrouter not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("openrouter: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("openrouter returned %d", resp.StatusCode)
	}
	return nil
}

type orRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
	Stream      bool             `json:"stream"`
}

type orResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []orChoice   `json:"choices"`
	Usage   domain.Usage `json:"usage"`
	Error   *orError     `json:"error,omitempty"`
}

type orChoice struct {
	Message      *domain.Message `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// orError is the error object OpenRouter embeds in a body, sometimes with a 200 status.
type orError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Complete sends one chat completion request. Errors are classified as
// domain.ErrTimeout, *domain.UpstreamError, domain.ErrMalformedResponse or
// domain.ErrEmptyCompletion where possible.
func (o *OpenRouter) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	body := orRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
		Stream:    false,
	}
	if body.Model == "" {
		body.Model = o.model
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = o.maxTokens
	}
	temperature := o.temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}
	if temperature > 0 {
		body.Temperature = &temperature
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	start := time.Now()
	resp, err := doWithRetry(ctx, o.client, func() (*http.Request, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		o.setHeaders(httpReq)
		httpReq.Header.Set("Content-Type", "application/json")
		return httpReq, nil
	}, o.maxRetries, o.logger)
	if err != nil {
		return nil, classifyErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &domain.UpstreamError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var orResp orResponse
	if err := json.NewDecoder(resp.Body).Decode(&orResp); err != nil {
		if isTimeout(ctx, err) {
			return nil, fmt.Errorf("%w: reading body: %w", domain.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrMalformedResponse, err)
	}

	if orResp.Error != nil {
		code := orResp.Error.Code
		if code == 0 {
			code = http.StatusBadGateway
		}
		return nil, &domain.UpstreamError{StatusCode: code, Body: orResp.Error.Message}
	}

	if len(orResp.Choices) == 0 {
		return nil, domain.ErrEmptyCompletion
	}
	choice := orResp.Choices[0]
	if choice.Message == nil {
		return nil, fmt.Errorf("%w: first choice has no message", domain.ErrMalformedResponse)
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return nil, domain.ErrEmptyCompletion
	}

	latency := time.Since(start)
	o.logger.Debug("completion received",
		"model", orResp.Model,
		"finish_reason", choice.FinishReason,
		"tokens", orResp.Usage.TotalTokens,
		"latency", latency,
	)

	return &domain.CompletionResponse{
		Content:      content,
		FinishReason: choice.FinishReason,
		Model:        orResp.Model,
		Usage:        orResp.Usage,
		LatencyMs:    latency.Milliseconds(),
	}, nil
}

func (o *OpenRouter) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	if o.referer != "" {
		req.Header.Set("HTTP-Referer", o.referer)
	}
	if o.title != "" {
		req.Header.Set("X-Title", o.title)
	}
}

func classifyErr(ctx context.Context, err error) error {
	if isTimeout(ctx, err) {
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	return fmt.Errorf("openrouter request: %w", err)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
