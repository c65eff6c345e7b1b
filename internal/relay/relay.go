// Package relay forwards messages from one Discord channel to a completion
// API and resolves a "thinking" placeholder with the answer.
//
// Each accepted message runs once through
//
//	Idle → PlaceholderPosted → {Answered | TimedOut | APIError | UnexpectedError}
//
// inside a single call to Relay.Handle. The placeholder is edited from exactly
// one place, after the outcome has been decided.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"relaybot/internal/domain"
	"relaybot/internal/metrics"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// User-visible texts.
const (
	ThinkingText    = "💭 Thinking..."
	TimeoutText     = "⏰ The AI service took too long to respond. Please try again."
	UnavailableText = "❌ The AI service is currently unavailable. Please try again later."
	ErrorText       = "❌ An error occurred while processing your message."
)

const (
	DefaultTimeout = 30 * time.Second

	// editTimeout bounds the final placeholder edit. It is detached from the
	// caller's context so a shutdown cannot leave a placeholder unresolved.
	editTimeout = 10 * time.Second
)

// OutcomeKind is where one relay run ended.
type OutcomeKind int

const (
	OutcomeIgnored OutcomeKind = iota
	OutcomePlaceholderFailed
	OutcomeAnswered
	OutcomeTimedOut
	OutcomeAPIError
	OutcomeUnexpectedError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeIgnored:
		return "ignored"
	case OutcomePlaceholderFailed:
		return "placeholder_failed"
	case OutcomeAnswered:
		return "answered"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeAPIError:
		return "api_error"
	case OutcomeUnexpectedError:
		return "unexpected_error"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Terminal reports whether k is a resolved placeholder state.
func (k OutcomeKind) Terminal() bool {
	switch k {
	case OutcomeAnswered, OutcomeTimedOut, OutcomeAPIError, OutcomeUnexpectedError:
		return true
	}
	return false
}

// Outcome describes one finished relay run.
type Outcome struct {
	Kind        OutcomeKind
	RequestID   string
	Placeholder domain.Placeholder
	Text        string // text the placeholder was resolved to
	Err         error  // why the run did not produce an answer
	EditErr     error  // set when the final edit itself failed
}

type Config struct {
	AllowedChannelID string
	Model            string // optional; the completer's default is used when empty
	Timeout          time.Duration
	Completer        domain.Completer
	Messenger        domain.Messenger
	Logger           *slog.Logger
}

// Relay holds no per-message state; Handle is safe for concurrent use.
type Relay struct {
	allowedChannelID string
	model            string
	timeout          time.Duration
	completer        domain.Completer
	messenger        domain.Messenger
	logger           *slog.Logger
}

func New(cfg Config) (*Relay, error) {
	if cfg.AllowedChannelID == "" {
		return nil, errors.New("relay: allowed channel ID is required")
	}
	if cfg.Completer == nil {
		return nil, errors.New("relay: completer is required")
	}
	if cfg.Messenger == nil {
		return nil, errors.New("relay: messenger is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		allowedChannelID: cfg.AllowedChannelID,
		model:            cfg.Model,
		timeout:          cfg.Timeout,
		completer:        cfg.Completer,
		messenger:        cfg.Messenger,
		logger:           cfg.Logger,
	}, nil
}

// Accepts reports whether msg should be relayed: it must come from a human
// (never the bot itself), in the allowed channel, and carry some text.
func (r *Relay) Accepts(msg domain.IncomingMessage) bool {
	if msg.AuthorIsBot {
		return false
	}
	if self := r.messenger.SelfID(); self != "" && msg.AuthorID == self {
		return false
	}
	if msg.ChannelID != r.allowedChannelID {
		return false
	}
	return strings.TrimSpace(msg.Content) != ""
}

// Handle relays one message. Ignored messages cause no side effects. For an
// accepted message a placeholder is posted and then resolved exactly once;
// if posting the placeholder fails nothing else happens.
func (r *Relay) Handle(ctx context.Context, msg domain.IncomingMessage) Outcome {
	if !r.Accepts(msg) {
		metrics.MessagesIgnored.Inc()
		return Outcome{Kind: OutcomeIgnored}
	}
	metrics.MessagesTotal.Inc()

	start := time.Now()
	out := Outcome{RequestID: uuid.NewString()}
	log := r.logger.With(
		"request_id", out.RequestID,
		"channel_id", msg.ChannelID,
		"author", msg.AuthorName,
	)
	log.Info("processing message", "preview", preview(msg.Content, 50))

	p, err := r.messenger.Send(ctx, msg.ChannelID, ThinkingText)
	if err != nil {
		log.Error("cannot post placeholder", tint.Err(err))
		out.Kind = OutcomePlaceholderFailed
		out.Err = err
		metrics.Outcome(out.Kind.String()).Inc()
		return out
	}
	out.Placeholder = p

	out.Kind, out.Text, out.Err = r.complete(ctx, log, msg.Content)

	editCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), editTimeout)
	defer cancel()
	if err := r.messenger.Edit(editCtx, p, out.Text); err != nil {
		log.Error("cannot edit placeholder", "message_id", p.MessageID, tint.Err(err))
		out.EditErr = err
	}

	metrics.Outcome(out.Kind.String()).Inc()
	log.Info("message handled", "outcome", out.Kind.String(), "duration", time.Since(start))
	return out
}

// complete performs the completion call and maps its result onto a terminal
// outcome and the text the placeholder should show.
func (r *Relay) complete(ctx context.Context, log *slog.Logger, prompt string) (OutcomeKind, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	metrics.InflightRequests.Inc()
	start := time.Now()
	resp, err := r.callCompleter(callCtx, domain.CompletionRequest{
		Model:    r.model,
		Messages: []domain.Message{{Role: "user", Content: prompt}},
	})
	metrics.InflightRequests.Dec()
	metrics.CompletionLatency.Observe(time.Since(start).Seconds())

	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = domain.ErrEmptyCompletion
	}

	var upErr *domain.UpstreamError
	switch {
	case err == nil:
		log.Info("completion received", "len", len(resp.Content), "latency_ms", resp.LatencyMs)
		return OutcomeAnswered, Truncate(resp.Content, MaxMessageLength), nil
	case errors.Is(err, domain.ErrTimeout) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		log.Warn("completion timed out", "timeout", r.timeout, tint.Err(err))
		return OutcomeTimedOut, TimeoutText, err
	case errors.As(err, &upErr):
		log.Error("completion API error", "status", upErr.StatusCode, "body", upErr.Body)
		return OutcomeAPIError, UnavailableText, err
	default:
		log.Error("completion failed", tint.Err(err))
		return OutcomeUnexpectedError, ErrorText, err
	}
}

// callCompleter turns a panic inside the completer into an error so one bad
// response cannot take the process down.
func (r *Relay) callCompleter(ctx context.Context, req domain.CompletionRequest) (resp *domain.CompletionResponse, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			resp, err = nil, fmt.Errorf("completer panicked: %v", rec)
		}
	}()
	return r.completer.Complete(ctx, req)
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
