package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"relaybot/internal/domain"
	"relaybot/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	allowedChannel = "111111111111111111"
	otherChannel   = "222222222222222222"
	botID          = "999999999999999999"
)

type sentMessage struct {
	ChannelID string
	Content   string
}

type editedMessage struct {
	Placeholder domain.Placeholder
	Content     string
}

// fakeMessenger records every Discord side effect.
type fakeMessenger struct {
	mu      sync.Mutex
	sendErr error
	editErr error
	sent    []sentMessage
	edits   []editedMessage
	nextID  int
}

func (f *fakeMessenger) SelfID() string { return botID }

func (f *fakeMessenger) Send(ctx context.Context, channelID, content string) (domain.Placeholder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return domain.Placeholder{}, f.sendErr
	}
	f.nextID++
	f.sent = append(f.sent, sentMessage{ChannelID: channelID, Content: content})
	return domain.Placeholder{ChannelID: channelID, MessageID: fmt.Sprintf("msg-%d", f.nextID)}, nil
}

func (f *fakeMessenger) Edit(ctx context.Context, p domain.Placeholder, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editedMessage{Placeholder: p, Content: content})
	return f.editErr
}

func (f *fakeMessenger) snapshot() ([]sentMessage, []editedMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...), append([]editedMessage(nil), f.edits...)
}

// funcCompleter adapts a function to domain.Completer.
type funcCompleter func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error)

func (f funcCompleter) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
	return f(ctx, req)
}
func (f funcCompleter) Name() string                  { return "func" }
func (f funcCompleter) Healthy(context.Context) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// upstream is a mocked completion API that records every request it sees.
type upstream struct {
	*httptest.Server
	hits    atomic.Int32
	mu      sync.Mutex
	prompts []string
}

func newUpstream(t *testing.T, handler http.HandlerFunc) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.prompts = append(u.prompts, string(body))
		u.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(u.Close)
	return u
}

func newRelay(t *testing.T, m *fakeMessenger, c domain.Completer, timeout time.Duration) *Relay {
	t.Helper()
	r, err := New(Config{
		AllowedChannelID: allowedChannel,
		Timeout:          timeout,
		Completer:        c,
		Messenger:        m,
		Logger:           testLogger(),
	})
	require.NoError(t, err)
	return r
}

func newRelayWithUpstream(t *testing.T, m *fakeMessenger, u *upstream, timeout time.Duration) *Relay {
	t.Helper()
	c := provider.NewOpenRouter(provider.OpenRouterConfig{
		APIKey:    "sk-test",
		APIBase:   u.URL,
		Model:     "test/model",
		MaxTokens: 1000,
		Client:    u.Client(),
		Logger:    testLogger(),
	})
	return newRelay(t, m, c, timeout)
}

func userMessage(channelID, content string) domain.IncomingMessage {
	return domain.IncomingMessage{
		ID:         "1",
		AuthorID:   "333333333333333333",
		AuthorName: "alice",
		ChannelID:  channelID,
		Content:    content,
		Timestamp:  time.Now(),
	}
}

func okHandler(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"choices":[{"message":{"content":%q}}]}`, content)
	}
}

// assertResolvedOnce checks the core guarantee: one placeholder, one edit, same message.
func assertResolvedOnce(t *testing.T, m *fakeMessenger, want string) {
	t.Helper()
	sent, edits := m.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, sentMessage{ChannelID: allowedChannel, Content: ThinkingText}, sent[0])
	require.Len(t, edits, 1)
	assert.Equal(t, domain.Placeholder{ChannelID: allowedChannel, MessageID: "msg-1"}, edits[0].Placeholder)
	assert.Equal(t, want, edits[0].Content)
}

func TestHandle_Answered(t *testing.T) {
	u := newUpstream(t, okHandler("Hi there!"))
	m := &fakeMessenger{}
	r := newRelayWithUpstream(t, m, u, time.Second)

	out := r.Handle(context.Background(), userMessage(allowedChannel, "Hello"))

	assert.Equal(t, OutcomeAnswered, out.Kind)
	assert.True(t, out.Kind.Terminal())
	assert.Equal(t, "Hi there!", out.Text)
	assert.NoError(t, out.Err)
	assert.NotEmpty(t, out.RequestID)
	assertResolvedOnce(t, m, "Hi there!")

	require.EqualValues(t, 1, u.hits.Load())
	assert.Contains(t, u.prompts[0], `"content":"Hello"`)
	assert.Contains(t, u.prompts[0], `"role":"user"`)
	assert.Contains(t, u.prompts[0], `"model":"test/model"`)
}

func TestHandle_OtherChannelIgnored(t *testing.T) {
	u := newUpstream(t, okHandler("should not be called"))
	m := &fakeMessenger{}
	r := newRelayWithUpstream(t, m, u, time.Second)

	out := r.Handle(context.Background(), userMessage(otherChannel, "Hello"))

	assert.Equal(t, OutcomeIgnored, out.Kind)
	assert.False(t, out.Kind.Terminal())
	sent, edits := m.snapshot()
	assert.Empty(t, sent)
	assert.Empty(t, edits)
	assert.EqualValues(t, 0, u.hits.Load())
}

func TestHandle_OwnMessagesIgnored(t *testing.T) {
	u := newUpstream(t, okHandler("loop"))
	m := &fakeMessenger{}
	r := newRelayWithUpstream(t, m, u, time.Second)

	self := userMessage(allowedChannel, ThinkingText)
	self.AuthorID = botID
	otherBot := userMessage(allowedChannel, "beep")
	otherBot.AuthorIsBot = true

	for _, msg := range []domain.IncomingMessage{self, otherBot} {
		assert.Equal(t, OutcomeIgnored, r.Handle(context.Background(), msg).Kind)
	}
	sent, edits := m.snapshot()
	assert.Empty(t, sent)
	assert.Empty(t, edits)
	assert.EqualValues(t, 0, u.hits.Load())
}

func TestHandle_BlankContentIgnored(t *testing.T) {
	m := &fakeMessenger{}
	r := newRelay(t, m, funcCompleter(func(context.Context, domain.CompletionRequest) (*domain.CompletionResponse, error) {
		t.Fatal("completer must not be called")
		return nil, nil
	}), time.Second)

	assert.Equal(t, OutcomeIgnored, r.Handle(context.Background(), userMessage(allowedChannel, "  \n\t")).Kind)
	sent, _ := m.snapshot()
	assert.Empty(t, sent)
}

func TestHandle_UpstreamServerError(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})
	m := &fakeMessenger{}
	r := newRelayWithUpstream(t, m, u, time.Second)

	var out Outcome
	require.NotPanics(t, func() {
		out = r.Handle(context.Background(), userMessage(allowedChannel, "Hello"))
	})

	assert.Equal(t, OutcomeAPIError, out.Kind)
	var upErr *domain.UpstreamError
	require.ErrorAs(t, out.Err, &upErr)
	assert.Equal(t, http.StatusInternalServerError, upErr.StatusCode)
	assertResolvedOnce(t, m, UnavailableText)
	assert.EqualValues(t, 1, u.hits.Load(), "upstream errors are not retried")
}

func TestHandle_Timeout(t *testing.T) {
	release := make(chan struct{})
	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	m := &fakeMessenger{}
	r := newRelayWithUpstream(t, m, u, 50*time.Millisecond)

	start := time.Now()
	out := r.Handle(context.Background(), userMessage(allowedChannel, "Hello"))

	assert.Equal(t, OutcomeTimedOut, out.Kind)
	assert.ErrorIs(t, out.Err, domain.ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
	assertResolvedOnce(t, m, TimeoutText)
}

func TestHandle_TimeoutWithoutTransportSupport(t *testing.T) {
	// A completer that ignores cancellation until released still resolves
	// as a timeout once it returns after the deadline.
	m := &fakeMessenger{}
	r := newRelay(t, m, funcCompleter(func(ctx context.Context, _ domain.CompletionRequest) (*domain.CompletionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), 20*time.Millisecond)

	out := r.Handle(context.Background(), userMessage(allowedChannel, "Hello"))
	assert.Equal(t, OutcomeTimedOut, out.Kind)
	assertResolvedOnce(t, m, TimeoutText)
}

func TestHandle_MalformedResponse(t *testing.T) {
	u := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>gateway</html>`)
	})
	m := &fakeMessenger{}
	r := newRelayWithUpstream(t, m, u, time.Second)

	out := r.Handle(context.Background(), userMessage(allowedChannel, "Hello"))
	assert.Equal(t, OutcomeUnexpectedError, out.Kind)
	assert.ErrorIs(t, out.Err, domain.ErrMalformedResponse)
	assertResolvedOnce(t, m, ErrorText)
}

func TestHandle_EmptyCompletion(t *testing.T) {
	m := &fakeMessenger{}
	r := newRelay(t, m, funcCompleter(func(context.Context, domain.CompletionRequest) (*domain.CompletionResponse, error) {
		return &domain.CompletionResponse{Content: "   "}, nil
	}), time.Second)

	out := r.Handle(context.Background(), userMessage(allowedChannel, "Hello"))
	assert.Equal(t, OutcomeUnexpectedError, out.Kind)
	assert.ErrorIs(t, out.Err, domain.ErrEmptyCompletion)
	assertResolvedOnce(t, m, ErrorText)
}

func TestHandle_CompleterPanic(t *testing.T) {
	m := &fakeMessenger{}
	r := newRelay(t, m, funcCompleter(func(context.Context, domain.CompletionRequest) (*domain.CompletionResponse, error) {
		panic("nil map")
	}), time.Second)

	out := r.Handle(context.Background(), userMessage(allowedChannel, "Hello"))
	assert.Equal(t, OutcomeUnexpectedError, out.Kind)
	assertResolvedOnce(t, m, ErrorText)
}

func TestHandle_LongAnswerTruncated(t *testing.T) {
	long := strings.Repeat("word ", 1000)
	m := &fakeMessenger{}
	r := newRelay(t, m, funcCompleter(func(context.Context, domain.CompletionRequest) (*domain.CompletionResponse, error) {
		return &domain.CompletionResponse{Content: long}, nil
	}), time.Second)

	out := r.Handle(context.Background(), userMessage(allowedChannel, "Hello"))
	assert.Equal(t, OutcomeAnswered, out.Kind)
	_, edits := m.snapshot()
	require.Len(t, edits, 1)
	assert.LessOrEqual(t, utf8.RuneCountInString(edits[0].Content), MaxMessageLength)
	assert.True(t, strings.HasSuffix(edits[0].Content, TruncationMarker))
}

func TestHandle_PlaceholderPostFails(t *testing.T) {
	var calls atomic.Int32
	m := &fakeMessenger{sendErr: errors.New("HTTP 403 Forbidden, Missing Permissions")}
	r := newRelay(t, m, funcCompleter(func(context.Context, domain.CompletionRequest) (*domain.CompletionResponse, error) {
		calls.Add(1)
		return &domain.CompletionResponse{Content: "x"}, nil
	}), time.Second)

	out := r.Handle(context.Background(), userMessage(allowedChannel, "Hello"))
	assert.Equal(t, OutcomePlaceholderFailed, out.Kind)
	assert.False(t, out.Kind.Terminal())
	assert.Error(t, out.Err)
	_, edits := m.snapshot()
	assert.Empty(t, edits)
	assert.EqualValues(t, 0, calls.Load())
}

func TestHandle_EditFailureRecorded(t *testing.T) {
	m := &fakeMessenger{editErr: errors.New("unknown message")}
	r := newRelay(t, m, funcCompleter(func(context.Context, domain.CompletionRequest) (*domain.CompletionResponse, error) {
		return &domain.CompletionResponse{Content: "answer"}, nil
	}), time.Second)

	out := r.Handle(context.Background(), userMessage(allowedChannel, "Hello"))
	assert.Equal(t, OutcomeAnswered, out.Kind)
	assert.Error(t, out.EditErr)
	_, edits := m.snapshot()
	assert.Len(t, edits, 1, "a failed edit is not retried")
}

func TestHandle_EditSurvivesCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := &fakeMessenger{}
	r := newRelay(t, m, funcCompleter(func(context.Context, domain.CompletionRequest) (*domain.CompletionResponse, error) {
		cancel()
		return nil, context.Canceled
	}), time.Second)

	out := r.Handle(ctx, userMessage(allowedChannel, "Hello"))
	assert.Equal(t, OutcomeUnexpectedError, out.Kind)
	assertResolvedOnce(t, m, ErrorText)
}

func TestHandle_ConcurrentMessagesAreIndependent(t *testing.T) {
	m := &fakeMessenger{}
	r := newRelay(t, m, funcCompleter(func(_ context.Context, req domain.CompletionRequest) (*domain.CompletionResponse, error) {
		prompt := req.Messages[0].Content
		if prompt == "fail" {
			return nil, &domain.UpstreamError{StatusCode: 503}
		}
		return &domain.CompletionResponse{Content: "echo: " + prompt}, nil
	}), time.Second)

	const n = 20
	var wg sync.WaitGroup
	outcomes := make([]Outcome, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := fmt.Sprintf("q%d", i)
			if i%5 == 0 {
				text = "fail"
			}
			outcomes[i] = r.Handle(context.Background(), userMessage(allowedChannel, text))
		}(i)
	}
	wg.Wait()

	sent, edits := m.snapshot()
	assert.Len(t, sent, n)
	require.Len(t, edits, n)

	seen := make(map[string]bool)
	for _, e := range edits {
		assert.False(t, seen[e.Placeholder.MessageID], "placeholder %s edited twice", e.Placeholder.MessageID)
		seen[e.Placeholder.MessageID] = true
	}
	for i, out := range outcomes {
		require.True(t, out.Kind.Terminal())
		if i%5 == 0 {
			assert.Equal(t, OutcomeAPIError, out.Kind)
		} else {
			assert.Equal(t, fmt.Sprintf("echo: q%d", i), out.Text)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	c := funcCompleter(nil)
	m := &fakeMessenger{}

	_, err := New(Config{Completer: c, Messenger: m})
	assert.Error(t, err)
	_, err = New(Config{AllowedChannelID: allowedChannel, Messenger: m})
	assert.Error(t, err)
	_, err = New(Config{AllowedChannelID: allowedChannel, Completer: c})
	assert.Error(t, err)

	r, err := New(Config{AllowedChannelID: allowedChannel, Completer: c, Messenger: m})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, r.timeout)
}

func TestOutcomeKind_String(t *testing.T) {
	assert.Equal(t, "answered", OutcomeAnswered.String())
	assert.Equal(t, "timed_out", OutcomeTimedOut.String())
	assert.Equal(t, "api_error", OutcomeAPIError.String())
	assert.Equal(t, "unexpected_error", OutcomeUnexpectedError.String())
	assert.Equal(t, "outcome(42)", OutcomeKind(42).String())
}
