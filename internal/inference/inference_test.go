package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captured struct {
	path string
	auth string
	body map[string]any
}

func capture(seen chan<- captured, reply string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{path: r.URL.Path, auth: r.Header.Get("Authorization")}
		_ = json.NewDecoder(r.Body).Decode(&c.body)
		seen <- c
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply)
	})
}

func chatReply(content, reasoning string) string {
	msg := map[string]any{"role": "assistant", "content": content}
	if reasoning != "" {
		msg["reasoning_content"] = reasoning
	}
	data, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"model":   "glm",
		"choices": []any{map[string]any{"index": 0, "message": msg, "finish_reason": "stop"}},
	})
	return string(data)
}

func testSampling() Sampling {
	return Sampling{TopP: 0.2, TopK: 2, Temperature: 0.8, MaxTokens: 8192, RepetitionPenalty: 1.1}
}

func TestDialectFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want Dialect
	}{
		{"http://172.20.92.26:5002/v1/chat/completions", SelfHosted},
		{"http://127.0.0.1:8000/v1/chat/completions", SelfHosted},
		{"http://[::1]:8000/v1/chat/completions", SelfHosted},
		{"https://api.example.com/v1/chat/completions", Hosted},
		{"http://localhost:8000/v1/chat/completions", Hosted},
		{"::not a url", Hosted},
	}
	for _, tc := range tests {
		if got := DialectFor(tc.url); got != tc.want {
			t.Errorf("DialectFor(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}

func TestBaseURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		endpoint string
		want     string
	}{
		{"http://10.0.0.2:5002/v1/chat/completions", "http://10.0.0.2:5002/v1"},
		{"https://api.example.com/v1/chat/completions/", "https://api.example.com/v1"},
		{"https://api.example.com/v1", "https://api.example.com/v1"},
	}
	for _, tc := range tests {
		if got := BaseURL(tc.endpoint); got != tc.want {
			t.Errorf("BaseURL(%q) = %q, want %q", tc.endpoint, got, tc.want)
		}
	}
}

func TestChatTransportSelfHosted(t *testing.T) {
	t.Parallel()

	seen := make(chan captured, 1)
	srv := httptest.NewServer(capture(seen, chatReply(`Action: {"action_type":"wait"}`, "")))
	defer srv.Close()

	tr, err := NewChatTransport(context.Background(), TransportConfig{
		Endpoint: srv.URL + "/v1/chat/completions",
		Model:    "glm",
		APIKey:   "secret",
		Sampling: testSampling(),
		Timeout:  5 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, SelfHosted, tr.Dialect())

	out, err := tr.Complete(context.Background(), []Message{UserMessage("hi", "aGVsbG8=")})
	require.NoError(t, err)
	require.Equal(t, `Action: {"action_type":"wait"}`, out)

	req := <-seen
	got := req.body
	require.Equal(t, "/v1/chat/completions", req.path)
	require.NotContains(t, req.auth, "secret")
	require.Equal(t, false, got["skip_special_tokens"])
	require.Equal(t, float64(2), got["top_k"])
	require.Equal(t, float64(8192), got["max_tokens"])
	require.Equal(t, 1.1, got["repetition_penalty"])
	require.Equal(t, []any{float64(151329), float64(151336)}, got["stop_token_ids"])
	require.InDelta(t, 0.2, got["top_p"], 1e-6)
	require.InDelta(t, 0.8, got["temperature"], 1e-6)

	msgs := got["messages"].([]any)
	content := msgs[0].(map[string]any)["content"].([]any)
	require.Equal(t, "text", content[0].(map[string]any)["type"])
	image := content[1].(map[string]any)["image_url"].(map[string]any)
	require.Equal(t, "aGVsbG8=", image["url"])
}

func TestChatTransportHostedFoldsReasoning(t *testing.T) {
	t.Parallel()

	seen := make(chan captured, 1)
	srv := httptest.NewServer(capture(seen, chatReply("answer", "look")))
	defer srv.Close()

	tr, err := newChatTransport(context.Background(), TransportConfig{
		Endpoint: srv.URL + "/v1/chat/completions",
		Model:    "glm-4.5v",
		APIKey:   "secret",
		Sampling: testSampling(),
		Timeout:  5 * time.Second,
	}, Hosted)
	require.NoError(t, err)

	out, err := tr.Complete(context.Background(), []Message{UserMessage("hi", "x")})
	require.NoError(t, err)
	require.Equal(t, "<think>look</think>answer", out)

	req := <-seen
	got := req.body
	require.Equal(t, "Bearer secret", req.auth)
	require.Equal(t, "glm-4.5v", got["model"])
	require.NotContains(t, got, "top_k")
	require.NotContains(t, got, "stop_token_ids")
}

func TestChatTransportErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"server error", http.StatusBadGateway, `{"error":{"message":"upstream down","type":"server_error"}}`, "inference: HTTP 502: upstream down"},
		{"plain error body", http.StatusServiceUnavailable, "busy", "status code: 503"},
		{"malformed body", http.StatusOK, "not json", "inference:"},
		{"no choices", http.StatusOK, `{"choices":[]}`, "inference:"},
		{"empty content", http.StatusOK, chatReply("", ""), "no content"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			tr, err := NewChatTransport(context.Background(), TransportConfig{Endpoint: srv.URL + "/v1/chat/completions", Model: "glm", Timeout: 5 * time.Second})
			require.NoError(t, err)
			_, err = tr.Complete(context.Background(), []Message{UserMessage("hi", "x")})
			require.ErrorContains(t, err, tc.want)

			var httpErr *HTTPError
			if tc.status == http.StatusBadGateway {
				require.True(t, errors.As(err, &httpErr))
				require.Equal(t, tc.status, httpErr.StatusCode)
			}
		})
	}
}

type fakeTransport struct {
	mu      sync.Mutex
	calls   int
	failFor int
	reply   string
}

func (f *fakeTransport) Complete(ctx context.Context, _ []Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFor {
		return "", &HTTPError{StatusCode: 503, Body: "busy"}
	}
	return f.reply, nil
}

type callRecord struct {
	attempts int
	ok       bool
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []callRecord
}

func (r *fakeRecorder) RecordCall(_ time.Duration, attempts int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, callRecord{attempts, ok})
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestClientRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{failFor: 3, reply: "ok"}
	rec := &fakeRecorder{}
	c := NewClient(ft, WithLogger(quietLogger()), WithRecorder(rec))
	c.sleep = noSleep

	out := c.Call(context.Background(), nil)
	require.NotNil(t, out)
	require.Equal(t, "ok", *out)
	require.Equal(t, 4, ft.calls)
	require.Equal(t, []callRecord{{attempts: 4, ok: true}}, rec.calls)
}

func TestClientGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{failFor: 100}
	rec := &fakeRecorder{}
	var slept []time.Duration
	c := NewClient(ft, WithLogger(quietLogger()), WithRecorder(rec), WithBackoff(time.Second))
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	require.Nil(t, c.Call(context.Background(), nil))
	require.Equal(t, 5, ft.calls)
	require.Len(t, slept, 4)
	for _, d := range slept {
		require.Equal(t, time.Second, d)
	}
	require.Equal(t, []callRecord{{attempts: 5, ok: false}}, rec.calls)
}

func TestClientStopsOnCancel(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{failFor: 100}
	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(ft, WithLogger(quietLogger()), WithRetries(5))
	c.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	require.Nil(t, c.Call(ctx, nil))
	require.Equal(t, 1, ft.calls)
}

func TestSleepCtx(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepCtx(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("sleepCtx on cancelled ctx = %v, want context.Canceled", err)
	}
	if err := sleepCtx(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleepCtx = %v", err)
	}
}
