package inference

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Recorder receives per-call statistics. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordCall(elapsed time.Duration, attempts int, ok bool)
}

// Client wraps a Transport with bounded retries.
type Client struct {
	transport Transport
	retries   int
	backoff   time.Duration
	logger    *slog.Logger
	recorder  Recorder
	sleep     func(context.Context, time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithRetries sets the total number of attempts per call.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retries = n
		}
	}
}

// WithBackoff sets the fixed pause between attempts.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) { c.backoff = d }
}

// WithLogger sets the logger for failed attempts.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRecorder attaches a call statistics sink.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// NewClient returns a Client that makes 5 attempts one second apart unless
// configured otherwise.
func NewClient(t Transport, opts ...Option) *Client {
	c := &Client{
		transport: t,
		retries:   5,
		backoff:   time.Second,
		logger:    slog.Default(),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call returns the model's reply, or nil once every attempt has failed or ctx
// is done. It never returns an error: a missing reply is handled by the
// caller as a step without an action.
func (c *Client) Call(ctx context.Context, messages []Message) *string {
	start := time.Now()
	attempts := 0

	for attempts < c.retries {
		attempts++
		out, err := c.transport.Complete(ctx, messages)
		if err == nil {
			c.record(time.Since(start), attempts, true)
			return &out
		}

		attrs := []any{"attempt", attempts, "of", c.retries, "error", err}
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			attrs = append(attrs, "status", httpErr.StatusCode, "body", truncate(httpErr.Body, 2000))
		}
		c.logger.Error("model call failed", attrs...)

		if ctx.Err() != nil {
			break
		}
		if attempts < c.retries {
			if err := c.sleep(ctx, c.backoff); err != nil {
				break
			}
		}
	}

	c.record(time.Since(start), attempts, false)
	return nil
}

func (c *Client) record(elapsed time.Duration, attempts int, ok bool) {
	if c.recorder != nil {
		c.recorder.RecordCall(elapsed, attempts, ok)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
