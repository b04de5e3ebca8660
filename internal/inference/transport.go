package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Transport performs one chat completion round trip.
type Transport interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Dialect selects the request shape sent to the model server.
type Dialect int

const (
	// SelfHosted is a raw vLLM-style server reached by IP address.
	SelfHosted Dialect = iota
	// Hosted is a managed API reached by hostname with a bearer key.
	Hosted
)

func (d Dialect) String() string {
	if d == Hosted {
		return "hosted"
	}
	return "self-hosted"
}

// DialectFor picks the dialect from the endpoint: an IP literal host means a
// self-hosted server, anything else a hosted API.
func DialectFor(endpoint string) Dialect {
	u, err := url.Parse(endpoint)
	if err != nil {
		return Hosted
	}
	if net.ParseIP(u.Hostname()) != nil {
		return SelfHosted
	}
	return Hosted
}

// Sampling holds the fixed sampling parameters sent with every request.
type Sampling struct {
	TopP              float64
	TopK              int
	Temperature       float64
	MaxTokens         int
	RepetitionPenalty float64
}

// Self-hosted stop tokens for the GLM vision models.
var stopTokenIDs = []int{151329, 151336}

// HTTPError is returned for a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("inference: HTTP %d: %s", e.StatusCode, e.Body)
}

// TransportConfig configures a ChatTransport.
type TransportConfig struct {
	// Endpoint is the full chat-completions URL.
	Endpoint string
	Model    string
	// APIKey is sent as a bearer token to hosted endpoints only.
	APIKey   string
	Sampling Sampling
	Timeout  time.Duration
}

// ChatTransport sends OpenAI-compatible chat completions through an eino
// chat model.
type ChatTransport struct {
	dialect Dialect
	model   model.BaseChatModel
}

// NewChatTransport creates a transport whose dialect follows the endpoint
// host.
func NewChatTransport(ctx context.Context, cfg TransportConfig) (*ChatTransport, error) {
	return newChatTransport(ctx, cfg, DialectFor(cfg.Endpoint))
}

func newChatTransport(ctx context.Context, cfg TransportConfig, dialect Dialect) (*ChatTransport, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	topP := float32(cfg.Sampling.TopP)
	temperature := float32(cfg.Sampling.Temperature)

	chatConfig := &openai.ChatModelConfig{
		BaseURL:     BaseURL(cfg.Endpoint),
		Model:       cfg.Model,
		Timeout:     cfg.Timeout,
		TopP:        &topP,
		Temperature: &temperature,
	}
	if dialect == SelfHosted {
		maxTokens := cfg.Sampling.MaxTokens
		chatConfig.MaxTokens = &maxTokens
		chatConfig.ExtraFields = map[string]any{
			"top_k":                      cfg.Sampling.TopK,
			"repetition_penalty":         cfg.Sampling.RepetitionPenalty,
			"stop_token_ids":             stopTokenIDs,
			"skip_special_tokens":        false,
			"include_stop_str_in_output": false,
		}
	} else {
		chatConfig.APIKey = cfg.APIKey
	}

	cm, err := openai.NewChatModel(ctx, chatConfig)
	if err != nil {
		return nil, fmt.Errorf("inference: creating chat model: %w", err)
	}
	return &ChatTransport{dialect: dialect, model: cm}, nil
}

// BaseURL strips the chat-completions path from endpoint; the client appends
// it again.
func BaseURL(endpoint string) string {
	return strings.TrimSuffix(strings.TrimRight(endpoint, "/"), "/chat/completions")
}

// Dialect returns the request shape this transport uses.
func (t *ChatTransport) Dialect() Dialect { return t.dialect }

// Complete sends messages and returns the assistant text. Hosted responses
// carry their reasoning separately; it is folded back in as a <think> block.
func (t *ChatTransport) Complete(ctx context.Context, messages []Message) (string, error) {
	out, err := t.model.Generate(ctx, toSchema(messages))
	if err != nil {
		return "", classifyError(err)
	}

	if t.dialect == SelfHosted {
		if out.Content == "" {
			return "", errors.New("inference: response has no content")
		}
		return out.Content, nil
	}
	return "<think>" + out.ReasoningContent + "</think>" + out.Content, nil
}

func toSchema(messages []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		parts := make([]schema.ChatMessagePart, 0, len(m.Content))
		for _, c := range m.Content {
			if c.ImageURL != nil {
				parts = append(parts, schema.ChatMessagePart{
					Type:     schema.ChatMessagePartTypeImageURL,
					ImageURL: &schema.ChatMessageImageURL{URL: c.ImageURL.URL},
				})
				continue
			}
			parts = append(parts, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeText,
				Text: c.Text,
			})
		}
		out = append(out, &schema.Message{
			Role:         schema.RoleType(m.Role),
			MultiContent: parts,
		})
	}
	return out
}

// classifyError maps server errors onto HTTPError so retries log the status.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode > 0 {
		return &HTTPError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	return fmt.Errorf("inference: http request: %w", err)
}
