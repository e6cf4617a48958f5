// Package completion talks to an OpenAI-compatible chat completions API.
// The relay points it at xAI.
package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"voice-relay/internal/domain"
)

const DefaultBaseURL = "https://api.x.ai/v1"

// ErrNoChoices is returned when the provider answers without any choice.
var ErrNoChoices = errors.New("completion: no choices in response")

// KeySource yields the API key. *paramstore.Secret satisfies it.
type KeySource interface {
	Value(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	Message    string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("completion: unexpected status %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	keys       KeySource
	sdk        openai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithMaxRetries sets how often the SDK retries 429 and 5xx responses.
// Retries share the caller's deadline.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// NewClient creates a Client. The key is resolved on every Complete call and
// sent with that request.
func NewClient(keys KeySource, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("completion: key source must not be nil")
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		keys:       keys,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	c.sdk = openai.NewClient(
		option.WithBaseURL(baseURLWithSlash(c.baseURL)),
		option.WithHTTPClient(c.httpClient),
		option.WithMaxRetries(c.maxRetries),
	)
	return c, nil
}

// Complete sends the chat and returns the text of every choice, in order.
func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) ([]string, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("completion: model must not be empty")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("completion: messages must not be empty")
	}

	apiKey, err := c.keys.Value(ctx)
	if err != nil {
		return nil, fmt.Errorf("completion: resolve api key: %w", err)
	}

	params := openai.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: toParams(req.Messages),
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params, option.WithAPIKey(apiKey))
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, &HTTPStatusError{StatusCode: apiErr.StatusCode, Message: apiErr.Message}
		}
		return nil, fmt.Errorf("completion: request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	out := make([]string, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		out = append(out, choice.Message.Content)
	}
	return out, nil
}

func toParams(msgs []domain.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case domain.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// baseURLWithSlash makes relative SDK paths resolve under /v1.
func baseURLWithSlash(base string) string {
	return strings.TrimRight(base, "/") + "/"
}
