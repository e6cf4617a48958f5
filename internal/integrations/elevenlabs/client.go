// Package elevenlabs synthesizes speech with the ElevenLabs text-to-speech API.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"voice-relay/internal/domain"
)

const (
	DefaultBaseURL = "https://api.elevenlabs.io/v1"
	DefaultModelID = "eleven_monolingual_v1"

	maxAudioBytes = 10 << 20
)

// VoiceSettings tunes the selected voice.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
}

// DefaultVoiceSettings are the settings every relay call is rendered with.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{Stability: 0.5, SimilarityBoost: 0.8, Style: 0.5}
}

type ttsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings VoiceSettings `json:"voice_settings"`
}

// KeySource yields the API key. *paramstore.Secret satisfies it.
type KeySource interface {
	Value(ctx context.Context) (string, error)
}

// APIError is a non-200 answer from ElevenLabs.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("elevenlabs: API error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether the request may succeed when sent again.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	keys       KeySource
	voiceID    string
	modelID    string
	settings   VoiceSettings
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModelID(modelID string) Option {
	return func(c *Client) {
		c.modelID = strings.TrimSpace(modelID)
	}
}

func WithVoiceSettings(s VoiceSettings) Option {
	return func(c *Client) {
		c.settings = s
	}
}

// WithRetry retries 429 and 5xx answers up to n times, waiting delay*attempt
// between tries.
func WithRetry(n int, delay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = n
		c.retryDelay = delay
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(keys KeySource, voiceID string, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("elevenlabs: key source must not be nil")
	}
	voiceID = strings.TrimSpace(voiceID)
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voice id must not be empty")
	}
	c := &Client{
		keys:       keys,
		voiceID:    voiceID,
		modelID:    DefaultModelID,
		settings:   DefaultVoiceSettings(),
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		maxRetries: 1,
		retryDelay: 250 * time.Millisecond,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.modelID == "" {
		c.modelID = DefaultModelID
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "tts.elevenlabs")
	return c, nil
}

// Synthesize renders text as MPEG audio.
func (c *Client) Synthesize(ctx context.Context, text string) (domain.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return domain.Audio{}, errors.New("elevenlabs: text must not be empty")
	}
	apiKey, err := c.keys.Value(ctx)
	if err != nil {
		return domain.Audio{}, fmt.Errorf("elevenlabs: resolve api key: %w", err)
	}

	body, err := json.Marshal(ttsRequest{Text: text, ModelID: c.modelID, VoiceSettings: c.settings})
	if err != nil {
		return domain.Audio{}, fmt.Errorf("elevenlabs: marshal payload: %w", err)
	}

	start := time.Now()
	url := fmt.Sprintf("%s/text-to-speech/%s", c.baseURL, c.voiceID)
	payload, err := c.doWithRetry(ctx, url, apiKey, body)
	if err != nil {
		return domain.Audio{}, err
	}

	c.logger.Debug("synthesized audio",
		"chars", len(text),
		"bytes", len(payload),
		"latency_ms", time.Since(start).Milliseconds(),
		"model", c.modelID,
	)
	return domain.Audio{Payload: payload, ContentType: domain.ContentTypeMPEG}, nil
}

func (c *Client) doWithRetry(ctx context.Context, url, apiKey string, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}

		payload, err := c.do(ctx, url, apiKey, body)
		if err == nil {
			return payload, nil
		}
		lastErr = err

		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return nil, err
		}
		c.logger.Warn("retrying request", "attempt", attempt+1, "status", apiErr.StatusCode)
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, url, apiKey string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: create request: %w", err)
	}
	req.Header.Set("xi-api-key", apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", domain.ContentTypeMPEG)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		return nil, parseError(res)
	}
	payload, err := io.ReadAll(io.LimitReader(res.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read response: %w", err)
	}
	return payload, nil
}

func parseError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))

	var errResp struct {
		Detail struct {
			Message string `json:"message"`
		} `json:"detail"`
	}
	message := string(body)
	if json.Unmarshal(body, &errResp) == nil && errResp.Detail.Message != "" {
		message = errResp.Detail.Message
	}
	return &APIError{StatusCode: res.StatusCode, Message: message}
}
