package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voice-relay/internal/domain"
	"voice-relay/internal/integrations/paramstore"
)

type capturedRequest struct {
	Path          string
	Authorization string
	Body          map[string]any
}

func newCompletionServer(t *testing.T, status int, body string, captured *capturedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if captured != nil {
			captured.Path = r.URL.Path
			captured.Authorization = r.Header.Get("Authorization")
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, &captured.Body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testRequest() domain.CompletionRequest {
	return domain.CompletionRequest{
		Model:       "grok-beta",
		Temperature: 0.7,
		MaxTokens:   150,
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "hello"},
			{Role: domain.RoleAssistant, Content: "hi"},
			{Role: domain.RoleUser, Content: "how are you"},
		},
	}
}

const twoChoices = `{
	"id":"chatcmpl-1","object":"chat.completion","created":1700000000,"model":"grok-beta",
	"choices":[
		{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Doing great."}},
		{"index":1,"finish_reason":"stop","message":{"role":"assistant","content":"All good."}}
	]
}`

func TestNewClient_NilKeySource(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil")
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(paramstore.Static("xai-test"), WithBaseURL("  "), WithMaxRetries(-1))
	require.NoError(t, err)
	require.Equal(t, DefaultBaseURL, c.baseURL)
	require.Zero(t, c.maxRetries)
	require.NotNil(t, c.httpClient)
}

func TestComplete_SendsChatAndReturnsChoices(t *testing.T) {
	var captured capturedRequest
	srv := newCompletionServer(t, http.StatusOK, twoChoices, &captured)

	c, err := NewClient(paramstore.Static("xai-test"), WithBaseURL(srv.URL+"/v1"))
	require.NoError(t, err)

	got, err := c.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, []string{"Doing great.", "All good."}, got)

	require.Equal(t, "/v1/chat/completions", captured.Path)
	require.Equal(t, "Bearer xai-test", captured.Authorization)
	require.Equal(t, "grok-beta", captured.Body["model"])
	require.InDelta(t, 0.7, captured.Body["temperature"], 1e-9)
	require.EqualValues(t, 150, captured.Body["max_tokens"])

	msgs, ok := captured.Body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 4)
	roles := make([]string, 0, len(msgs))
	for _, m := range msgs {
		roles = append(roles, m.(map[string]any)["role"].(string))
	}
	require.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
}

func TestComplete_NoChoices(t *testing.T) {
	srv := newCompletionServer(t, http.StatusOK, `{"id":"x","object":"chat.completion","choices":[]}`, nil)
	c, err := NewClient(paramstore.Static("xai-test"), WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrNoChoices)
}

func TestComplete_HTTPStatusError(t *testing.T) {
	srv := newCompletionServer(t, http.StatusUnauthorized, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`, nil)
	c, err := NewClient(paramstore.Static("xai-bad"), WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), testRequest())
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.HTTPStatusCode())
}

func TestComplete_NoRetriesByDefault(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded"}}`)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(paramstore.Static("xai-test"), WithBaseURL(srv.URL))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), testRequest())
	require.Error(t, err)
	require.EqualValues(t, 1, hits.Load())
}

func TestComplete_DeadlineExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(paramstore.Static("xai-test"), WithBaseURL(srv.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Complete(ctx, testRequest())
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil)
}

func TestComplete_KeyResolutionError(t *testing.T) {
	c, err := NewClient(paramstore.Static(""))
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), testRequest())
	require.ErrorContains(t, err, "resolve api key")
}

func TestComplete_ValidatesRequest(t *testing.T) {
	c, err := NewClient(paramstore.Static("xai-test"))
	require.NoError(t, err)

	req := testRequest()
	req.Model = " "
	_, err = c.Complete(context.Background(), req)
	require.ErrorContains(t, err, "model")

	_, err = c.Complete(context.Background(), domain.CompletionRequest{Model: "grok-beta"})
	require.ErrorContains(t, err, "messages")
}

func TestBaseURLWithSlash(t *testing.T) {
	require.Equal(t, "https://api.x.ai/v1/", baseURLWithSlash("https://api.x.ai/v1"))
	require.Equal(t, "https://api.x.ai/v1/", baseURLWithSlash("https://api.x.ai/v1/"))
	require.True(t, strings.HasSuffix(baseURLWithSlash("http://127.0.0.1:9"), "/"))
}

type rotatingKeys struct{ keys []string }

func (r *rotatingKeys) Value(context.Context) (string, error) {
	k := r.keys[0]
	if len(r.keys) > 1 {
		r.keys = r.keys[1:]
	}
	return k, nil
}

func TestComplete_ReusesClientAcrossTurns(t *testing.T) {
	var auth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, twoChoices)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(&rotatingKeys{keys: []string{"xai-first", "xai-second"}}, WithBaseURL(srv.URL+"/v1"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.Complete(context.Background(), testRequest())
		require.NoError(t, err)
	}
	require.Equal(t, []string{"Bearer xai-first", "Bearer xai-second", "Bearer xai-second"}, auth)
}
