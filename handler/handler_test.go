package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voice-relay/internal/dialog"
	"voice-relay/internal/domain"
	"voice-relay/internal/repository"
	"voice-relay/internal/store"
	"voice-relay/internal/usecase"
)

type stubDialog struct {
	startTurn  dialog.Turn
	speechTurn dialog.Turn
	panicMsg   string
	started    []string
	speech     []dialog.SpeechResult
}

func (s *stubDialog) Start(_ context.Context, callID, caller string) dialog.Turn {
	s.started = append(s.started, callID+"|"+caller)
	return s.startTurn
}

func (s *stubDialog) HandleSpeech(_ context.Context, in dialog.SpeechResult) dialog.Turn {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	s.speech = append(s.speech, in)
	return s.speechTurn
}

type stubTranscripts struct {
	t   domain.Transcript
	err error
}

func (s *stubTranscripts) GetTranscript(_ context.Context, _ string) (domain.Transcript, error) {
	return s.t, s.err
}

type testEnv struct {
	dialog   *stubDialog
	sessions *store.Conversations
	audio    *store.Audio
	ended    []domain.CallSession
	handler  *Handler
}

func newEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	env := &testEnv{
		dialog: &stubDialog{
			startTurn: dialog.Turn{State: domain.StateListening, Directives: []dialog.Directive{
				{Kind: dialog.Speak, Text: dialog.WelcomeText},
				{Kind: dialog.Listen, URL: ProcessSpeechPath},
			}},
			speechTurn: dialog.Turn{State: domain.StateListening, Directives: []dialog.Directive{
				{Kind: dialog.Play, URL: "https://relay.example.com/audio/a1"},
				{Kind: dialog.Listen, URL: ProcessSpeechPath},
			}},
		},
		sessions: store.NewConversations(),
		audio:    store.NewAudio(),
	}
	deps := Deps{
		Dialog:        env.dialog,
		Sessions:      env.sessions,
		Audio:         env.audio,
		OnCallEnded:   func(s domain.CallSession) { env.ended = append(env.ended, s) },
		PublicBaseURL: "https://relay.example.com",
	}
	if mutate != nil {
		mutate(&deps)
	}
	h, err := NewHandler(deps)
	require.NoError(t, err)
	env.handler = h
	return env
}

func formRequest(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func do(t *testing.T, env *testEnv, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := env.handler.App().Test(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestNewHandler_ValidatesDependencies(t *testing.T) {
	sessions := store.NewConversations()
	audio := store.NewAudio()

	_, err := NewHandler(Deps{Sessions: sessions, Audio: audio})
	require.Error(t, err)
	_, err = NewHandler(Deps{Dialog: &stubDialog{}, Audio: audio})
	require.Error(t, err)
	_, err = NewHandler(Deps{Dialog: &stubDialog{}, Sessions: sessions})
	require.Error(t, err)
	_, err = NewHandler(Deps{Dialog: &stubDialog{}, Sessions: sessions, Audio: audio, AuthToken: "tok"})
	require.ErrorContains(t, err, "public base url")
}

func TestVoice_GreetsCaller(t *testing.T) {
	env := newEnv(t, nil)

	resp, body := do(t, env, formRequest(VoicePath, url.Values{"CallSid": {"CA123"}, "From": {"+15550100"}}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/xml", resp.Header.Get("Content-Type"))
	require.Contains(t, body, dialog.WelcomeText)
	require.Contains(t, body, `action="/process-speech"`)
	require.Equal(t, []string{"CA123|+15550100"}, env.dialog.started)
	require.NotEmpty(t, resp.Header.Get("X-Correlation-Id"))
}

func TestVoice_RequiresCallSid(t *testing.T) {
	env := newEnv(t, nil)

	resp, _ := do(t, env, formRequest(VoicePath, url.Values{"From": {"+1"}}))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, env.dialog.started)
}

func TestProcessSpeech_PassesRecognizerResult(t *testing.T) {
	env := newEnv(t, nil)

	resp, body := do(t, env, formRequest(ProcessSpeechPath, url.Values{
		"CallSid":      {"CA123"},
		"SpeechResult": {"what's the weather"},
		"Confidence":   {"0.87"},
	}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "<Play>https://relay.example.com/audio/a1</Play>")
	require.Equal(t, []dialog.SpeechResult{{CallID: "CA123", Transcript: "what's the weather", Confidence: "0.87"}}, env.dialog.speech)
}

func TestProcessSpeech_PanicBecomesApology(t *testing.T) {
	env := newEnv(t, nil)
	env.dialog.panicMsg = "boom"

	resp, body := do(t, env, formRequest(ProcessSpeechPath, url.Values{"CallSid": {"CA1"}, "SpeechResult": {"hi"}}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/xml", resp.Header.Get("Content-Type"))
	require.Contains(t, body, UnexpectedErrorText)
}

func TestProcessSpeech_UnrenderableTurnBecomesApology(t *testing.T) {
	env := newEnv(t, nil)
	env.dialog.speechTurn = dialog.Turn{Directives: []dialog.Directive{{Kind: "dance"}}}

	resp, body := do(t, env, formRequest(ProcessSpeechPath, url.Values{"CallSid": {"CA1"}}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, UnexpectedErrorText)
}

func TestCallEnd_RemovesSessionAndNotifies(t *testing.T) {
	env := newEnv(t, nil)
	env.sessions.Create("CA123", "+15550100")
	env.sessions.Append("CA123", domain.ChatMessage{Role: domain.RoleUser, Content: "hello"})

	resp, body := do(t, env, formRequest(CallEndPath, url.Values{"CallSid": {"CA123"}}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "<Response></Response>")

	_, ok := env.sessions.Get("CA123")
	require.False(t, ok)
	require.Len(t, env.ended, 1)
	require.Equal(t, "CA123", env.ended[0].ID)
	require.Len(t, env.ended[0].History, 1)
}

func TestCallEnd_UnknownCallIsQuiet(t *testing.T) {
	env := newEnv(t, nil)

	resp, _ := do(t, env, formRequest(CallEndPath, url.Values{"CallSid": {"CA-unknown"}}))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, env.ended)
}

func TestAudio_ServesArtifact(t *testing.T) {
	env := newEnv(t, nil)
	art, err := env.audio.Save(domain.Audio{Payload: []byte("ID3-mp3"), ContentType: domain.ContentTypeMPEG})
	require.NoError(t, err)

	resp, body := do(t, env, httptest.NewRequest(http.MethodGet, "/audio/"+art.ID, nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	require.Equal(t, "public, max-age=600", resp.Header.Get("Cache-Control"))
	require.Equal(t, "7", resp.Header.Get("Content-Length"))
	require.Equal(t, "ID3-mp3", body)
}

func TestAudio_NotFound(t *testing.T) {
	env := newEnv(t, nil)

	resp, body := do(t, env, httptest.NewRequest(http.MethodGet, "/audio/audio_missing", nil))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "Audio file not found", body)
}

func TestHealth_ReportsStoreCounts(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := start
	env := newEnv(t, func(d *Deps) { d.Clock = func() time.Time { return now } })
	env.sessions.Create("CA1", "+1")
	env.sessions.Append("CA1",
		domain.ChatMessage{Role: domain.RoleUser, Content: "a"},
		domain.ChatMessage{Role: domain.RoleAssistant, Content: "b"},
	)
	_, err := env.audio.Save(domain.Audio{Payload: []byte("x"), ContentType: domain.ContentTypeMPEG})
	require.NoError(t, err)
	now = start.Add(90500 * time.Millisecond)

	resp, body := do(t, env, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got healthResponse
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Equal(t, "OK", got.Status)
	require.Equal(t, "2026-03-01T09:01:30.500Z", got.Timestamp)
	require.EqualValues(t, 91, got.Uptime)
	require.Equal(t, 1, got.AudioFiles)
	require.Equal(t, store.ConversationStats{Total: 1, Active: 1, AvgMessages: 2, TotalMessages: 2}, got.Conversations)
}

func TestTranscript(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	reader := &stubTranscripts{t: domain.Transcript{
		CallID:    "CA123",
		Caller:    "+15550100",
		StartedAt: started,
		EndedAt:   started.Add(time.Minute),
		Reason:    usecase.EndReasonCompleted,
		Messages:  []domain.ChatMessage{{Role: domain.RoleUser, Content: "hello"}},
	}}
	env := newEnv(t, func(d *Deps) { d.Transcripts = reader })

	resp, body := do(t, env, httptest.NewRequest(http.MethodGet, "/transcripts/CA123", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got transcriptResponse
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Equal(t, "CA123", got.CallID)
	require.Equal(t, "completed", got.Reason)
	require.Equal(t, []domain.ChatMessage{{Role: "user", Content: "hello"}}, got.Messages)

	reader.err = repository.ErrTranscriptNotFound
	resp, _ = do(t, env, httptest.NewRequest(http.MethodGet, "/transcripts/CA404", nil))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	reader.err = errors.New("dynamo down")
	resp, _ = do(t, env, httptest.NewRequest(http.MethodGet, "/transcripts/CA123", nil))
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestTranscript_NotConfigured(t *testing.T) {
	env := newEnv(t, nil)
	resp, _ := do(t, env, httptest.NewRequest(http.MethodGet, "/transcripts/CA123", nil))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCorrelationID_IsEchoed(t *testing.T) {
	env := newEnv(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("x-correlation-id", "corr-123")

	resp, _ := do(t, env, req)
	require.Equal(t, "corr-123", resp.Header.Get("X-Correlation-Id"))
}

func TestTwilioSignature(t *testing.T) {
	env := newEnv(t, func(d *Deps) { d.AuthToken = "secret" })
	form := url.Values{"CallSid": {"CA123"}, "From": {"+15550100"}}

	resp, _ := do(t, env, formRequest(VoicePath, form))
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "unsigned request")

	req := formRequest(VoicePath, form)
	req.Header.Set(SignatureHeader, "bm9wZQ==")
	resp, _ = do(t, env, req)
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "wrong signature")
	require.Empty(t, env.dialog.started)

	req = formRequest(VoicePath, form)
	req.Header.Set(SignatureHeader, Sign("secret", "https://relay.example.com/voice", form))
	resp, _ = do(t, env, req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, env.dialog.started, 1)

	resp, _ = do(t, env, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode, "status routes are not signed")
}
