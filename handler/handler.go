// Package handler exposes the relay over HTTP: Twilio webhooks, audio
// playback and read-only status endpoints.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"voice-relay/internal/dialog"
	"voice-relay/internal/domain"
	"voice-relay/internal/repository"
	"voice-relay/internal/store"
	"voice-relay/internal/twiml"
)

// Routes served to Twilio.
const (
	VoicePath         = "/voice"
	ProcessSpeechPath = "/process-speech"
	CallEndPath       = "/call-end"
)

// UnexpectedErrorText is spoken when a webhook fails outright.
const UnexpectedErrorText = "I'm sorry, there was an unexpected error. Please try calling again."

const (
	contentTypeXML   = "text/xml"
	audioCacheHeader = "public, max-age=600"
	isoMillis        = "2006-01-02T15:04:05.000Z"
)

// Dialog is the controller driving each call.
type Dialog interface {
	Start(ctx context.Context, callID, caller string) dialog.Turn
	HandleSpeech(ctx context.Context, in dialog.SpeechResult) dialog.Turn
}

// Sessions is the conversation store as seen by the HTTP layer.
type Sessions interface {
	End(callID string) (domain.CallSession, bool)
	Stats(now time.Time, activeWindow time.Duration) store.ConversationStats
}

// AudioStore serves synthesized audio.
type AudioStore interface {
	Get(id string) (domain.AudioArtifact, error)
	Len() int
}

// TranscriptReader loads archived calls.
type TranscriptReader interface {
	GetTranscript(ctx context.Context, callID string) (domain.Transcript, error)
}

// Deps wires the handler. Transcripts, OnCallEnded and AuthToken are optional.
type Deps struct {
	Dialog      Dialog
	Sessions    Sessions
	Audio       AudioStore
	Transcripts TranscriptReader
	OnCallEnded func(domain.CallSession)
	// AuthToken enables X-Twilio-Signature checks on webhook routes.
	AuthToken string
	// PublicBaseURL is the origin Twilio signs requests against.
	PublicBaseURL string
	// SessionMaxAge bounds the "active" count on /health.
	SessionMaxAge time.Duration
	Logger        *slog.Logger
	Clock         func() time.Time
}

type Handler struct {
	deps      Deps
	logger    *slog.Logger
	now       func() time.Time
	startedAt time.Time
}

func NewHandler(d Deps) (*Handler, error) {
	if d.Dialog == nil {
		return nil, errors.New("handler: dialog must not be nil")
	}
	if d.Sessions == nil {
		return nil, errors.New("handler: sessions must not be nil")
	}
	if d.Audio == nil {
		return nil, errors.New("handler: audio store must not be nil")
	}
	d.PublicBaseURL = strings.TrimRight(strings.TrimSpace(d.PublicBaseURL), "/")
	if d.AuthToken != "" && d.PublicBaseURL == "" {
		return nil, errors.New("handler: public base url is required for signature checks")
	}
	if d.SessionMaxAge <= 0 {
		d.SessionMaxAge = store.SessionMaxAge
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	return &Handler{
		deps:      d,
		logger:    d.Logger.With("component", "http"),
		now:       d.Clock,
		startedAt: d.Clock(),
	}, nil
}

// App builds the fiber application with every route registered.
func (h *Handler) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "voice-relay",
		DisableStartupMessage: true,
		// Form values end up as store keys and history; they must not alias
		// fasthttp's pooled buffers.
		Immutable:    true,
		ErrorHandler: h.handleError,
	})
	app.Use(recover.New())
	app.Use(h.correlationID)
	app.Use(h.requestLog)

	app.Post(VoicePath, h.verifyTwilio, h.voice)
	app.Post(ProcessSpeechPath, h.verifyTwilio, h.processSpeech)
	app.Post(CallEndPath, h.verifyTwilio, h.callEnd)

	app.Get("/audio/:id", h.audio)
	app.Get("/health", h.health)
	app.Get("/transcripts/:callId", h.transcript)
	return app
}

func (h *Handler) voice(c *fiber.Ctx) error {
	callID, err := requireCallSid(c)
	if err != nil {
		return err
	}
	turn := h.deps.Dialog.Start(c.UserContext(), callID, strings.TrimSpace(c.FormValue("From")))
	return sendTurn(c, turn)
}

func (h *Handler) processSpeech(c *fiber.Ctx) error {
	callID, err := requireCallSid(c)
	if err != nil {
		return err
	}
	turn := h.deps.Dialog.HandleSpeech(c.UserContext(), dialog.SpeechResult{
		CallID:     callID,
		Transcript: c.FormValue("SpeechResult"),
		Confidence: c.FormValue("Confidence"),
	})
	return sendTurn(c, turn)
}

func (h *Handler) callEnd(c *fiber.Ctx) error {
	callID, err := requireCallSid(c)
	if err != nil {
		return err
	}
	session, ok := h.deps.Sessions.End(callID)
	h.logger.Info("call ended", "call_sid", callID, "known", ok, "messages", len(session.History))
	if ok && h.deps.OnCallEnded != nil {
		h.deps.OnCallEnded(session)
	}
	c.Set(fiber.HeaderContentType, contentTypeXML)
	return c.Send(twiml.Empty())
}

func (h *Handler) audio(c *fiber.Ctx) error {
	art, err := h.deps.Audio.Get(c.Params("id"))
	if errors.Is(err, store.ErrAudioNotFound) {
		return c.Status(fiber.StatusNotFound).SendString("Audio file not found")
	}
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, art.ContentType)
	c.Set(fiber.HeaderCacheControl, audioCacheHeader)
	c.Response().Header.SetContentLength(len(art.Payload))
	return c.Send(art.Payload)
}

type healthResponse struct {
	Status        string                  `json:"status"`
	Timestamp     string                  `json:"timestamp"`
	Uptime        int64                   `json:"uptime"`
	Conversations store.ConversationStats `json:"conversations"`
	AudioFiles    int                     `json:"audioFiles"`
}

func (h *Handler) health(c *fiber.Ctx) error {
	now := h.now()
	return c.JSON(healthResponse{
		Status:        "OK",
		Timestamp:     now.UTC().Format(isoMillis),
		Uptime:        int64(math.Round(now.Sub(h.startedAt).Seconds())),
		Conversations: h.deps.Sessions.Stats(now, h.deps.SessionMaxAge),
		AudioFiles:    h.deps.Audio.Len(),
	})
}

type transcriptResponse struct {
	CallID    string               `json:"callId"`
	Caller    string               `json:"caller"`
	StartedAt time.Time            `json:"startedAt"`
	EndedAt   time.Time            `json:"endedAt"`
	Reason    string               `json:"reason"`
	Messages  []domain.ChatMessage `json:"messages"`
}

func (h *Handler) transcript(c *fiber.Ctx) error {
	if h.deps.Transcripts == nil {
		return fiber.NewError(fiber.StatusNotFound, "transcript archive is not configured")
	}
	t, err := h.deps.Transcripts.GetTranscript(c.UserContext(), c.Params("callId"))
	if errors.Is(err, repository.ErrTranscriptNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "transcript not found")
	}
	if err != nil {
		h.logger.Error("load transcript failed", "call_sid", c.Params("callId"), "err", err)
		return fiber.NewError(fiber.StatusBadGateway, "transcript archive unavailable")
	}
	return c.JSON(transcriptResponse{
		CallID:    t.CallID,
		Caller:    t.Caller,
		StartedAt: t.StartedAt,
		EndedAt:   t.EndedAt,
		Reason:    t.Reason,
		Messages:  t.Messages,
	})
}

// handleError keeps calls alive: anything other than a deliberate
// *fiber.Error is answered with spoken TwiML and a 200.
func (h *Handler) handleError(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).SendString(fe.Message)
	}
	h.logger.Error("unhandled error", "method", c.Method(), "path", c.Path(), "correlation_id", correlationIDFrom(c), "err", err)
	c.Set(fiber.HeaderContentType, contentTypeXML)
	return c.Status(fiber.StatusOK).Send(twiml.Say(UnexpectedErrorText))
}

func requireCallSid(c *fiber.Ctx) (string, error) {
	callID := strings.TrimSpace(c.FormValue("CallSid"))
	if callID == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, "CallSid is required")
	}
	return callID, nil
}

func sendTurn(c *fiber.Ctx, turn dialog.Turn) error {
	doc, err := twiml.Render(turn.Directives)
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, contentTypeXML)
	return c.Send(doc)
}
