package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"voice-relay/internal/domain"
)

const (
	defaultCompletionTimeout = 10 * time.Second
	defaultModel             = "grok-beta"
	defaultTemperature       = 0.7
	defaultMaxTokens         = 150
)

// Completer returns the candidate replies for a chat request.
type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) ([]string, error)
}

// Synthesizer turns an utterance into playable audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (domain.Audio, error)
}

// SessionStore is the conversation state consumed by the pipeline.
type SessionStore interface {
	Append(callID string, msgs ...domain.ChatMessage) []domain.ChatMessage
}

// AudioSaver registers synthesized audio for later playback.
type AudioSaver interface {
	Save(audio domain.Audio) (domain.AudioArtifact, error)
}

// Settings tunes the completion request.
type Settings struct {
	Model             string
	Temperature       float64
	MaxTokens         int
	CompletionTimeout time.Duration
	// PublicBaseURL prefixes audio references handed to the telephony provider.
	PublicBaseURL string
}

// Pipeline runs one conversational turn: history, completion, synthesis and
// audio registration.
type Pipeline struct {
	llm      Completer
	tts      Synthesizer
	sessions SessionStore
	audio    AudioSaver
	settings Settings
	logger   *slog.Logger
}

// RespondInput is one recognized caller utterance.
type RespondInput struct {
	CallID     string
	Transcript string
}

// AudioRef points at a stored artifact.
type AudioRef struct {
	ID  string
	URL string
}

// RespondOutput is the spoken reply. Fallback is set when Text is a canned
// apology rather than a model answer.
type RespondOutput struct {
	Audio    AudioRef
	Text     string
	Fallback Fallback
}

// NewPipeline wires the providers and stores. Zero Settings fields take the
// grok-beta defaults.
func NewPipeline(llm Completer, tts Synthesizer, sessions SessionStore, audio AudioSaver, settings Settings, logger *slog.Logger) (*Pipeline, error) {
	if llm == nil {
		return nil, errors.New("usecase: completer must not be nil")
	}
	if tts == nil {
		return nil, errors.New("usecase: synthesizer must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if audio == nil {
		return nil, errors.New("usecase: audio store must not be nil")
	}
	if settings.Model == "" {
		settings.Model = defaultModel
	}
	if settings.Temperature <= 0 {
		settings.Temperature = defaultTemperature
	}
	if settings.MaxTokens <= 0 {
		settings.MaxTokens = defaultMaxTokens
	}
	if settings.CompletionTimeout <= 0 {
		settings.CompletionTimeout = defaultCompletionTimeout
	}
	settings.PublicBaseURL = strings.TrimRight(strings.TrimSpace(settings.PublicBaseURL), "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		llm:      llm,
		tts:      tts,
		sessions: sessions,
		audio:    audio,
		settings: settings,
		logger:   logger.With("component", "pipeline"),
	}, nil
}

// Respond records the utterance, asks the model and returns a playable
// reference. Only synthesis and audio storage failures are returned as errors.
func (p *Pipeline) Respond(ctx context.Context, in RespondInput) (RespondOutput, error) {
	callID := strings.TrimSpace(in.CallID)
	if callID == "" {
		return RespondOutput{}, newError(ErrorInvalidInput, "empty_call_id", nil)
	}
	transcript := strings.TrimSpace(in.Transcript)
	if transcript == "" {
		return RespondOutput{}, newError(ErrorInvalidInput, "empty_transcript", nil)
	}

	history := p.sessions.Append(callID, domain.ChatMessage{Role: domain.RoleUser, Content: transcript})

	text, fallback := p.complete(ctx, callID, buildPromptMessages(history))
	if fallback == FallbackNone {
		p.sessions.Append(callID, domain.ChatMessage{Role: domain.RoleAssistant, Content: text})
	}

	audio, err := p.tts.Synthesize(ctx, text)
	if err != nil {
		return RespondOutput{}, newError(ErrorSynthesis, "synthesis_failed", err)
	}
	if len(audio.Payload) == 0 {
		return RespondOutput{}, newError(ErrorSynthesis, "synthesis_empty_audio", nil)
	}
	if audio.ContentType == "" {
		audio.ContentType = domain.ContentTypeMPEG
	}

	art, err := p.audio.Save(audio)
	if err != nil {
		return RespondOutput{}, newError(ErrorInternal, "audio_store_error", err)
	}

	return RespondOutput{
		Audio:    AudioRef{ID: art.ID, URL: p.settings.PublicBaseURL + "/audio/" + art.ID},
		Text:     text,
		Fallback: fallback,
	}, nil
}

// complete asks the provider for a reply. It never fails: provider problems
// are turned into a spoken fallback.
func (p *Pipeline) complete(ctx context.Context, callID string, messages []domain.ChatMessage) (string, Fallback) {
	callCtx, cancel := context.WithTimeout(ctx, p.settings.CompletionTimeout)
	defer cancel()

	candidates, err := p.llm.Complete(callCtx, domain.CompletionRequest{
		Messages:    messages,
		Model:       p.settings.Model,
		Temperature: p.settings.Temperature,
		MaxTokens:   p.settings.MaxTokens,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			p.logger.Warn("completion timed out", "call_sid", callID, "timeout", p.settings.CompletionTimeout)
			return fallbackText(FallbackTimeout), FallbackTimeout
		}
		p.logger.Error("completion failed", "call_sid", callID, "err", err)
		return fallbackText(FallbackUnavailable), FallbackUnavailable
	}

	for _, c := range candidates {
		if text := strings.TrimSpace(c); text != "" {
			return text, FallbackNone
		}
	}
	p.logger.Error("completion returned no candidates", "call_sid", callID, "candidates", len(candidates))
	return fallbackText(FallbackUnavailable), FallbackUnavailable
}
