// Package dialog decides, turn by turn, what a caller hears next.
package dialog

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"voice-relay/internal/domain"
	"voice-relay/internal/usecase"
)

// MinConfidence is the lowest recognizer confidence acted upon.
const MinConfidence = 0.30

// Fixed utterances.
const (
	WelcomeText  = "Hello! You are now speaking with Grok, powered by xAI. How can I help you today?"
	UnsureText   = "I'm not sure I understood that correctly. Could you please repeat?"
	NoSpeechText = "I didn't catch that. Could you please speak clearly and try again?"
	FarewellText = "Goodbye! It was nice speaking with you. Have a great day!"
	ApologyText  = "I'm sorry, there was an error. Please try again."
)

var goodbyePhrases = []string{"goodbye", "bye", "see you", "talk to you later", "hang up", "end call"}

// DirectiveKind is one instruction for the telephony layer.
type DirectiveKind string

const (
	Speak  DirectiveKind = "speak"
	Play   DirectiveKind = "play"
	Listen DirectiveKind = "listen"
	Hangup DirectiveKind = "hangup"
)

// Directive is rendered by the telephony markup layer. Text is set for Speak,
// URL for Play and Listen (the next action).
type Directive struct {
	Kind DirectiveKind
	Text string
	URL  string
}

// Turn is the controller's answer to one telephony event.
type Turn struct {
	State      domain.DialogState
	Directives []Directive
}

// SpeechResult is one recognizer result delivered by the telephony layer.
// Confidence is kept raw so malformed values can be handled here.
type SpeechResult struct {
	CallID     string
	Transcript string
	Confidence string
}

// Responder runs the response pipeline for a turn.
type Responder interface {
	Respond(ctx context.Context, in usecase.RespondInput) (usecase.RespondOutput, error)
}

// Sessions is the slice of the conversation store the controller touches.
type Sessions interface {
	Create(callID, caller string) domain.CallSession
	SetState(callID string, state domain.DialogState) bool
}

// Controller is the per-call dialog state machine. It holds no per-call state
// itself; the state reached is recorded on the session.
type Controller struct {
	responder  Responder
	sessions   Sessions
	listenPath string
	logger     *slog.Logger
}

func NewController(responder Responder, sessions Sessions, listenPath string, logger *slog.Logger) (*Controller, error) {
	if responder == nil {
		return nil, errors.New("dialog: responder must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("dialog: sessions must not be nil")
	}
	if strings.TrimSpace(listenPath) == "" {
		return nil, errors.New("dialog: listen path must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		responder:  responder,
		sessions:   sessions,
		listenPath: listenPath,
		logger:     logger.With("component", "dialog"),
	}, nil
}

// Start greets a new caller and begins listening.
func (c *Controller) Start(_ context.Context, callID, caller string) Turn {
	c.sessions.Create(callID, caller)
	c.logger.Info("call started", "call_sid", callID, "from", caller, "state", domain.StateGreeting)
	return c.finish(callID, domain.StateListening,
		Directive{Kind: Speak, Text: WelcomeText},
		c.listen(),
	)
}

// HandleSpeech advances the dialog for one recognizer result.
func (c *Controller) HandleSpeech(ctx context.Context, in SpeechResult) Turn {
	transcript := strings.TrimSpace(in.Transcript)
	confidence := ParseConfidence(in.Confidence)
	log := c.logger.With("call_sid", in.CallID)
	log.Info("speech received", "transcript", transcript, "confidence", confidence)

	if transcript == "" || confidence < MinConfidence {
		text := NoSpeechText
		if transcript != "" {
			text = UnsureText
		}
		log.Info("reprompting", "state", domain.StateReprompting)
		return c.finish(in.CallID, domain.StateListening,
			Directive{Kind: Speak, Text: text},
			c.listen(),
		)
	}

	if IsGoodbye(transcript) {
		log.Info("caller said goodbye", "state", domain.StateEnded)
		return c.finish(in.CallID, domain.StateEnded,
			Directive{Kind: Speak, Text: FarewellText},
			Directive{Kind: Hangup},
		)
	}

	c.sessions.SetState(in.CallID, domain.StateResponding)
	out, err := c.responder.Respond(ctx, usecase.RespondInput{CallID: in.CallID, Transcript: transcript})
	if err != nil {
		log.Error("turn failed", "err", err)
		return c.finish(in.CallID, domain.StateListening,
			Directive{Kind: Speak, Text: ApologyText},
			c.listen(),
		)
	}
	if out.Fallback != usecase.FallbackNone {
		log.Warn("spoke completion fallback", "fallback", out.Fallback)
	}
	return c.finish(in.CallID, domain.StateListening,
		Directive{Kind: Play, URL: out.Audio.URL},
		c.listen(),
	)
}

func (c *Controller) listen() Directive {
	return Directive{Kind: Listen, URL: c.listenPath}
}

func (c *Controller) finish(callID string, state domain.DialogState, directives ...Directive) Turn {
	c.sessions.SetState(callID, state)
	return Turn{State: state, Directives: directives}
}

// ParseConfidence reads a recognizer confidence. Blank, malformed and
// non-finite values count as zero.
func ParseConfidence(raw string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// IsGoodbye reports whether the transcript contains a goodbye phrase.
func IsGoodbye(transcript string) bool {
	lower := strings.ToLower(transcript)
	for _, phrase := range goodbyePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
