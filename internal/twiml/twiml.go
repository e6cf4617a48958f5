// Package twiml renders dialog directives as Twilio voice markup.
package twiml

import (
	"encoding/xml"
	"fmt"

	"voice-relay/internal/dialog"
)

// Voice and recognizer defaults used for every call.
const (
	DefaultVoice    = "alice"
	DefaultLanguage = "en-US"
	speechHints     = "hello,help,question,thanks,goodbye,yes,no"
)

// SayElement represents a TwiML <Say> element.
type SayElement struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

// PlayElement represents a TwiML <Play> element.
type PlayElement struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

// GatherElement represents a TwiML <Gather> element configured for speech.
type GatherElement struct {
	XMLName         xml.Name `xml:"Gather"`
	Input           string   `xml:"input,attr"`
	Timeout         int      `xml:"timeout,attr"`
	SpeechTimeout   string   `xml:"speechTimeout,attr"`
	Action          string   `xml:"action,attr"`
	Method          string   `xml:"method,attr"`
	Language        string   `xml:"language,attr"`
	SpeechModel     string   `xml:"speechModel,attr"`
	Hints           string   `xml:"hints,attr"`
	ProfanityFilter bool     `xml:"profanityFilter,attr"`
}

// HangupElement represents a TwiML <Hangup> element.
type HangupElement struct {
	XMLName xml.Name `xml:"Hangup"`
}

// ResponseElement represents a TwiML <Response> element. Verbs are emitted in order.
type ResponseElement struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

// Render converts directives into a TwiML document.
func Render(directives []dialog.Directive) ([]byte, error) {
	resp := ResponseElement{Verbs: make([]any, 0, len(directives))}
	for _, d := range directives {
		verb, err := verbFor(d)
		if err != nil {
			return nil, err
		}
		resp.Verbs = append(resp.Verbs, verb)
	}
	out, err := xml.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("twiml: marshal: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// Say renders a response that only speaks text, for use when the dialog
// controller could not be reached.
func Say(text string) []byte {
	out, err := Render([]dialog.Directive{{Kind: dialog.Speak, Text: text}})
	if err != nil {
		return []byte(xml.Header + "<Response></Response>")
	}
	return out
}

// Empty renders an empty response.
func Empty() []byte {
	return []byte(xml.Header + "<Response></Response>")
}

func verbFor(d dialog.Directive) (any, error) {
	switch d.Kind {
	case dialog.Speak:
		return SayElement{Voice: DefaultVoice, Language: DefaultLanguage, Text: d.Text}, nil
	case dialog.Play:
		return PlayElement{URL: d.URL}, nil
	case dialog.Listen:
		return GatherElement{
			Input:         "speech",
			Timeout:       5,
			SpeechTimeout: "auto",
			Action:        d.URL,
			Method:        "POST",
			Language:      DefaultLanguage,
			SpeechModel:   "phone_call",
			Hints:         speechHints,
		}, nil
	case dialog.Hangup:
		return HangupElement{}, nil
	default:
		return nil, fmt.Errorf("twiml: unknown directive %q", d.Kind)
	}
}
