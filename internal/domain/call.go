package domain

import "time"

// DialogState is the turn-taking state of one call.
type DialogState string

const (
	StateGreeting    DialogState = "GREETING"
	StateListening   DialogState = "LISTENING"
	StateReprompting DialogState = "REPROMPTING"
	StateResponding  DialogState = "RESPONDING"
	StateEnded       DialogState = "ENDED"
)

// CallSession is the conversational record tied to one phone call.
// History is append-only; it is only windowed when building a prompt.
type CallSession struct {
	ID        string
	Caller    string
	StartedAt time.Time
	History   []ChatMessage
	State     DialogState
}

// Transcript is an archived call, as stored after the call ends or expires.
type Transcript struct {
	CallID    string
	Caller    string
	StartedAt time.Time
	EndedAt   time.Time
	Reason    string
	Messages  []ChatMessage
}
