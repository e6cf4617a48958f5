// Package store holds the process-wide call and audio state.
package store

import (
	"math"
	"slices"
	"time"

	"voice-relay/internal/cache"
	"voice-relay/internal/domain"
)

// SessionMaxAge is how long a call session lives before the reaper evicts it.
const SessionMaxAge = 30 * time.Minute

// Conversations stores one CallSession per live call, keyed by call id.
// Session expiry is measured from StartedAt; appends never extend it.
type Conversations struct {
	cache *cache.Cache[string, domain.CallSession]
	now   func() time.Time
}

// ConversationOption configures Conversations.
type ConversationOption func(*conversationConfig)

type conversationConfig struct {
	now     func() time.Time
	onEvict func(domain.CallSession)
}

// WithConversationClock overrides the time source.
func WithConversationClock(now func() time.Time) ConversationOption {
	return func(c *conversationConfig) { c.now = now }
}

// WithExpiredSessionHook registers fn for sessions removed by Sweep.
func WithExpiredSessionHook(fn func(domain.CallSession)) ConversationOption {
	return func(c *conversationConfig) { c.onEvict = fn }
}

// NewConversations creates an empty conversation store.
func NewConversations(opts ...ConversationOption) *Conversations {
	cfg := conversationConfig{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	cacheOpts := []cache.Option[string, domain.CallSession]{
		cache.WithClock[string, domain.CallSession](cfg.now),
	}
	if cfg.onEvict != nil {
		hook := cfg.onEvict
		cacheOpts = append(cacheOpts, cache.WithEvictHook(func(_ string, s domain.CallSession) {
			hook(s)
		}))
	}
	return &Conversations{
		cache: cache.New(cacheOpts...),
		now:   cfg.now,
	}
}

// Create starts a fresh session for callID, replacing any previous one.
func (c *Conversations) Create(callID, caller string) domain.CallSession {
	s := domain.CallSession{
		ID:        callID,
		Caller:    caller,
		StartedAt: c.now(),
		State:     domain.StateGreeting,
	}
	c.cache.PutAt(callID, s, s.StartedAt)
	return s
}

// Get returns a snapshot of the session for callID.
func (c *Conversations) Get(callID string) (domain.CallSession, bool) {
	s, ok := c.cache.Get(callID)
	if !ok {
		return domain.CallSession{}, false
	}
	s.History = slices.Clone(s.History)
	return s, true
}

// Append adds messages to the session history, creating the session when it
// does not exist. It returns the full history after the append.
func (c *Conversations) Append(callID string, msgs ...domain.ChatMessage) []domain.ChatMessage {
	var history []domain.ChatMessage
	c.cache.Upsert(callID,
		func() domain.CallSession {
			return domain.CallSession{ID: callID, StartedAt: c.now(), State: domain.StateResponding}
		},
		func(s *domain.CallSession) {
			s.History = append(s.History, msgs...)
			history = slices.Clone(s.History)
		},
	)
	return history
}

// SetState records the dialog state for a live session. Missing sessions are
// left alone.
func (c *Conversations) SetState(callID string, state domain.DialogState) bool {
	return c.cache.Update(callID, func(s *domain.CallSession) {
		s.State = state
	})
}

// End removes the session for callID and returns it.
func (c *Conversations) End(callID string) (domain.CallSession, bool) {
	return c.cache.Delete(callID)
}

// Len returns the number of stored sessions.
func (c *Conversations) Len() int {
	return c.cache.Len()
}

// Sweep evicts sessions older than maxAge.
func (c *Conversations) Sweep(maxAge time.Duration, now time.Time) int {
	return c.cache.Sweep(maxAge, now)
}

// ConversationStats summarizes the stored sessions.
type ConversationStats struct {
	Total         int `json:"total"`
	Active        int `json:"active"`
	AvgMessages   int `json:"avgMessages"`
	TotalMessages int `json:"totalMessages"`
}

// Stats counts sessions younger than activeWindow as active and averages their
// history length.
func (c *Conversations) Stats(now time.Time, activeWindow time.Duration) ConversationStats {
	var st ConversationStats
	activeMessages := 0
	c.cache.Range(func(_ string, s domain.CallSession, _ time.Time) {
		st.Total++
		st.TotalMessages += len(s.History)
		if now.Sub(s.StartedAt) < activeWindow {
			st.Active++
			activeMessages += len(s.History)
		}
	})
	if st.Active > 0 {
		st.AvgMessages = int(math.Round(float64(activeMessages) / float64(st.Active)))
	}
	return st
}
