package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"voice-relay/internal/cache"
	"voice-relay/internal/domain"
)

// AudioMaxAge is how long a synthesized artifact stays fetchable.
const AudioMaxAge = 10 * time.Minute

// ErrAudioNotFound is returned for unknown or evicted artifacts.
var ErrAudioNotFound = errors.New("store: audio not found")

// Audio stores synthesized artifacts for playback by the telephony provider.
type Audio struct {
	cache *cache.Cache[string, domain.AudioArtifact]
	now   func() time.Time
	newID func() (string, error)
}

// AudioOption configures Audio.
type AudioOption func(*Audio)

// WithAudioClock overrides the time source.
func WithAudioClock(now func() time.Time) AudioOption {
	return func(a *Audio) { a.now = now }
}

// NewAudio creates an empty audio store.
func NewAudio(opts ...AudioOption) *Audio {
	a := &Audio{
		now:   time.Now,
		newID: newArtifactID,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.cache = cache.New(cache.WithClock[string, domain.AudioArtifact](a.now))
	return a
}

// Save stores audio under a freshly minted id and returns the artifact.
func (a *Audio) Save(audio domain.Audio) (domain.AudioArtifact, error) {
	id, err := a.newID()
	if err != nil {
		return domain.AudioArtifact{}, fmt.Errorf("store: mint audio id: %w", err)
	}
	art := domain.AudioArtifact{
		ID:          id,
		Payload:     audio.Payload,
		ContentType: audio.ContentType,
		CreatedAt:   a.now(),
	}
	a.cache.PutAt(id, art, art.CreatedAt)
	return art, nil
}

// Get returns the artifact for id or ErrAudioNotFound.
func (a *Audio) Get(id string) (domain.AudioArtifact, error) {
	art, ok := a.cache.Get(id)
	if !ok {
		return domain.AudioArtifact{}, ErrAudioNotFound
	}
	return art, nil
}

// Len returns the number of stored artifacts.
func (a *Audio) Len() int {
	return a.cache.Len()
}

// Sweep evicts artifacts older than maxAge.
func (a *Audio) Sweep(maxAge time.Duration, now time.Time) int {
	return a.cache.Sweep(maxAge, now)
}

// newArtifactID returns a time-ordered UUIDv7 prefixed for readability in logs.
func newArtifactID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return "audio_" + id.String(), nil
}
