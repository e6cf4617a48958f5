// Package reaper periodically evicts stale call sessions and audio artifacts.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInterval      = 5 * time.Minute
	DefaultSessionMaxAge = 30 * time.Minute
	DefaultAudioMaxAge   = 10 * time.Minute
)

// Sweeper removes entries older than maxAge as of now.
type Sweeper interface {
	Sweep(maxAge time.Duration, now time.Time) int
}

// Config controls the sweep schedule. Zero values take the defaults.
type Config struct {
	Interval      time.Duration
	SessionMaxAge time.Duration
	AudioMaxAge   time.Duration
	Clock         func() time.Time
	Logger        *slog.Logger
}

// Result reports one sweep.
type Result struct {
	Sessions int
	Audio    int
}

// Reaper owns the background sweep goroutine.
type Reaper struct {
	sessions Sweeper
	audio    Sweeper
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(sessions, audio Sweeper, cfg Config) (*Reaper, error) {
	if sessions == nil {
		return nil, errors.New("reaper: session sweeper must not be nil")
	}
	if audio == nil {
		return nil, errors.New("reaper: audio sweeper must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = DefaultSessionMaxAge
	}
	if cfg.AudioMaxAge <= 0 {
		cfg.AudioMaxAge = DefaultAudioMaxAge
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		sessions: sessions,
		audio:    audio,
		cfg:      cfg,
		logger:   logger.With("component", "reaper"),
	}, nil
}

// Tick runs a single sweep as of now.
func (r *Reaper) Tick(now time.Time) Result {
	res := Result{
		Sessions: r.sessions.Sweep(r.cfg.SessionMaxAge, now),
		Audio:    r.audio.Sweep(r.cfg.AudioMaxAge, now),
	}
	if res.Sessions > 0 || res.Audio > 0 {
		r.logger.Info("swept expired entries", "sessions", res.Sessions, "audio", res.Audio)
	}
	return res
}

// Start launches the sweep loop. Calling Start on a running reaper is a no-op.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

// Stop ends the sweep loop and waits for it to exit.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(r.cfg.Clock())
		}
	}
}
