package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"voice-relay/internal/domain"
)

// Reasons recorded with an archived transcript.
const (
	EndReasonCompleted = "completed"
	EndReasonExpired   = "expired"
)

const defaultArchiveTimeout = 10 * time.Second

// TranscriptWriter persists a finished call.
type TranscriptWriter interface {
	ArchiveCall(ctx context.Context, t domain.Transcript) error
}

// TranscriptArchive writes ended calls in the background so webhook responses
// and sweeps never wait on storage.
type TranscriptArchive struct {
	writer  TranscriptWriter
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger

	wg sync.WaitGroup
}

func NewTranscriptArchive(writer TranscriptWriter, timeout time.Duration, logger *slog.Logger) (*TranscriptArchive, error) {
	if writer == nil {
		return nil, errors.New("usecase: transcript writer must not be nil")
	}
	if timeout <= 0 {
		timeout = defaultArchiveTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TranscriptArchive{
		writer:  writer,
		timeout: timeout,
		now:     time.Now,
		logger:  logger.With("component", "archive"),
	}, nil
}

// Archive schedules the session for storage. Sessions without history are
// skipped.
func (a *TranscriptArchive) Archive(s domain.CallSession, reason string) {
	if len(s.History) == 0 {
		a.logger.Debug("skipping empty transcript", "call_sid", s.ID, "reason", reason)
		return
	}
	t := domain.Transcript{
		CallID:    s.ID,
		Caller:    s.Caller,
		StartedAt: s.StartedAt,
		EndedAt:   a.now(),
		Reason:    reason,
		Messages:  s.History,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.writer.ArchiveCall(ctx, t); err != nil {
			a.logger.Error("archive transcript failed", "call_sid", t.CallID, "err", err)
			return
		}
		a.logger.Info("transcript archived", "call_sid", t.CallID, "reason", reason, "messages", len(t.Messages))
	}()
}

// Wait blocks until every scheduled write has finished.
func (a *TranscriptArchive) Wait() {
	a.wg.Wait()
}
