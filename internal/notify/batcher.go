package notify

import (
	"context"
	"errors"
	"time"

	"github.com/Beacon515L/Rastel/internal/apperr"
	"github.com/Beacon515L/Rastel/internal/correlation"
	"github.com/Beacon515L/Rastel/internal/mail"
	"github.com/Beacon515L/Rastel/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opBatcherNew = "notify.batcher.new"
	opRunAll     = "notify.run_for_all_users"
	opDispatch   = "notify.dispatch"
)

var errMissingCollaborator = errors.New("candidate source, store, mailer and composer are required")

// CandidateSource lists users with flagged samples.
type CandidateSource interface {
	NotificationCandidates(ctx context.Context) ([]correlation.Candidate, error)
}

// Store reads flagged sample times and advances them after delivery.
type Store interface {
	FlaggedTimestamps(ctx context.Context, userID string) ([]int64, error)
	AdvanceToNotified(ctx context.Context, userID string, timestamps []int64, record Dispatch) (int64, error)
}

// BatcherConfig wires the notification batcher.
type BatcherConfig struct {
	Candidates CandidateSource
	Store      Store
	Mailer     mail.Mailer
	Composer   *Composer
	// Resolution is the sample quantization step used to coalesce windows.
	Resolution time.Duration
	NewID      func() (string, error)
	Logger     *zap.Logger
}

// Batcher notifies every candidate user once per run.
type Batcher struct {
	candidates CandidateSource
	store      Store
	mailer     mail.Mailer
	composer   *Composer
	resolution int64
	newID      func() (string, error)
	logger     *zap.Logger
}

// Summary counts the outcome of one notification run.
type Summary struct {
	Candidates int
	Sent       int
	Skipped    int
	Failed     int
}

// NewBatcher constructs a Batcher.
func NewBatcher(cfg BatcherConfig) (*Batcher, error) {
	if cfg.Candidates == nil || cfg.Store == nil || cfg.Mailer == nil || cfg.Composer == nil {
		return nil, apperr.New(apperr.KindDatabaseError, opBatcherNew, "missing_collaborator", errMissingCollaborator)
	}
	resolution := cfg.Resolution
	if resolution < time.Second {
		resolution = time.Minute
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Batcher{
		candidates: cfg.Candidates,
		store:      cfg.Store,
		mailer:     cfg.Mailer,
		composer:   cfg.Composer,
		resolution: int64(resolution / time.Second),
		newID:      newID,
		logger:     logger,
	}, nil
}

// RunForAllUsers notifies each candidate. Only a failure to list candidates aborts the run;
// every per-user failure is logged, counted and leaves that user's samples FLAGGED for the
// next run.
func (b *Batcher) RunForAllUsers(ctx context.Context, now time.Time) (Summary, error) {
	candidates, err := b.candidates.NotificationCandidates(ctx)
	if err != nil {
		b.logger.Error("notification candidates unavailable",
			zap.String("operation", opRunAll),
			zap.Error(err))
		return Summary{}, err
	}

	summary := Summary{Candidates: len(candidates)}
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if candidate.QuarantineRelease != nil && now.Before(*candidate.QuarantineRelease) {
			summary.Skipped++
			metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
			b.logger.Info("user in quarantine, notification deferred",
				zap.String("user_id", candidate.UserID),
				zap.Time("quarantine_release", *candidate.QuarantineRelease))
			continue
		}
		sent, err := b.notify(ctx, candidate, now)
		switch {
		case err != nil:
			summary.Failed++
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		case sent:
			summary.Sent++
			metrics.NotificationsTotal.WithLabelValues("sent").Inc()
		default:
			summary.Skipped++
			metrics.NotificationsTotal.WithLabelValues("skipped").Inc()
		}
	}
	b.logger.Info("notification run complete",
		zap.Int("candidates", summary.Candidates),
		zap.Int("sent", summary.Sent),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

func (b *Batcher) notify(ctx context.Context, candidate correlation.Candidate, now time.Time) (bool, error) {
	fields := []zap.Field{zap.String("user_id", candidate.UserID)}

	timestamps, err := b.store.FlaggedTimestamps(ctx, candidate.UserID)
	if err != nil {
		b.logger.Error("flagged samples unavailable", append(fields, zap.Error(err))...)
		return false, err
	}
	if len(timestamps) == 0 {
		return false, nil
	}
	windows := Coalesce(timestamps, b.resolution)

	location, err := time.LoadLocation(candidate.Timezone)
	if err != nil {
		b.logger.Warn("unknown user timezone, using UTC", append(fields, zap.String("timezone", candidate.Timezone))...)
		location = time.UTC
	}
	body, err := b.composer.Render(windows, location)
	if err != nil {
		b.logger.Error("notification render failed", append(fields, zap.Error(err))...)
		return false, err
	}

	if err := b.mailer.Send(ctx, candidate.Email, b.composer.Subject(), body); err != nil {
		dispatchErr := apperr.New(apperr.KindDispatchError, opDispatch, "send_failed", err)
		b.logger.Warn("notification dispatch failed, samples stay flagged", append(fields, zap.Error(dispatchErr))...)
		return false, dispatchErr
	}

	id, err := b.newID()
	if err != nil {
		b.logger.Error("dispatch id generation failed", append(fields, zap.Error(err))...)
		return false, err
	}
	advanced, err := b.store.AdvanceToNotified(ctx, candidate.UserID, timestamps, Dispatch{
		ID:           id,
		SentAt:       now.UTC().Unix(),
		WindowCount:  len(windows),
		FirstContact: windows[0].Start,
		LastContact:  windows[len(windows)-1].End,
	})
	if err != nil {
		b.logger.Error("notified samples not advanced", append(fields, zap.Error(err))...)
		return false, err
	}
	b.logger.Info("exposure notification sent",
		append(fields, zap.Int("windows", len(windows)), zap.Int64("samples", advanced))...)
	return true, nil
}
