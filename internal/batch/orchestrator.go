package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Beacon515L/Rastel/internal/metrics"
	"github.com/Beacon515L/Rastel/internal/notify"
	"go.uber.org/zap"
)

// Stage names one step of a batch run.
type Stage string

const (
	StagePrune     Stage = "prune"
	StageCorrelate Stage = "correlate"
	StageFlag      Stage = "flag"
	StageNotify    Stage = "notify"
)

// ExitCode is the process exit status reported when the stage fails.
func (s Stage) ExitCode() int {
	switch s {
	case StagePrune:
		return 2
	case StageCorrelate:
		return 3
	case StageFlag:
		return 4
	case StageNotify:
		return 5
	default:
		return 1
	}
}

// StageError aborts a run at the named stage.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("batch stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ExitCode returns the stage's distinct exit status.
func (e *StageError) ExitCode() int {
	return e.Stage.ExitCode()
}

var errMissingCollaborator = errors.New("batch: sample store, correlation engine and notifier are required")

// SampleStore is the part of sample storage the orchestrator drives directly.
type SampleStore interface {
	LatestCorrelatedAt(ctx context.Context) (time.Time, bool, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CorrelationEngine performs the spatiotemporal join and exposure flagging.
type CorrelationEngine interface {
	Correlate(ctx context.Context, now time.Time) (int64, error)
	Flag(ctx context.Context) (int64, error)
}

// Notifier dispatches exposure notifications.
type Notifier interface {
	RunForAllUsers(ctx context.Context, now time.Time) (notify.Summary, error)
}

// Config wires an Orchestrator.
type Config struct {
	Samples         SampleStore
	Engine          CorrelationEngine
	Notifier        Notifier
	ProcessingDelay time.Duration
	// Retention is how long samples are kept; it equals the infectious period.
	Retention time.Duration
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Orchestrator runs prune, correlate, flag and notify in order. It does not guard against
// overlapping invocations; the scheduler must run at most one at a time.
type Orchestrator struct {
	samples         SampleStore
	engine          CorrelationEngine
	notifier        Notifier
	processingDelay time.Duration
	retention       time.Duration
	clock           func() time.Time
	logger          *zap.Logger
}

// Report describes one run.
type Report struct {
	ReferenceTime time.Time
	// Skipped is set when the newest correlated sample was younger than the processing delay.
	Skipped       bool
	Pruned        int64
	Correlated    int64
	Flagged       int64
	Notifications notify.Summary
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Samples == nil || cfg.Engine == nil || cfg.Notifier == nil {
		return nil, errMissingCollaborator
	}
	processingDelay := cfg.ProcessingDelay
	if processingDelay <= 0 {
		processingDelay = 15 * time.Minute
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = 14 * 24 * time.Hour
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		samples:         cfg.Samples,
		engine:          cfg.Engine,
		notifier:        cfg.Notifier,
		processingDelay: processingDelay,
		retention:       retention,
		clock:           clock,
		logger:          logger,
	}, nil
}

// Run performs one batch invocation. A run whose newest correlated sample is younger than the
// processing delay is a successful no-op. Failures of prune, correlate and flag abort the run
// with a *StageError; per-user notification failures do not.
func (o *Orchestrator) Run(ctx context.Context) (Report, error) {
	now := o.clock().UTC()
	report := Report{ReferenceTime: now}
	o.logger.Info("batch run starting", zap.Time("reference_time", now))

	latest, found, err := o.samples.LatestCorrelatedAt(ctx)
	switch {
	case err != nil:
		o.logger.Warn("latest correlated sample unavailable, running anyway", zap.Error(err))
	case found && now.Sub(latest) < o.processingDelay:
		o.logger.Info("newest correlated sample within processing delay, nothing to do",
			zap.Duration("age", now.Sub(latest)),
			zap.Duration("processing_delay", o.processingDelay))
		metrics.BatchRunsTotal.WithLabelValues("skipped").Inc()
		report.Skipped = true
		return report, nil
	}

	stages := []struct {
		stage Stage
		run   func() (int64, error)
		into  *int64
	}{
		{StagePrune, func() (int64, error) { return o.samples.PruneBefore(ctx, now.Add(-o.retention)) }, &report.Pruned},
		{StageCorrelate, func() (int64, error) { return o.engine.Correlate(ctx, now) }, &report.Correlated},
		{StageFlag, func() (int64, error) { return o.engine.Flag(ctx) }, &report.Flagged},
		{StageNotify, func() (int64, error) {
			summary, err := o.notifier.RunForAllUsers(ctx, now)
			report.Notifications = summary
			return int64(summary.Sent), err
		}, nil},
	}
	for _, step := range stages {
		started := time.Now()
		count, err := step.run()
		metrics.BatchStageDuration.WithLabelValues(string(step.stage)).Observe(time.Since(started).Seconds())
		if err != nil {
			o.logger.Error("batch stage failed",
				zap.String("stage", string(step.stage)),
				zap.Int("exit_code", step.stage.ExitCode()),
				zap.Error(err))
			metrics.BatchRunsTotal.WithLabelValues("failed").Inc()
			return report, &StageError{Stage: step.stage, Err: err}
		}
		if step.into != nil {
			*step.into = count
		}
		metrics.BatchStageRecordsTotal.WithLabelValues(string(step.stage)).Add(float64(count))
		o.logger.Info("batch stage complete", zap.String("stage", string(step.stage)), zap.Int64("records", count))
	}

	metrics.BatchRunsTotal.WithLabelValues("completed").Inc()
	return report, nil
}
