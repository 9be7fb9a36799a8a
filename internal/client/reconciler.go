package client

import (
	"context"
	"errors"
	"time"

	"github.com/Beacon515L/Rastel/internal/coordinates"
	"github.com/Beacon515L/Rastel/internal/locations"
	"go.uber.org/zap"
)

var (
	errMissingCodec  = errors.New("coordinate codec is required")
	errMissingCache  = errors.New("local cache is required")
	errBadResolution = errors.New("resolution must be a positive number of seconds")
)

// Cache is the client's local sample store. Implementations are not required to be safe for
// concurrent read-merge-write cycles; callers serialize them.
type Cache interface {
	Load(ctx context.Context) ([]Entry, error)
	Pending(ctx context.Context) ([]Entry, error)
	Store(ctx context.Context, entries []Entry) error
}

// ReconcilerConfig wires a Reconciler.
type ReconcilerConfig struct {
	Cache      Cache
	Codec      *coordinates.Codec
	Resolution time.Duration
	Logger     *zap.Logger
}

// Reconciler merges server responses into the local cache.
type Reconciler struct {
	cache      Cache
	codec      *coordinates.Codec
	resolution int64
	logger     *zap.Logger
}

// Result reports one reconciliation.
type Result struct {
	Merged  []Entry
	Changed int
}

// NewReconciler constructs a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	codec := cfg.Codec
	if codec == nil {
		defaultCodec, err := coordinates.NewCodec(coordinates.DefaultScale)
		if err != nil {
			return nil, err
		}
		codec = defaultCodec
	}
	resolution := cfg.Resolution
	if resolution == 0 {
		resolution = time.Minute
	}
	if resolution < time.Second || resolution%time.Second != 0 {
		return nil, errBadResolution
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		cache:      cfg.Cache,
		codec:      codec,
		resolution: int64(resolution / time.Second),
		logger:     logger,
	}, nil
}

// Reconcile merges serverLogs into the cache and writes back only the entries that differ
// from what the cache already holds. Reconciling the same exchange twice changes nothing.
func (r *Reconciler) Reconcile(ctx context.Context, serverLogs []locations.Sample, clockOffset int64) (Result, error) {
	local, err := r.cache.Load(ctx)
	if err != nil {
		return Result{}, err
	}
	merged, err := Merge(r.codec, r.resolution, local, serverLogs, clockOffset)
	if err != nil {
		return Result{}, err
	}

	known := make(map[int64]Entry, len(local))
	for _, entry := range local {
		known[entry.Time] = entry
	}
	changed := make([]Entry, 0)
	for _, entry := range merged {
		previous, ok := known[entry.Time]
		if ok && previous == entry {
			continue
		}
		known[entry.Time] = entry
		changed = append(changed, entry)
	}
	if len(changed) > 0 {
		if err := r.cache.Store(ctx, changed); err != nil {
			return Result{}, err
		}
	}

	r.logger.Debug("local log reconciled",
		zap.Int("server_entries", len(serverLogs)),
		zap.Int("merged", len(merged)),
		zap.Int("changed", len(changed)),
		zap.Int64("clock_offset_s", clockOffset))
	return Result{Merged: merged, Changed: len(changed)}, nil
}
