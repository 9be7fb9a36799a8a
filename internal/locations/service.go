package locations

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/Beacon515L/Rastel/internal/apperr"
	"github.com/Beacon515L/Rastel/internal/coordinates"
	"github.com/Beacon515L/Rastel/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultResolution = time.Minute
	defaultAgeGate    = 14 * 24 * time.Hour
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	errEmptyBatch      = errors.New("no locations submitted")
	errMissingProbe    = errors.New("server time and local time are required")
	errBadResolution   = errors.New("resolution must be a whole number of seconds")
	noOpLogger         = zap.NewNop()
)

const (
	opServiceNew  = "locations.service.new"
	opSubmit      = "locations.submit"
	opList        = "locations.list"
	opPrune       = "locations.prune"
	opLatestCheck = "locations.latest_correlated"
)

// Rejection reasons reported for individual samples.
const (
	reasonMissingField   = "missing_field"
	reasonLatitudeRange  = "latitude_out_of_range"
	reasonLongitudeRange = "longitude_out_of_range"
	reasonTooOld         = "older_than_age_gate"
	reasonEncodeFailed   = "encode_failed"
)

// ServiceConfig wires the ingestion service.
type ServiceConfig struct {
	Database   *gorm.DB
	Codec      *coordinates.Codec
	Resolution time.Duration
	AgeGate    time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service validates, time-corrects, encodes and stores location samples, and exposes the
// sample-table queries used by the batch processor.
type Service struct {
	db         *gorm.DB
	codec      *coordinates.Codec
	resolution int64
	ageGate    int64
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindDatabaseError, opServiceNew, "missing_database", errMissingDatabase)
	}
	codec := cfg.Codec
	if codec == nil {
		defaultCodec, err := coordinates.NewCodec(coordinates.DefaultScale)
		if err != nil {
			return nil, apperr.New(apperr.KindDatabaseError, opServiceNew, "codec_failed", err)
		}
		codec = defaultCodec
	}
	resolution := cfg.Resolution
	if resolution == 0 {
		resolution = defaultResolution
	}
	if resolution < time.Second || resolution%time.Second != 0 {
		return nil, apperr.New(apperr.KindBadRequest, opServiceNew, "invalid_resolution", errBadResolution)
	}
	ageGate := cfg.AgeGate
	if ageGate <= 0 {
		ageGate = defaultAgeGate
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		codec:      codec,
		resolution: int64(resolution / time.Second),
		ageGate:    int64(ageGate / time.Second),
		clock:      clock,
		logger:     logger,
	}, nil
}

// Submit ingests one upload. The result has the same length and order as samples, with nil
// entries for rejected samples. localTimeAtCapture and declaredServerTime come from the
// client's last server-time probe; their difference is the client clock skew. All accepted
// samples are written in a single transaction, one row each, so every non-nil result
// describes a stored row. Samples sharing a quantized time are all kept.
func (s *Service) Submit(ctx context.Context, ownerID string, samples []SampleInput, declaredServerTime, localTimeAtCapture int64) ([]*Sample, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, apperr.New(apperr.KindBadRequest, opSubmit, "missing_user_id", errMissingUserID)
	}
	if len(samples) == 0 {
		return nil, apperr.New(apperr.KindBadRequest, opSubmit, "empty_batch", errEmptyBatch)
	}
	if declaredServerTime <= 0 || localTimeAtCapture <= 0 {
		return nil, apperr.New(apperr.KindBadRequest, opSubmit, "missing_time_probe", errMissingProbe)
	}

	timeDelta := localTimeAtCapture - declaredServerTime
	oldest := s.clock().UTC().Unix() - s.ageGate

	results := make([]*Sample, len(samples))
	accepted := make([]*Sample, 0, len(samples))
	for index, input := range samples {
		sample, reason := s.admit(ownerID, input, timeDelta, oldest)
		if sample == nil {
			metrics.SamplesIngestedTotal.WithLabelValues("rejected").Inc()
			s.logger.Debug("location sample rejected",
				zap.String("user_id", ownerID),
				zap.Int("index", index),
				zap.String("reason", reason))
			continue
		}
		results[index] = sample
		accepted = append(accepted, sample)
	}
	if len(accepted) == 0 {
		return results, nil
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, sample := range accepted {
			if err := tx.Create(sample).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		s.logError(opSubmit, "insert_failed", txErr, zap.String("user_id", ownerID), zap.Int("accepted", len(accepted)))
		return nil, apperr.New(apperr.KindDatabaseError, opSubmit, "insert_failed", txErr)
	}

	metrics.SamplesIngestedTotal.WithLabelValues("accepted").Add(float64(len(accepted)))
	s.logger.Info("location samples ingested",
		zap.String("user_id", ownerID),
		zap.Int("submitted", len(samples)),
		zap.Int("accepted", len(accepted)),
		zap.Int64("time_delta_s", timeDelta))
	return results, nil
}

func (s *Service) admit(ownerID string, input SampleInput, timeDelta, oldest int64) (*Sample, string) {
	if input.Time == nil || input.Lat == nil || input.Long == nil {
		return nil, reasonMissingField
	}
	lat, long := *input.Lat, *input.Long
	// Negated comparisons also reject NaN.
	if !(lat >= -90 && lat <= 90) {
		return nil, reasonLatitudeRange
	}
	if !(long > -180 && long <= 180) {
		return nil, reasonLongitudeRange
	}
	corrected := *input.Time - timeDelta
	if corrected < oldest {
		return nil, reasonTooOld
	}
	encoded, err := s.codec.Encode(lat, long)
	if err != nil {
		return nil, reasonEncodeFailed
	}
	return &Sample{
		UserID:     ownerID,
		RecordedAt: Quantize(corrected, s.resolution),
		PairCode:   encoded.PairCode,
		Quadrant:   encoded.Quadrant,
		Status:     StatusUncorrelated,
	}, ""
}

// List returns the owner's canonical log in time order.
func (s *Service) List(ctx context.Context, ownerID string) ([]Sample, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, apperr.New(apperr.KindBadRequest, opList, "missing_user_id", errMissingUserID)
	}
	var samples []Sample
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", ownerID).
		Order("recorded_at_s ASC").
		Find(&samples).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", ownerID))
		return nil, apperr.New(apperr.KindDatabaseError, opList, "query_failed", err)
	}
	return samples, nil
}

// PruneBefore deletes every sample recorded before cutoff and reports how many were removed.
func (s *Service) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("recorded_at_s < ?", cutoff.UTC().Unix()).
		Delete(&Sample{})
	if result.Error != nil {
		s.logError(opPrune, "delete_failed", result.Error, zap.Time("cutoff", cutoff))
		return 0, apperr.New(apperr.KindDatabaseError, opPrune, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// LatestCorrelatedAt returns the time of the newest sample that has been through correlation.
// The boolean is false when no sample has been correlated yet.
func (s *Service) LatestCorrelatedAt(ctx context.Context) (time.Time, bool, error) {
	var latest sql.NullInt64
	row := s.db.WithContext(ctx).
		Model(&Sample{}).
		Select("MAX(recorded_at_s)").
		Where("status >= ?", StatusCorrelated.Code()).
		Row()
	if err := row.Scan(&latest); err != nil {
		s.logError(opLatestCheck, "query_failed", err)
		return time.Time{}, false, apperr.New(apperr.KindDatabaseError, opLatestCheck, "query_failed", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(latest.Int64, 0).UTC(), true, nil
}

// Resolution returns the quantization step in seconds.
func (s *Service) Resolution() int64 {
	return s.resolution
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("locations service error", attrs...)
}
