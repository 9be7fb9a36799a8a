package correlation

import (
	"context"
	"errors"
	"time"

	"github.com/Beacon515L/Rastel/internal/apperr"
	"github.com/Beacon515L/Rastel/internal/locations"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opEngineNew  = "correlation.engine.new"
	opCorrelate  = "correlation.correlate"
	opFlag       = "correlation.flag"
	opCandidates = "correlation.notification_candidates"

	defaultResolution       = time.Minute
	defaultProcessingDelay  = 15 * time.Minute
	defaultInfectiousPeriod = 14 * 24 * time.Hour
	defaultQuarantinePeriod = 7 * 24 * time.Hour
	defaultCloseContactMin  = time.Minute
	defaultCloseContactMax  = 6 * time.Minute
)

var errMissingDatabase = errors.New("database handle is required")

// Contact records that a sample shared its quantized place and time with another user's sample.
// Contacts are stored once per direction.
type Contact struct {
	SampleID      int64  `gorm:"column:sample_id;primaryKey;autoIncrement:false"`
	OtherSampleID int64  `gorm:"column:other_sample_id;primaryKey;autoIncrement:false"`
	UserID        string `gorm:"column:user_id;size:190;not null;index:idx_location_contacts_pair,priority:1"`
	OtherUserID   string `gorm:"column:other_user_id;size:190;not null;index:idx_location_contacts_pair,priority:2"`
	RecordedAt    int64  `gorm:"column:recorded_at_s;not null;index:idx_location_contacts_pair,priority:3"`
}

// TableName binds Contact to its table.
func (Contact) TableName() string {
	return "location_contacts"
}

// Candidate is a user with flagged samples who should be considered for notification.
type Candidate struct {
	UserID   string
	Email    string
	Timezone string
	// QuarantineRelease is nil when the user has no recorded isolation period.
	QuarantineRelease *time.Time
}

// EngineConfig wires the SQL correlation engine.
type EngineConfig struct {
	Database          *gorm.DB
	Resolution        time.Duration
	ProcessingDelay   time.Duration
	InfectiousPeriod  time.Duration
	DefaultQuarantine time.Duration
	CloseContactMin   time.Duration
	CloseContactMax   time.Duration
	Logger            *zap.Logger
}

// Engine joins stored samples across users, flags exposures and lists users to notify.
type Engine struct {
	db                *gorm.DB
	processingDelay   int64
	infectiousPeriod  int64
	defaultQuarantine int64
	closeContactMax   int64
	minSharedSamples  int64
	logger            *zap.Logger
}

// NewEngine constructs an Engine, filling unset durations with defaults.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindDatabaseError, opEngineNew, "missing_database", errMissingDatabase)
	}
	resolution := orDefault(cfg.Resolution, defaultResolution)
	closeMin := orDefault(cfg.CloseContactMin, defaultCloseContactMin)
	minShared := int64((closeMin + resolution - 1) / resolution)
	if minShared < 1 {
		minShared = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:                cfg.Database,
		processingDelay:   seconds(orDefault(cfg.ProcessingDelay, defaultProcessingDelay)),
		infectiousPeriod:  seconds(orDefault(cfg.InfectiousPeriod, defaultInfectiousPeriod)),
		defaultQuarantine: seconds(orDefault(cfg.DefaultQuarantine, defaultQuarantinePeriod)),
		closeContactMax:   seconds(orDefault(cfg.CloseContactMax, defaultCloseContactMax)),
		minSharedSamples:  minShared,
		logger:            logger,
	}, nil
}

const insertContactsSQL = `
INSERT INTO location_contacts (sample_id, other_sample_id, user_id, other_user_id, recorded_at_s)
SELECT a.id, b.id, a.user_id, b.user_id, a.recorded_at_s
FROM location_samples a
JOIN location_samples b
  ON b.pair_code = a.pair_code
 AND b.quadrant = a.quadrant
 AND b.recorded_at_s = a.recorded_at_s
 AND b.user_id <> a.user_id
WHERE (a.status = @uncorrelated OR b.status = @uncorrelated)
  AND a.status >= @uncorrelated
  AND b.status >= @uncorrelated
  AND a.recorded_at_s <= @cutoff
ON CONFLICT (sample_id, other_sample_id) DO NOTHING`

// Correlate joins every uncorrelated sample older than the processing delay with other users'
// samples at the same encoded place and quantized time, records the contacts in both
// directions and marks the samples CORRELATED. It returns the number of samples correlated.
func (e *Engine) Correlate(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.UTC().Unix() - e.processingDelay
	var correlated int64
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		params := map[string]any{
			"uncorrelated": locations.StatusUncorrelated.Code(),
			"cutoff":       cutoff,
		}
		contacts := tx.Exec(insertContactsSQL, params)
		if contacts.Error != nil {
			return contacts.Error
		}
		result := tx.Model(&locations.Sample{}).
			Where("status = ? AND recorded_at_s <= ?", locations.StatusUncorrelated.Code(), cutoff).
			Update("status", locations.StatusCorrelated.Code())
		if result.Error != nil {
			return result.Error
		}
		correlated = result.RowsAffected
		e.logger.Debug("contacts recorded", zap.Int64("contacts", contacts.RowsAffected))
		return nil
	})
	if err != nil {
		e.logError(opCorrelate, "statement_failed", err)
		return 0, apperr.New(apperr.KindDatabaseError, opCorrelate, "statement_failed", err)
	}
	return correlated, nil
}

const flagSQL = `
UPDATE location_samples SET status = @flagged
WHERE status = @correlated
  AND id IN (
    SELECT c.sample_id
    FROM location_contacts c
    JOIN test_reports r
      ON r.user_id = c.other_user_id
     AND r.positive = true
     AND c.recorded_at_s <= r.time_result_received_s
     AND r.time_taken_s - c.recorded_at_s <= @infectious
    WHERE (
      SELECT COUNT(*) FROM location_contacts s
      WHERE s.user_id = c.user_id
        AND s.other_user_id = c.other_user_id
        AND s.recorded_at_s BETWEEN c.recorded_at_s - @window AND c.recorded_at_s + @window
    ) >= @min_shared
  )`

// Flag marks CORRELATED samples FLAGGED when their contact later reported a positive test
// within the infectious period and the two users shared enough samples around the contact to
// count as a close contact. It returns the number of samples flagged.
func (e *Engine) Flag(ctx context.Context) (int64, error) {
	result := e.db.WithContext(ctx).Exec(flagSQL, map[string]any{
		"flagged":    locations.StatusFlagged.Code(),
		"correlated": locations.StatusCorrelated.Code(),
		"infectious": e.infectiousPeriod,
		"window":     e.closeContactMax,
		"min_shared": e.minSharedSamples,
	})
	if result.Error != nil {
		e.logError(opFlag, "statement_failed", result.Error)
		return 0, apperr.New(apperr.KindDatabaseError, opFlag, "statement_failed", result.Error)
	}
	return result.RowsAffected, nil
}

const candidatesSQL = `
SELECT u.id AS user_id, u.email AS email, u.timezone AS timezone,
  (SELECT MAX(CASE
      WHEN r.time_leaving_isolation_s IS NOT NULL THEN r.time_leaving_isolation_s
      WHEN r.positive = true THEN r.time_taken_s + @quarantine
    END)
   FROM test_reports r WHERE r.user_id = u.id) AS quarantine_release
FROM users u
JOIN (
  SELECT user_id, MAX(recorded_at_s) AS latest_flagged
  FROM location_samples
  WHERE status = @flagged
  GROUP BY user_id
) f ON f.user_id = u.id
WHERE NOT EXISTS (
  SELECT 1 FROM test_reports p
  WHERE p.user_id = u.id AND p.positive = true AND p.time_taken_s > f.latest_flagged
)
ORDER BY u.id`

type candidateRow struct {
	UserID            string
	Email             string
	Timezone          string
	QuarantineRelease *int64
}

// NotificationCandidates lists users holding FLAGGED samples, excluding users whose own
// positive test postdates their latest flagged sample.
func (e *Engine) NotificationCandidates(ctx context.Context) ([]Candidate, error) {
	var rows []candidateRow
	if err := e.db.WithContext(ctx).Raw(candidatesSQL, map[string]any{
		"quarantine": e.defaultQuarantine,
		"flagged":    locations.StatusFlagged.Code(),
	}).Scan(&rows).Error; err != nil {
		e.logError(opCandidates, "query_failed", err)
		return nil, apperr.New(apperr.KindDatabaseError, opCandidates, "query_failed", err)
	}
	candidates := make([]Candidate, 0, len(rows))
	for _, row := range rows {
		candidate := Candidate{UserID: row.UserID, Email: row.Email, Timezone: row.Timezone}
		if row.QuarantineRelease != nil {
			release := time.Unix(*row.QuarantineRelease, 0).UTC()
			candidate.QuarantineRelease = &release
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

func (e *Engine) logError(operation, reason string, err error) {
	e.logger.Error("correlation engine error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err))
}

func orDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
