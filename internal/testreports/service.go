package testreports

import (
	"context"
	"errors"
	"strings"

	"github.com/Beacon515L/Rastel/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "testreports.service.new"
	opRecord     = "testreports.record"
	opList       = "testreports.list"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingUserID    = errors.New("user identifier is required")
	errMissingField     = errors.New("type, timeTaken, timeResultReceived, serverTime and localTime are required")
	errInvalidType      = errors.New("test type out of range")
	errResultBeforeTest = errors.New("result received before the test was taken")
)

// ServiceConfig wires the test report service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service records and lists users' test results.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(apperr.KindDatabaseError, opServiceNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// Record stores a test result after moving its times from the client clock onto the server
// clock using the client's last server-time probe.
func (s *Service) Record(ctx context.Context, userID string, input Input, declaredServerTime, localTimeAtCapture int64) (Report, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Report{}, apperr.New(apperr.KindBadRequest, opRecord, "missing_user_id", errMissingUserID)
	}
	if input.Type == nil || input.TimeTaken == nil || input.TimeResultReceived == nil ||
		declaredServerTime <= 0 || localTimeAtCapture <= 0 {
		return Report{}, apperr.New(apperr.KindBadRequest, opRecord, "missing_field", errMissingField)
	}
	if *input.Type < MinType || *input.Type > MaxType {
		return Report{}, apperr.New(apperr.KindBadRequest, opRecord, "invalid_type", errInvalidType)
	}
	if *input.TimeResultReceived < *input.TimeTaken {
		return Report{}, apperr.New(apperr.KindBadRequest, opRecord, "result_before_test", errResultBeforeTest)
	}

	timeDelta := localTimeAtCapture - declaredServerTime
	report := Report{
		UserID:             userID,
		Type:               *input.Type,
		Positive:           input.Positive,
		TimeTaken:          *input.TimeTaken - timeDelta,
		TimeResultReceived: *input.TimeResultReceived - timeDelta,
	}
	if input.TimeLeavingIsolation != nil {
		leaving := *input.TimeLeavingIsolation - timeDelta
		report.TimeLeavingIsolation = &leaving
	}

	if err := s.db.WithContext(ctx).Create(&report).Error; err != nil {
		s.logError(opRecord, "insert_failed", err, zap.String("user_id", userID))
		return Report{}, apperr.New(apperr.KindDatabaseError, opRecord, "insert_failed", err)
	}
	s.logger.Info("test report recorded",
		zap.String("user_id", userID),
		zap.Bool("positive", report.Positive),
		zap.Int64("time_taken_s", report.TimeTaken))
	return report, nil
}

// List returns the user's reports, oldest test first.
func (s *Service) List(ctx context.Context, userID string) ([]Report, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.New(apperr.KindBadRequest, opList, "missing_user_id", errMissingUserID)
	}
	var reports []Report
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("time_taken_s ASC").
		Find(&reports).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", userID))
		return nil, apperr.New(apperr.KindDatabaseError, opList, "query_failed", err)
	}
	return reports, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("test report service error", attrs...)
}
