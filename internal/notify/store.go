package notify

import (
	"context"
	"errors"

	"github.com/Beacon515L/Rastel/internal/apperr"
	"github.com/Beacon515L/Rastel/internal/locations"
	"gorm.io/gorm"
)

const (
	opFlagged = "notify.flagged_timestamps"
	opAdvance = "notify.advance_to_notified"
)

var errMissingDatabase = errors.New("database handle is required")

// Dispatch records one delivered exposure notification.
type Dispatch struct {
	ID           string `gorm:"column:id;primaryKey;size:64"`
	UserID       string `gorm:"column:user_id;size:190;not null;index"`
	SentAt       int64  `gorm:"column:sent_at_s;not null"`
	WindowCount  int    `gorm:"column:window_count;not null"`
	SampleCount  int64  `gorm:"column:sample_count;not null"`
	FirstContact int64  `gorm:"column:first_contact_s;not null"`
	LastContact  int64  `gorm:"column:last_contact_s;not null"`
}

// TableName binds Dispatch to its table.
func (Dispatch) TableName() string {
	return "notification_dispatches"
}

// GormStore reads flagged samples and advances them once a notification has been delivered.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a GormStore.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

// FlaggedTimestamps returns the user's FLAGGED sample times in ascending order.
func (s *GormStore) FlaggedTimestamps(ctx context.Context, userID string) ([]int64, error) {
	var timestamps []int64
	if err := s.db.WithContext(ctx).
		Model(&locations.Sample{}).
		Where("user_id = ? AND status = ?", userID, locations.StatusFlagged.Code()).
		Order("recorded_at_s ASC").
		Pluck("recorded_at_s", &timestamps).Error; err != nil {
		return nil, apperr.New(apperr.KindDatabaseError, opFlagged, "query_failed", err)
	}
	return timestamps, nil
}

// AdvanceToNotified moves the listed FLAGGED samples to NOTIFIED and stores the dispatch
// record in the same transaction. Samples flagged after timestamps was read are left alone.
func (s *GormStore) AdvanceToNotified(ctx context.Context, userID string, timestamps []int64, record Dispatch) (int64, error) {
	if len(timestamps) == 0 {
		return 0, nil
	}
	var advanced int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&locations.Sample{}).
			Where("user_id = ? AND status = ? AND recorded_at_s IN ?", userID, locations.StatusFlagged.Code(), timestamps).
			Update("status", locations.StatusNotified.Code())
		if result.Error != nil {
			return result.Error
		}
		advanced = result.RowsAffected
		record.UserID = userID
		record.SampleCount = advanced
		return tx.Create(&record).Error
	})
	if err != nil {
		return 0, apperr.New(apperr.KindDatabaseError, opAdvance, "transaction_failed", err)
	}
	return advanced, nil
}
