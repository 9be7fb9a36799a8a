package database

import (
	"errors"
	"time"

	"github.com/Beacon515L/Rastel/internal/locations"
	"github.com/Beacon515L/Rastel/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationDefaultUserTimezone = "2026-03-01_default_user_timezone"
	migrationLowercaseEmails     = "2026-03-08_lowercase_user_emails"
	migrationDropSampleTimeIndex = "2026-10-15_drop_unique_sample_time_index"

	legacySampleTimeIndex = "idx_location_samples_user_time"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDefaultUserTimezone, apply: defaultUserTimezone},
		{name: migrationLowercaseEmails, apply: lowercaseUserEmails},
		{name: migrationDropSampleTimeIndex, apply: dropUniqueSampleTimeIndex},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// defaultUserTimezone fills accounts created before timezones were mandatory. Notification
// windows for these users are rendered in UTC.
func defaultUserTimezone(db *gorm.DB) error {
	return db.Model(&users.User{}).
		Where("timezone = '' OR timezone IS NULL").
		Update("timezone", "UTC").Error
}

// lowercaseUserEmails normalizes stored emails so lookups match the service's normalization.
// Rows whose lowercase form would collide with an existing account are left as they are.
func lowercaseUserEmails(db *gorm.DB) error {
	return db.Exec(`UPDATE users SET email = LOWER(email)
		WHERE email <> LOWER(email)
		AND NOT EXISTS (SELECT 1 FROM users AS other WHERE other.email = LOWER(users.email))`).Error
}

// dropUniqueSampleTimeIndex removes the old unique (user, time) index. Several samples may now
// share a quantized time, and AutoMigrate does not relax an existing unique index.
func dropUniqueSampleTimeIndex(db *gorm.DB) error {
	migrator := db.Migrator()
	if !migrator.HasIndex(&locations.Sample{}, legacySampleTimeIndex) {
		return nil
	}
	return migrator.DropIndex(&locations.Sample{}, legacySampleTimeIndex)
}
