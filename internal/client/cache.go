package client

import (
	"context"
	"errors"
	"strings"

	"github.com/Beacon515L/Rastel/internal/locations"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const credentialRowID = 1

var errMissingDatabase = errors.New("database handle is required")

// GormCache keeps the local sample cache and the client's bearer token in SQLite.
type GormCache struct {
	db *gorm.DB
}

// NewGormCache constructs a GormCache over a migrated database.
func NewGormCache(db *gorm.DB) (*GormCache, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormCache{db: db}, nil
}

// Record adds a freshly captured sample as LOCAL_ONLY. A second sample at the same local
// second is ignored.
func (c *GormCache) Record(ctx context.Context, lat, long float64, at int64) error {
	entry := Entry{Time: at, Lat: lat, Long: long, Status: locations.StatusLocalOnly}
	return c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entry).Error
}

// Load returns every cached entry in time order.
func (c *GormCache) Load(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := c.db.WithContext(ctx).Order("recorded_at_s ASC").Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Pending returns the entries that have not been uploaded yet.
func (c *GormCache) Pending(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := c.db.WithContext(ctx).
		Where("status = ?", locations.StatusLocalOnly.Code()).
		Order("recorded_at_s ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Store replaces cached entries by timestamp.
func (c *GormCache) Store(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index := range entries {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "recorded_at_s"}},
				DoUpdates: clause.AssignmentColumns([]string{"latitude", "longitude", "status"}),
			}).Create(&entries[index]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadToken returns the stored bearer token, or an empty string.
func (c *GormCache) LoadToken(ctx context.Context) (string, error) {
	var credential Credential
	err := c.db.WithContext(ctx).Take(&credential, "id = ?", credentialRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return credential.Token, nil
}

// SaveToken stores token, replacing any previous one.
func (c *GormCache) SaveToken(ctx context.Context, token string) error {
	credential := Credential{ID: credentialRowID, Token: strings.TrimSpace(token)}
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"bearer_token", "updated_at_s"}),
	}).Create(&credential).Error
}
