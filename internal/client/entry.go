package client

import "github.com/Beacon515L/Rastel/internal/locations"

// Entry is one sample in the client's local cache, keyed by its local-clock timestamp.
type Entry struct {
	Time   int64            `gorm:"column:recorded_at_s;primaryKey;autoIncrement:false" json:"time"`
	Lat    float64          `gorm:"column:latitude;not null" json:"lat"`
	Long   float64          `gorm:"column:longitude;not null" json:"long"`
	Status locations.Status `gorm:"column:status;not null;index" json:"status"`
}

// TableName binds Entry to the local cache table.
func (Entry) TableName() string {
	return "cached_samples"
}

// Credential holds the client's current bearer token. The table has at most one row.
type Credential struct {
	ID        int    `gorm:"column:id;primaryKey;autoIncrement:false"`
	Token     string `gorm:"column:bearer_token;type:text"`
	UpdatedAt int64  `gorm:"column:updated_at_s;autoUpdateTime"`
}

// TableName binds Credential to its table.
func (Credential) TableName() string {
	return "client_credentials"
}
