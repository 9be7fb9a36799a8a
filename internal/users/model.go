package users

import (
	"strings"
	"time"
)

// User is a registered account. The password hash never leaves the service.
type User struct {
	ID           string    `gorm:"column:id;primaryKey;size:190" json:"id"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex" json:"email"`
	PasswordHash string    `gorm:"column:password_hash;size:100;not null" json:"-"`
	Timezone     string    `gorm:"column:timezone;size:64;not null" json:"timezone"`
	Verified     bool      `gorm:"column:verified;not null;default:false" json:"verified"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime" json:"-"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime" json:"-"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
