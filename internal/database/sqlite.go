package database

import (
	"fmt"

	"github.com/Beacon515L/Rastel/internal/client"
	"github.com/Beacon515L/Rastel/internal/correlation"
	"github.com/Beacon515L/Rastel/internal/locations"
	"github.com/Beacon515L/Rastel/internal/notify"
	"github.com/Beacon515L/Rastel/internal/testreports"
	"github.com/Beacon515L/Rastel/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes the server's SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&users.User{},
		&locations.Sample{},
		&testreports.Report{},
		&correlation.Contact{},
		&notify.Dispatch{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// OpenClientSQLite opens the client's local sample cache.
func OpenClientSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&client.Entry{}, &client.Credential{}); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Debug("client cache initialized", zap.String("path", path))
	}
	return db, nil
}

func open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
