package database

import (
	"path/filepath"
	"testing"

	"github.com/Beacon515L/Rastel/internal/locations"
	"github.com/Beacon515L/Rastel/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsLegacyAccounts(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&users.User{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := []users.User{
		{ID: "user-1", Email: "Alice@Example.com", PasswordHash: "hash", Timezone: ""},
		{ID: "user-2", Email: "bob@example.com", PasswordHash: "hash", Timezone: "Europe/London"},
		{ID: "user-3", Email: "BOB@example.com", PasswordHash: "hash", Timezone: "UTC"},
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert users: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored []users.User
	if err := database.Order("id ASC").Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload users: %v", err)
	}
	if stored[0].Timezone != "UTC" || stored[0].Email != "alice@example.com" {
		testContext.Fatalf("expected legacy account repaired, got %+v", stored[0])
	}
	if stored[1].Timezone != "Europe/London" {
		testContext.Fatalf("expected explicit timezone kept, got %q", stored[1].Timezone)
	}
	if stored[2].Email != "BOB@example.com" {
		testContext.Fatalf("expected colliding email left untouched, got %q", stored[2].Email)
	}

	for _, name := range []string{migrationDefaultUserTimezone, migrationLowercaseEmails} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s to be created: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set")
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("re-applying migrations must be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesServerSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "server.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"users", "location_samples", "test_reports", "location_contacts", "notification_dispatches", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected missing path error")
	}
}

func TestApplyMigrationsDropsUniqueSampleTimeIndex(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "samples.db")
	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&users.User{}, &locations.Sample{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	legacyIndex := "CREATE UNIQUE INDEX " + legacySampleTimeIndex + " ON location_samples (user_id, recorded_at_s)"
	if err := database.Exec(legacyIndex).Error; err != nil {
		testContext.Fatalf("failed to create legacy index: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}
	if database.Migrator().HasIndex(&locations.Sample{}, legacySampleTimeIndex) {
		testContext.Fatalf("expected legacy unique index dropped")
	}

	samples := []locations.Sample{
		{UserID: "user-1", RecordedAt: 1700000040, PairCode: 1, Quadrant: 1},
		{UserID: "user-1", RecordedAt: 1700000040, PairCode: 2, Quadrant: 1},
	}
	if err := database.Create(&samples).Error; err != nil {
		testContext.Fatalf("samples sharing a time must both insert: %v", err)
	}
}
