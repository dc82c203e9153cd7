package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/LumeboardHQ/lumeboard/internal/store"
)

func TestApplyMigrationsBackfillsVersionChecksums(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&store.VersionRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := store.VersionRecord{
		VersionID:       "v-legacy",
		RoomID:          "r1",
		CreatedAtMillis: 1700000000000,
		CreatedBy:       "u1",
		ContentHash:     "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		SchemaVersion:   1,
		StoragePath:     "rooms/r1/versions/v-legacy.json",
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert version row: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored store.VersionRecord
	if err := database.Where("version_id = ?", legacy.VersionID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload version row: %v", err)
	}
	if stored.Checksum != "0123456789abcdef" {
		testContext.Fatalf("expected checksum backfilled from content hash, got %q", stored.Checksum)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillVersionChecksums).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-apply to be a no-op: %v", err)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
