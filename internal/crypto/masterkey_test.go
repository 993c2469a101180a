package crypto

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/sorenvik/credvault/internal/database"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupSettingsDB(t *testing.T) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&database.Setting{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	database.DB = db
	ResetMasterKeyCache()
	t.Cleanup(ResetMasterKeyCache)
}

func TestMasterKey_GeneratedOnFirstUse(t *testing.T) {
	setupSettingsDB(t)

	key, err := MasterKey()
	if err != nil {
		t.Fatalf("master key: %v", err)
	}
	if len(key) != AtRestKeyBytes {
		t.Fatalf("expected %d-byte key, got %d", AtRestKeyBytes, len(key))
	}

	// The settings table holds only wrapped material.
	wrapped, err := database.GetSetting("master_key")
	if err != nil {
		t.Fatalf("setting missing: %v", err)
	}
	if bytes.Contains([]byte(wrapped), key) {
		t.Error("raw master key stored unwrapped")
	}
}

func TestMasterKey_StableAcrossCacheReset(t *testing.T) {
	setupSettingsDB(t)

	first, err := MasterKey()
	if err != nil {
		t.Fatalf("master key: %v", err)
	}

	ResetMasterKeyCache()
	second, err := MasterKey()
	if err != nil {
		t.Fatalf("master key after reset: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("master key changed after cache reset")
	}
}
