package db

import (
	"testing"

	"github.com/google/uuid"

	"github.com/friendsincode/storeplay/internal/config"
	"github.com/friendsincode/storeplay/internal/models"
)

func TestConnectAndMigrateSQLite(t *testing.T) {
	database, err := Connect(&config.Config{DBBackend: config.DatabaseSQLite, DBDSN: "file::memory:"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = Close(database) })

	if err := Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Migrations must be repeatable.
	if err := Migrate(database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	styleID := uuid.NewString()
	gone := uuid.NewString()
	if err := database.Create(&models.Style{ID: styleID, Name: "Jazz"}).Error; err != nil {
		t.Fatalf("create style: %v", err)
	}
	stores := []models.Store{
		{ID: uuid.NewString(), Name: "Kept", CurrentStyleID: &styleID},
		{ID: uuid.NewString(), Name: "Dangling", CurrentStyleID: &gone},
	}
	if err := database.Create(&stores).Error; err != nil {
		t.Fatalf("create stores: %v", err)
	}

	if err := Migrate(database); err != nil {
		t.Fatalf("migrate with data: %v", err)
	}

	var kept, dangling models.Store
	database.First(&kept, "name = ?", "Kept")
	database.First(&dangling, "name = ?", "Dangling")
	if kept.CurrentStyleID == nil || *kept.CurrentStyleID != styleID {
		t.Fatalf("kept store lost its style: %+v", kept)
	}
	if dangling.CurrentStyleID != nil {
		t.Fatalf("dangling style not cleared: %v", *dangling.CurrentStyleID)
	}
}

func TestConnectRejectsUnknownBackend(t *testing.T) {
	if _, err := Connect(&config.Config{DBBackend: "oracle", DBDSN: "x"}); err == nil {
		t.Fatal("expected error")
	}
}
