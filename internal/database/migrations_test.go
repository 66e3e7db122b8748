package database

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/quickshare-io/quickshare/internal/rooms"
)

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quickshare.db")

	db, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	for _, table := range []string{"rooms", "messages", "files", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestMigrationsApplyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quickshare.db")

	db, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("unexpected reapply error: %v", err)
	}
	var recount int64
	if err := db.Model(&migrationRecord{}).Count(&recount).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if count != recount {
		t.Fatalf("expected migrations to be recorded once, got %d then %d", count, recount)
	}
}

func TestNormalizeBlankSendersRewritesLegacyRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quickshare.db")

	db, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	legacy := rooms.Message{RoomID: "r1", Seq: 1, Sender: "", Content: "old row", CreatedAt: time.Now().UTC()}
	if err := db.Create(&legacy).Error; err != nil {
		t.Fatalf("unexpected seed error: %v", err)
	}

	if err := normalizeBlankSenders(db); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}

	var repaired rooms.Message
	if err := db.Where("room_id = ? AND seq = ?", "r1", 1).Take(&repaired).Error; err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if repaired.Sender != "anonymous" {
		t.Fatalf("expected anonymous sender, got %q", repaired.Sender)
	}
}
