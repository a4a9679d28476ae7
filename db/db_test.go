// ABOUTME: Tests for database connection management
// ABOUTME: Verifies file creation, WAL mode and schema initialization
package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/adrg/xdg"
)

func TestOpenDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "cookies.db")

	db, err := OpenDatabase(dbPath)
	if err != nil {
		t.Fatalf("OpenDatabase failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='cookies'").Scan(&name)
	if err != nil {
		t.Fatalf("cookies table not found: %v", err)
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("Failed to query journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("Expected WAL mode, got %s", mode)
	}
}

func TestOpenDatabaseInvalidPath(t *testing.T) {
	tmpDir := t.TempDir()
	blocker := filepath.Join(tmpDir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	// A regular file cannot be used as a parent directory.
	if _, err := OpenDatabase(filepath.Join(blocker, "cookies.db")); err == nil {
		t.Error("Expected error for invalid path, but OpenDatabase succeeded")
	}
}

func TestDefaultPathUsesXDGDataHome(t *testing.T) {
	oldDataHome := xdg.DataHome
	xdg.DataHome = t.TempDir()
	defer func() { xdg.DataHome = oldDataHome }()

	want := filepath.Join(xdg.DataHome, "calclient", "cookies.db")
	if got := DefaultPath(); got != want {
		t.Errorf("DefaultPath() = %s, want %s", got, want)
	}
}
