package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write test file %s: %v", name, err)
		}
	}
	return dir
}

func TestLoadMigrations(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"003_returns.sql":    "CREATE TABLE return_request (id UUID PRIMARY KEY);",
		"001_dispensing.sql": "CREATE TABLE patient (id UUID PRIMARY KEY);",
		"002_scans.sql":      "CREATE TABLE scan (id UUID PRIMARY KEY);",
		"README.md":          "not a migration",
		"notes.sql":          "SELECT 1;",
		"abc_bad.sql":        "SELECT 1;",
	})

	migrations, err := NewMigrator(nil, dir, "", zerolog.Nop()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, want := range []string{"001_dispensing.sql", "002_scans.sql", "003_returns.sql"} {
		if migrations[i].Name != want || migrations[i].Version != i+1 {
			t.Errorf("migration %d: got %d %s, want %d %s", i, migrations[i].Version, migrations[i].Name, i+1, want)
		}
	}
	if migrations[0].SQL != "CREATE TABLE patient (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"001_a.sql": "SELECT 1;",
		"1_b.sql":   "SELECT 2;",
	})
	if _, err := NewMigrator(nil, dir, "", zerolog.Nop()).LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestLoadMigrations_EmptyDir(t *testing.T) {
	migrations, err := NewMigrator(nil, t.TempDir(), "", zerolog.Nop()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations from empty dir, got %d", len(migrations))
	}
}

func TestLoadMigrations_NonExistentDir(t *testing.T) {
	_, err := NewMigrator(nil, "/nonexistent/path/that/does/not/exist", "", zerolog.Nop()).LoadMigrations()
	if err == nil {
		t.Error("expected error for non-existent directory")
	}
}

func TestPending(t *testing.T) {
	migrations := []Migration{{Version: 1}, {Version: 2}, {Version: 3}, {Version: 4}}
	applied := map[int]time.Time{1: time.Now(), 3: time.Now()}

	all := pending(migrations, applied, 0)
	if len(all) != 2 || all[0].Version != 2 || all[1].Version != 4 {
		t.Errorf("expected [2 4], got %v", all)
	}

	upTo := pending(migrations, applied, 3)
	if len(upTo) != 1 || upTo[0].Version != 2 {
		t.Errorf("expected [2], got %v", upTo)
	}
}

func TestBuildStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	migrations := []Migration{
		{Version: 1, Name: "001_dispensing.sql"},
		{Version: 2, Name: "002_scans.sql"},
	}

	statuses := buildStatus(migrations, map[int]time.Time{1: at})
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected 001 applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected 002 pending, got %+v", statuses[1])
	}
}

func TestNewMigrator_DefaultSchema(t *testing.T) {
	m := NewMigrator(nil, "/some/path", "", zerolog.Nop())
	if m.schema != "public" {
		t.Errorf("expected public schema, got %s", m.schema)
	}
	if m.dir != "/some/path" {
		t.Errorf("expected dir /some/path, got %s", m.dir)
	}
}

func TestEnsureMigrationsTable_RejectsBadSchema(t *testing.T) {
	m := NewMigrator(nil, t.TempDir(), "rounds; DROP TABLE patient", zerolog.Nop())
	if err := m.ensureMigrationsTable(context.Background()); err == nil {
		t.Fatal("expected invalid schema error")
	}
}
