package store

import (
	"context"
	"hash/crc32"
	"path/filepath"
	"testing"
	"time"
)

func TestNewMigrator(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	migrator := NewMigrator(db)
	if migrator == nil {
		t.Fatal("NewMigrator returned nil")
	}
	if migrator.db != db {
		t.Error("Migrator db not set correctly")
	}
	if migrator.logger == nil {
		t.Error("Migrator logger should be set")
	}
}

func TestMigrator_Run(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	migrator := NewMigrator(db)

	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("Failed to query schema_migrations: %v", err)
	}
	if count == 0 {
		t.Error("expected at least one row in schema_migrations")
	}

	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
}

func TestMigrator_GetStatus(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	migrator := NewMigrator(db)

	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	status, err := migrator.GetStatus(context.Background())
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}

	if len(status) == 0 {
		t.Error("Expected at least one migration in status")
	}

	for _, m := range status {
		if m.AppliedAt.IsZero() {
			t.Errorf("Migration %d should have AppliedAt set", m.Version)
		}
		if m.Name == "" {
			t.Errorf("Migration %d should have Name set", m.Version)
		}
		if m.Checksum == 0 {
			t.Errorf("Migration %d should have a non-zero checksum", m.Version)
		}
	}
}

func TestMigrator_ensureMigrationsTable(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	migrator := NewMigrator(db)

	if err := migrator.ensureMigrationsTable(context.Background()); err != nil {
		t.Fatalf("ensureMigrationsTable failed: %v", err)
	}

	var name string
	err = db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_migrations'").Scan(&name)
	if err != nil {
		t.Fatalf("schema_migrations table should exist: %v", err)
	}

	if err := migrator.ensureMigrationsTable(context.Background()); err != nil {
		t.Fatalf("second ensureMigrationsTable failed: %v", err)
	}
}

func TestMigrator_getAppliedMigrations(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	migrator := NewMigrator(db)

	if err := migrator.ensureMigrationsTable(context.Background()); err != nil {
		t.Fatalf("ensureMigrationsTable failed: %v", err)
	}

	applied, err := migrator.getAppliedMigrations(context.Background())
	if err != nil {
		t.Fatalf("getAppliedMigrations failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("Expected 0 applied migrations, got %d", len(applied))
	}

	_, err = db.Exec("INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (1, 'test', ?, ?)",
		crc32.ChecksumIEEE([]byte("test")), time.Now().Unix())
	if err != nil {
		t.Fatalf("Failed to insert test migration: %v", err)
	}

	applied, err = migrator.getAppliedMigrations(context.Background())
	if err != nil {
		t.Fatalf("getAppliedMigrations failed: %v", err)
	}
	if len(applied) != 1 {
		t.Errorf("Expected 1 applied migration, got %d", len(applied))
	}
	if _, ok := applied[1]; !ok {
		t.Error("Expected migration version 1 to be in applied map")
	}
}

func TestMigrator_getAvailableMigrations(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	migrator := NewMigrator(db)

	migrations, err := migrator.getAvailableMigrations()
	if err != nil {
		t.Fatalf("getAvailableMigrations failed: %v", err)
	}

	if len(migrations) == 0 {
		t.Error("Expected at least one available migration")
	}

	for i := 1; i < len(migrations); i++ {
		if migrations[i].Version <= migrations[i-1].Version {
			t.Error("Migrations should be sorted by version ascending")
		}
	}

	for _, m := range migrations {
		if m.Version == 0 {
			t.Error("Migration version should not be 0")
		}
		if m.Name == "" {
			t.Error("Migration name should not be empty")
		}
		if m.SQL == "" {
			t.Error("Migration SQL should not be empty")
		}
		if m.Checksum == 0 {
			t.Error("Migration checksum should not be 0")
		}
	}
}

func TestMigration_Struct(t *testing.T) {
	now := time.Now()
	m := Migration{
		Version:   1,
		Name:      "initial_schema",
		SQL:       "CREATE TABLE test (id INTEGER PRIMARY KEY);",
		Checksum:  crc32.ChecksumIEEE([]byte("CREATE TABLE test (id INTEGER PRIMARY KEY);")),
		AppliedAt: now,
	}

	if m.Version != 1 {
		t.Errorf("Expected Version 1, got %d", m.Version)
	}
	if m.Name != "initial_schema" {
		t.Errorf("Expected Name 'initial_schema', got %s", m.Name)
	}
	if m.SQL == "" {
		t.Error("SQL should not be empty")
	}
	if m.Checksum == 0 {
		t.Error("Checksum should not be 0")
	}
	if m.AppliedAt.IsZero() {
		t.Error("AppliedAt should be set")
	}
}

func TestMigrator_RunMigrationOrder(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	migrator := NewMigrator(db)

	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	applied, err := migrator.getAppliedMigrations(context.Background())
	if err != nil {
		t.Fatalf("getAppliedMigrations failed: %v", err)
	}

	available, err := migrator.getAvailableMigrations()
	if err != nil {
		t.Fatalf("getAvailableMigrations failed: %v", err)
	}

	for _, m := range available {
		if _, ok := applied[m.Version]; !ok {
			t.Errorf("Migration %d should be applied", m.Version)
		}
	}
}

func TestMigrator_ChecksumMismatchDetected(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	migrator := NewMigrator(db)
	if err := migrator.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, err := db.Exec("UPDATE schema_migrations SET checksum = checksum + 1 WHERE version = 1"); err != nil {
		t.Fatalf("failed to corrupt checksum: %v", err)
	}

	if err := migrator.Run(context.Background()); err == nil {
		t.Error("expected checksum mismatch error on drifted migration")
	}
}

func TestMigrator_ContextCancellation(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := Open(&Config{Path: dbPath})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	migrator := NewMigrator(db)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = migrator.Run(ctx)
}
