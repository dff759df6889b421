package schema

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEnsureSchemaIdempotent(t *testing.T) {
	db := openTestDB(t)

	if err := EnsureSchema(db); err != nil {
		t.Fatalf("first EnsureSchema: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO users (id, username, display_name, is_active, created_at, updated_at)
		VALUES ('u1', 'local', 'Local User', 1, '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seeding user: %v", err)
	}

	if err := EnsureSchema(db); err != nil {
		t.Fatalf("second EnsureSchema: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		t.Fatalf("counting users: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 user row after re-running migrations, got %d", count)
	}

	applied, err := AppliedMigrations(db)
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(applied) != len(migrationsList) {
		t.Fatalf("expected %d applied migration rows, got %d", len(migrationsList), len(applied))
	}
}

func TestUserLegacyBackfill(t *testing.T) {
	db := openTestDB(t)
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO users (id, username, display_name, is_active, created_at, updated_at)
		VALUES ('u2', 'someone', 'Someone', 1, '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("inserting canonical user: %v", err)
	}
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("re-running EnsureSchema: %v", err)
	}

	var username string
	if err := db.QueryRow(`SELECT username FROM app_users WHERE id = 'u2'`).Scan(&username); err != nil {
		t.Fatalf("expected app_users row mirrored from users: %v", err)
	}
	if username != "someone" {
		t.Fatalf("expected mirrored username 'someone', got %q", username)
	}
}

func TestAssetPathAndMetaBackfill(t *testing.T) {
	db := openTestDB(t)
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO users (id, username, display_name, is_active, created_at, updated_at)
		VALUES ('u1', 'local', 'Local', 1, '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seeding user: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO projects (id, owner_user_id, slug, name, created_at, updated_at)
		VALUES ('p1', 'u1', 'demo', 'Demo', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seeding project: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO assets (id, project_id, storage_uri, meta_json, created_at, updated_at)
		VALUES ('a1', 'p1', 'file:///a.png', '{"k":"v"}', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("seeding asset: %v", err)
	}

	if err := EnsureSchema(db); err != nil {
		t.Fatalf("re-running EnsureSchema: %v", err)
	}

	var relPath, metadataJSON string
	if err := db.QueryRow(`SELECT rel_path, metadata_json FROM assets WHERE id = 'a1'`).Scan(&relPath, &metadataJSON); err != nil {
		t.Fatalf("reading backfilled asset: %v", err)
	}
	if relPath != "file:///a.png" {
		t.Fatalf("expected rel_path backfilled from storage_uri, got %q", relPath)
	}
	if metadataJSON != `{"k":"v"}` {
		t.Fatalf("expected metadata_json backfilled from meta_json, got %q", metadataJSON)
	}
}
