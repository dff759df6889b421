package schema

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration is one named, idempotent step applied in order during
// EnsureSchema.
type Migration struct {
	Name string
	Note string
	Func func(*sql.DB) error
}

var migrationsList = []Migration{
	{"001_base_schema", "create all tables and indices", migrateBaseSchema},
	{"002_user_legacy_backfill", "sync users <-> app_users by id", migrateUserLegacyBackfill},
	{"003_project_owner_backfill", "sync projects.owner_user_id <-> user_id", migrateProjectOwnerBackfill},
	{"004_run_mode_backfill", "sync runs.mode <-> runs.run_mode", migrateRunModeBackfill},
	{"005_asset_path_backfill", "sync assets.rel_path <-> assets.storage_uri", migrateAssetPathBackfill},
	{"006_asset_meta_backfill", "sync assets.meta_json <-> assets.metadata_json", migrateAssetMetaBackfill},
	{"007_secret_key_ref_backfill", "sync project_api_secrets.key_ref <-> kms_key_ref", migrateSecretKeyRefBackfill},
	{"008_cost_event_type_backfill", "sync cost_events.event_type <-> operation_code", migrateCostEventTypeBackfill},
}

// EnsureSchema creates all tables, applies additive migrations, and
// backfills legacy/canonical column pairs. It is idempotent and safe to
// run at every process startup.
//
// Foreign keys are disabled before opening the transaction (SQLite
// requires the pragma toggle outside any transaction), an EXCLUSIVE
// transaction serializes migrations across concurrently starting
// processes, and a committed flag guards the deferred rollback so a
// failure leaves the database exactly as it was.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("disable foreign keys for migrations: %w", err)
	}
	defer func() { _, _ = db.Exec("PRAGMA foreign_keys = ON") }()

	if _, err := db.Exec("BEGIN EXCLUSIVE"); err != nil {
		return fmt.Errorf("acquire exclusive lock for migrations: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = db.Exec("ROLLBACK")
		}
	}()

	for _, m := range migrationsList {
		if err := m.Func(db); err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
		if err := recordMigration(db, m.Name, m.Note); err != nil {
			return fmt.Errorf("recording migration %s: %w", m.Name, err)
		}
	}

	if _, err := db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	committed = true
	return nil
}

func recordMigration(db *sql.DB, version, note string) error {
	_, err := db.Exec(
		`INSERT OR IGNORE INTO schema_migrations (version, note, applied_at) VALUES (?, ?, ?)`,
		version, note, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

func migrateBaseSchema(db *sql.DB) error {
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("applying base schema: %w", err)
	}
	return nil
}

// migrateUserLegacyBackfill copies rows that exist in one of users/app_users
// but not the other into the missing side, keyed by id. (§3 User, §9.)
func migrateUserLegacyBackfill(db *sql.DB) error {
	if _, err := db.Exec(`
		INSERT OR IGNORE INTO app_users (id, username, display_name, email, is_active, created_at, updated_at)
		SELECT id, username, display_name, email, is_active, created_at, updated_at FROM users
	`); err != nil {
		return fmt.Errorf("backfill app_users from users: %w", err)
	}
	if _, err := db.Exec(`
		INSERT OR IGNORE INTO users (id, username, display_name, email, is_active, created_at, updated_at)
		SELECT id, username, display_name, email, is_active, created_at, updated_at FROM app_users
	`); err != nil {
		return fmt.Errorf("backfill users from app_users: %w", err)
	}
	return nil
}

func migrateProjectOwnerBackfill(db *sql.DB) error {
	if _, err := db.Exec(`UPDATE projects SET user_id = owner_user_id WHERE user_id IS NULL OR user_id = ''`); err != nil {
		return fmt.Errorf("backfill projects.user_id from owner_user_id: %w", err)
	}
	if _, err := db.Exec(`UPDATE projects SET owner_user_id = user_id WHERE (owner_user_id IS NULL OR owner_user_id = '') AND user_id IS NOT NULL AND user_id != ''`); err != nil {
		return fmt.Errorf("backfill projects.owner_user_id from user_id: %w", err)
	}
	return nil
}

func migrateRunModeBackfill(db *sql.DB) error {
	if _, err := db.Exec(`UPDATE runs SET run_mode = mode WHERE (run_mode IS NULL OR run_mode = '') AND mode != ''`); err != nil {
		return fmt.Errorf("backfill runs.run_mode from mode: %w", err)
	}
	if _, err := db.Exec(`UPDATE runs SET mode = run_mode WHERE mode = '' AND run_mode != ''`); err != nil {
		return fmt.Errorf("backfill runs.mode from run_mode: %w", err)
	}
	return nil
}

func migrateAssetPathBackfill(db *sql.DB) error {
	if _, err := db.Exec(`UPDATE assets SET rel_path = storage_uri WHERE (rel_path IS NULL OR rel_path = '') AND storage_uri != ''`); err != nil {
		return fmt.Errorf("backfill assets.rel_path from storage_uri: %w", err)
	}
	if _, err := db.Exec(`UPDATE assets SET storage_uri = rel_path WHERE storage_uri = '' AND rel_path != ''`); err != nil {
		return fmt.Errorf("backfill assets.storage_uri from rel_path: %w", err)
	}
	return nil
}

func migrateAssetMetaBackfill(db *sql.DB) error {
	if _, err := db.Exec(`UPDATE assets SET metadata_json = meta_json WHERE (metadata_json IS NULL OR metadata_json = '{}') AND meta_json != '{}'`); err != nil {
		return fmt.Errorf("backfill assets.metadata_json from meta_json: %w", err)
	}
	if _, err := db.Exec(`UPDATE assets SET meta_json = metadata_json WHERE meta_json = '{}' AND metadata_json != '{}'`); err != nil {
		return fmt.Errorf("backfill assets.meta_json from metadata_json: %w", err)
	}
	return nil
}

func migrateSecretKeyRefBackfill(db *sql.DB) error {
	if _, err := db.Exec(`UPDATE project_api_secrets SET kms_key_ref = key_ref WHERE (kms_key_ref IS NULL OR kms_key_ref = '') AND key_ref != ''`); err != nil {
		return fmt.Errorf("backfill project_api_secrets.kms_key_ref from key_ref: %w", err)
	}
	if _, err := db.Exec(`UPDATE project_api_secrets SET key_ref = kms_key_ref WHERE key_ref = '' AND kms_key_ref != ''`); err != nil {
		return fmt.Errorf("backfill project_api_secrets.key_ref from kms_key_ref: %w", err)
	}
	return nil
}

func migrateCostEventTypeBackfill(db *sql.DB) error {
	if _, err := db.Exec(`UPDATE cost_events SET event_type = operation_code WHERE (event_type IS NULL OR event_type = '') AND operation_code != ''`); err != nil {
		return fmt.Errorf("backfill cost_events.event_type from operation_code: %w", err)
	}
	if _, err := db.Exec(`UPDATE cost_events SET operation_code = event_type WHERE operation_code = '' AND event_type != ''`); err != nil {
		return fmt.Errorf("backfill cost_events.operation_code from event_type: %w", err)
	}
	return nil
}

// ListMigrations returns metadata about every registered migration. All are
// idempotent, so this always lists the full set, not just pending ones.
func ListMigrations() []Migration {
	out := make([]Migration, len(migrationsList))
	copy(out, migrationsList)
	return out
}

// AppliedMigrations reads back the schema_migrations table in application
// order, mirroring original_source/scripts/db_migrate.py's report.
func AppliedMigrations(db *sql.DB) ([]AppliedMigration, error) {
	rows, err := db.Query(`SELECT version, note, applied_at FROM schema_migrations ORDER BY applied_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying schema_migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []AppliedMigration
	for rows.Next() {
		var m AppliedMigration
		if err := rows.Scan(&m.Version, &m.Note, &m.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning schema_migrations row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AppliedMigration is one row of the schema_migrations table (§3 SchemaMigration).
type AppliedMigration struct {
	Version   string
	Note      string
	AppliedAt string
}
