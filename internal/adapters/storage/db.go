package storage

import (
	"database/sql"
	"fmt"
)

// InitDB initializes the database schema.
// PRE: db is a valid database connection
// POST: All migrations are applied, WAL mode enabled
func InitDB(db *sql.DB) error {
	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return MigrateDB(db)
}

// migrations are applied in order; index i brings the schema to version i+1.
// Never edit an applied migration, append a new one.
var migrations = []func(tx *sql.Tx) error{
	func(tx *sql.Tx) error {
		_, err := tx.Exec(baselineSchema)
		return err
	},
}

// LatestSchemaVersion is the version after all migrations.
func LatestSchemaVersion() int {
	return len(migrations)
}

// SchemaVersion returns the applied version, 0 for an empty database.
func SchemaVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check schema_version: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}
	var v int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}

// MigrateDB applies pending migrations, each in its own transaction.
// PRE: db is a valid database connection
// POST: SchemaVersion(db) == LatestSchemaVersion()
func MigrateDB(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}
	for v := current; v < len(migrations); v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v+1, err)
		}
		if err := migrations[v](tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, v+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v+1, err)
		}
	}
	return nil
}

const baselineSchema = `
	CREATE TABLE IF NOT EXISTS account (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		created_at TEXT NOT NULL,
		failed_logins INTEGER NOT NULL DEFAULT 0,
		locked_until TEXT
	);

	CREATE TABLE IF NOT EXISTS guardian_link (
		id TEXT PRIMARY KEY,
		guardian_id TEXT NOT NULL,
		ward_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (guardian_id, ward_id),
		FOREIGN KEY (guardian_id) REFERENCES account(id),
		FOREIGN KEY (ward_id) REFERENCES account(id)
	);

	CREATE TABLE IF NOT EXISTS travel_session (
		id TEXT PRIMARY KEY,
		ward_id TEXT NOT NULL,
		destination TEXT NOT NULL,
		dest_lat REAL,
		dest_lng REAL,
		started_at TEXT NOT NULL,
		expected_arrival TEXT NOT NULL,
		status TEXT NOT NULL,
		delay_acknowledged INTEGER NOT NULL DEFAULT 0,
		night_mode INTEGER NOT NULL DEFAULT 0,
		late_prompt_shown INTEGER NOT NULL DEFAULT 0,
		mid_journey_shown INTEGER NOT NULL DEFAULT 0,
		ended_at TEXT,
		arrived_safely INTEGER NOT NULL DEFAULT 0
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_travel_session_active
		ON travel_session(ward_id) WHERE status = 'active';

	CREATE TABLE IF NOT EXISTS travel_history (
		session_id TEXT PRIMARY KEY,
		ward_id TEXT NOT NULL,
		destination TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		expected_arrival TEXT NOT NULL,
		ended_at TEXT NOT NULL,
		delayed INTEGER NOT NULL DEFAULT 0,
		arrived_safely INTEGER NOT NULL DEFAULT 0,
		night_mode INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_travel_history_ward
		ON travel_history(ward_id, ended_at);

	CREATE TABLE IF NOT EXISTS sos_episode (
		id TEXT PRIMARY KEY,
		ward_id TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL,
		started_at TEXT NOT NULL,
		lat REAL,
		lng REAL,
		audio_ref TEXT NOT NULL DEFAULT '',
		dispatched_at TEXT,
		resolved_at TEXT,
		resolved_by TEXT NOT NULL DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sos_episode_open
		ON sos_episode(ward_id) WHERE resolved_at IS NULL;

	CREATE TABLE IF NOT EXISTS telemetry (
		ward_id TEXT PRIMARY KEY,
		battery INTEGER NOT NULL,
		area_risk INTEGER NOT NULL,
		lat REAL,
		lng REAL,
		reported_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS outbox (
		id TEXT PRIMARY KEY,
		action_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		last_attempted_at TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status);
`
