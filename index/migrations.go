package index

import (
	"database/sql"
	"fmt"
)

// Migration is one forward-only schema change, applied in Version
// order inside its own transaction. Modeled on the migration runner
// jefflaplante-conduit's internal/database package uses for its own
// schema.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// GetMigrations returns the ordered list of schema migrations that
// build the index's tables, per spec §4.4.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "initial_schema",
			SQL: `
CREATE TABLE directory (
	id        INTEGER PRIMARY KEY,
	parent_id INTEGER REFERENCES directory(id),
	name      TEXT NOT NULL,
	UNIQUE(parent_id, name)
);

INSERT INTO directory (id, parent_id, name) VALUES (1, NULL, '.');

CREATE TABLE file (
	id           INTEGER PRIMARY KEY,
	directory_id INTEGER NOT NULL REFERENCES directory(id),
	name         TEXT NOT NULL,
	UNIQUE(directory_id, name)
);

CREATE TABLE block (
	id   INTEGER PRIMARY KEY,
	hash TEXT NOT NULL UNIQUE,
	size INTEGER NOT NULL
);

CREATE TABLE alias (
	id           INTEGER PRIMARY KEY,
	file_id      INTEGER NOT NULL REFERENCES file(id),
	timestamp_ms INTEGER NOT NULL,
	is_null      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX idx_alias_file_timestamp ON alias(file_id, timestamp_ms);

CREATE TABLE alias_block (
	alias_id INTEGER NOT NULL REFERENCES alias(id),
	ordinal  INTEGER NOT NULL,
	block_id INTEGER NOT NULL REFERENCES block(id),
	PRIMARY KEY (alias_id, ordinal)
);
CREATE INDEX idx_alias_block_block ON alias_block(block_id);

CREATE TABLE setting (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`,
		},
	}
}

func ensureMigrationsTable(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, name TEXT NOT NULL)`)
	return err
}

func getCurrentVersion(db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func runMigration(db *sql.DB, m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
		return err
	}
	return tx.Commit()
}

// RunMigrations applies every pending migration in order, each in its
// own transaction.
func RunMigrations(db *sql.DB) error {
	if err := ensureMigrationsTable(db); err != nil {
		return err
	}
	current, err := getCurrentVersion(db)
	if err != nil {
		return err
	}

	for _, m := range GetMigrations() {
		if m.Version <= current {
			continue
		}
		if err := runMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

// ConfigureDatabase sets connection limits and pragmas suited to a
// single-writer embedded database, mirroring jefflaplante-conduit's
// internal/database.ConfigureDatabase, then runs migrations.
func ConfigureDatabase(db *sql.DB) error {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}

	return RunMigrations(db)
}
