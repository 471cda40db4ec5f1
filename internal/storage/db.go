// Package storage persists plugin key/value data and security alerts in a
// single SQLite database.
package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"trustgate/internal/domain"
	"trustgate/internal/security"
)

// DB wraps the SQLite handle shared by the KV and alert stores.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
// ":memory:" is accepted for tests.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrStorage, err)
	}
	// SQLite write safety: single writer. This also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma: %v", domain.ErrStorage, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrStorage, err)
	}
	return &DB{db: db}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS plugin_kv (
			plugin_id  TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			size       INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (plugin_id, key)
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id         TEXT PRIMARY KEY,
			plugin_id  TEXT NOT NULL,
			type       TEXT NOT NULL,
			severity   INTEGER NOT NULL,
			message    TEXT NOT NULL,
			context    TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			resolved   INTEGER NOT NULL DEFAULT 0,
			resolution TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS alerts_plugin ON alerts(plugin_id, created_at);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (d *DB) Close() error { return d.db.Close() }

const saltKey = "kv_salt"

// Salt returns the database's encryption salt, creating it on first use so
// that a passphrase derives the same key across restarts.
func (d *DB) Salt(ctx context.Context) ([]byte, error) {
	var stored string
	err := d.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", saltKey).Scan(&stored)
	switch {
	case err == nil:
		return hex.DecodeString(stored)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: read salt: %v", domain.ErrStorage, err)
	}

	salt, err := security.NewSalt()
	if err != nil {
		return nil, err
	}
	if _, err := d.db.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES (?, ?)", saltKey, hex.EncodeToString(salt)); err != nil {
		return nil, fmt.Errorf("%w: write salt: %v", domain.ErrStorage, err)
	}
	return salt, nil
}
