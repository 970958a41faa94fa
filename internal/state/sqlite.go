package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// SQLiteStore keeps the watermark in a single-row table.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(path, 0o600)

	return &SQLiteStore{db: db}, nil
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := userVersion(db)
	if err != nil {
		return err
	}

	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS watermark (
		  id         INTEGER PRIMARY KEY CHECK (id = 1),
		  value      TEXT NOT NULL,
		  updated_at INTEGER NOT NULL
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if _, err := db.Exec("PRAGMA user_version=1"); err != nil {
			return fmt.Errorf("failed to set user_version: %w", err)
		}
	}

	return nil
}

func userVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context) (Watermark, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM watermark WHERE id = 1").Scan(&value)
	if err == sql.ErrNoRows {
		return Watermark{}, nil
	}
	if err != nil {
		return Watermark{}, fmt.Errorf("failed to read watermark: %w", err)
	}
	return Parse(value)
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, w Watermark) error {
	if w.IsZero() {
		return fmt.Errorf("refusing to save an empty watermark")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO watermark (id, value, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		format(w.Time), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write watermark: %w", err)
	}
	return nil
}

// Reset implements Store.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM watermark"); err != nil {
		return fmt.Errorf("failed to reset watermark: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
