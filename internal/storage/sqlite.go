package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

const callIDKey = "last_call_id"

// DB wraps a SQLite database holding the resume state.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the database in the given directory.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	path := filepath.Join(dir, "callkit.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS resume_state (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create resume table: %w", err)
	}
	return &DB{db: db, path: path}, nil
}

func (d *DB) Load(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var id string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM resume_state WHERE key = ?`, callIDKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load call id: %w", err)
	}
	return id, nil
}

func (d *DB) Save(ctx context.Context, callID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO resume_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		callIDKey, callID,
	)
	if err != nil {
		return fmt.Errorf("save call id: %w", err)
	}
	return nil
}

func (d *DB) Clear(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.ExecContext(ctx, `DELETE FROM resume_state WHERE key = ?`, callIDKey); err != nil {
		return fmt.Errorf("clear call id: %w", err)
	}
	return nil
}

func (d *DB) Close() error {
	return d.db.Close()
}
