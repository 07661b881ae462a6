package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// FileMode is the permission of the ledger database file.
	FileMode = 0600
	// DirMode is the permission of the ledger directory.
	DirMode = 0700

	// MinDiskSpaceBytes is the free space required before a write.
	MinDiskSpaceBytes = 10 * 1024 * 1024
)

// SQLite is a ledger backed by a local SQLite database. A write is
// confirmed once its transaction has committed.
type SQLite struct {
	path string
	db   *sql.DB
	now  func() time.Time
}

// OpenSQLite opens (creating if needed) the ledger database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return nil, fmt.Errorf("ledger: failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to open database: %w", err)
	}

	// Single connection avoids "database is locked" between writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger (
			owner TEXT NOT NULL,
			key TEXT NOT NULL,
			data BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (owner, key)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: failed to create tables: %w", err)
	}

	if err := os.Chmod(path, FileMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: failed to set database permissions: %w", err)
	}

	return &SQLite{path: path, db: db, now: time.Now}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// Get returns the value stored under owner/key.
func (s *SQLite) Get(ctx context.Context, owner, key string) (Entry, error) {
	var data []byte
	var updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT data, updated_at FROM ledger WHERE owner = ? AND key = ?", owner, key,
	).Scan(&data, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return Entry{Data: data, Timestamp: time.UnixMilli(updated)}, nil
}

// List returns the owner's keys in lexical order.
func (s *SQLite) List(ctx context.Context, owner string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM ledger WHERE owner = ? ORDER BY key", owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("ledger: failed to scan row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: error iterating rows: %w", err)
	}
	return keys, nil
}

// Set upserts owner/key inside a transaction.
func (s *SQLite) Set(ctx context.Context, owner, key string, data []byte) (Commit, error) {
	if err := checkDiskSpace(filepath.Dir(s.path), len(data)); err != nil {
		return nil, err
	}
	return s.exec(ctx, `
		INSERT INTO ledger (owner, key, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, key) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, owner, key, data, s.now().UnixMilli())
}

// Delete removes owner/key.
func (s *SQLite) Delete(ctx context.Context, owner, key string) (Commit, error) {
	return s.exec(ctx, "DELETE FROM ledger WHERE owner = ? AND key = ?", owner, key)
}

func (s *SQLite) exec(ctx context.Context, query string, args ...any) (Commit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %v", ErrNetwork, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	// The commit is the durability point, so the confirmation is already known.
	return Done(tx.Commit()), nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// DiskSpaceInfo describes the volume holding the ledger.
type DiskSpaceInfo struct {
	Total     uint64
	Free      uint64
	Available uint64
	UsedPct   int
}

func checkDiskSpace(dir string, requiredBytes int) error {
	info, err := diskSpace(dir)
	if err != nil {
		// Disk stats are advisory; unsupported filesystems should not block writes
		return nil
	}
	required := uint64(MinDiskSpaceBytes + requiredBytes)
	if info.Available < required {
		return fmt.Errorf("%w: %d bytes available, %d required", ErrInsufficientSpace, info.Available, required)
	}
	return nil
}
