package localstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	_ "modernc.org/sqlite"
)

// DBFile is the database file name created inside the data directory.
const DBFile = "fieldsync.db"

// SQLiteStore is a Store backed by a single-writer SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	quota int64
}

// Open opens (creating if needed) the store under dataDir.
// The database is opened with WAL mode and a busy timeout, and migrated to the latest schema.
// A quota of 0 means unlimited.
func Open(dataDir string, quota int64) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// modernc.org/sqlite is pure Go, no CGO
	db, err := sql.Open("sqlite", filepath.Join(dataDir, DBFile))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to open database", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to configure database", err)
		}
	}

	migrator := NewMigrator(db)
	if err := migrator.Initialize(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "failed to initialize migrations", err)
	}
	if err := migrator.Up(); err != nil {
		db.Close()
		return nil, apperrors.Wrap(apperrors.ErrMigration, "failed to migrate", err)
	}

	return &SQLiteStore{db: db, quota: quota}, nil
}

// GetItem implements Store.
func (s *SQLiteStore) GetItem(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv_items WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Wrap(apperrors.ErrDatabase, "failed to read item", err)
	}
	return value, true, nil
}

// SetItem implements Store. The quota check and write happen in one transaction.
func (s *SQLiteStore) SetItem(key, value string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	size := itemSize(key, value)
	if s.quota > 0 {
		var others int64
		if err := tx.QueryRow("SELECT COALESCE(SUM(size), 0) FROM kv_items WHERE key <> ?", key).Scan(&others); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to compute usage", err)
		}
		if others+size > s.quota {
			return quotaError(key, others+size, s.quota)
		}
	}

	if _, err := tx.Exec(`INSERT INTO kv_items (key, value, size, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, size = excluded.size, updated_at = excluded.updated_at`,
		key, value, size, time.Now().UnixMilli()); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to write item", err)
	}
	return tx.Commit()
}

// RemoveItem implements Store.
func (s *SQLiteStore) RemoveItem(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv_items WHERE key = ?", key); err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to remove item", err)
	}
	return nil
}

// Used returns the accounted bytes in use.
func (s *SQLiteStore) Used() (int64, error) {
	var used int64
	err := s.db.QueryRow("SELECT COALESCE(SUM(size), 0) FROM kv_items").Scan(&used)
	return used, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
