// Package store implements the hub's durable key-value tables.
//
// Each table is a single SQLite file holding one kv relation. Writes commit
// with synchronous=FULL, so Put returns only after the change has been
// fsynced; a crash after Put cannot lose the write. The store does not
// arbitrate concurrent writers - the task queue and auth registry each wrap
// their table in their own lock.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/agentcom/agentcom/internal/common/logger"
)

var (
	// ErrNotFound is returned by Get when the key has no record.
	ErrNotFound = errors.New("key not found")
	// ErrCorrupt is returned when a table fails integrity checks and the
	// repair pass cannot recover it. Startup must treat this as fatal.
	ErrCorrupt = errors.New("table is corrupt and could not be repaired")
)

// Store opens tables under a shared data directory.
type Store struct {
	dir    string
	logger *logger.Logger
}

// Open prepares the data directory. Tables are opened lazily via Table.
func Open(dataDir string, log *logger.Logger) (*Store, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Store{dir: abs, logger: log.WithFields(zap.String("component", "store"))}, nil
}

// Dir returns the resolved data directory.
func (s *Store) Dir() string { return s.dir }

// Table opens (or creates) the named table. A corrupt file triggers an
// in-place repair pass before the open fails.
func (s *Store) Table(name string) (*Table, error) {
	path := filepath.Join(s.dir, name+".db")
	t, err := openTable(name, path, s.logger)
	if err != nil {
		return nil, fmt.Errorf("open table %s: %w", name, err)
	}
	return t, nil
}

// Table is a single durable key-value table.
type Table struct {
	name   string
	path   string
	db     *sqlx.DB
	logger *logger.Logger
}

func tableDSN(path string) string {
	// synchronous=FULL makes every commit durable before it returns.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000", path)
}

func openTable(name, path string, log *logger.Logger) (*Table, error) {
	db, err := sqlx.Open("sqlite3", tableDSN(path))
	if err != nil {
		return nil, err
	}
	// SQLite supports one writer; a second connection would only contend.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	t := &Table{name: name, path: path, db: db, logger: log.WithFields(zap.String("table", name))}

	healthy, err := t.integrityOK()
	if err != nil || !healthy {
		t.logger.Warn("table failed integrity check, attempting repair", zap.Error(err))
		if repairErr := t.repair(); repairErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, repairErr)
		}
	}

	if _, err := t.db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return t, nil
}

func (t *Table) integrityOK() (bool, error) {
	var result string
	if err := t.db.Get(&result, "PRAGMA integrity_check"); err != nil {
		return false, err
	}
	return result == "ok", nil
}

// repair rebuilds the table file from whatever pages SQLite can still read,
// then swaps the rebuilt copy into place. The damaged original is kept with
// a .corrupt suffix for inspection.
func (t *Table) repair() error {
	recoverPath := t.path + ".recover"
	_ = os.Remove(recoverPath)

	if _, err := t.db.Exec("VACUUM INTO ?", recoverPath); err != nil {
		return fmt.Errorf("vacuum into recovery copy: %w", err)
	}
	if err := t.db.Close(); err != nil {
		return err
	}
	if err := os.Rename(t.path, t.path+".corrupt"); err != nil {
		return err
	}
	if err := os.Rename(recoverPath, t.path); err != nil {
		return err
	}

	db, err := sqlx.Open("sqlite3", tableDSN(t.path))
	if err != nil {
		return err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.db = db

	healthy, err := t.integrityOK()
	if err != nil {
		return err
	}
	if !healthy {
		return errors.New("integrity check still failing after rebuild")
	}
	t.logger.Info("table repaired", zap.String("path", t.path))
	return nil
}

// Put writes a record. The write is durable when Put returns.
func (t *Table) Put(key string, value []byte) error {
	if _, err := t.db.Exec(
		"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	); err != nil {
		return fmt.Errorf("put %s/%s: %w", t.name, key, err)
	}
	return nil
}

// Get returns the value for key, or ErrNotFound.
func (t *Table) Get(key string) ([]byte, error) {
	var value []byte
	err := t.db.Get(&value, "SELECT value FROM kv WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", t.name, key, err)
	}
	return value, nil
}

// Delete removes a record. Deleting a missing key is not an error.
func (t *Table) Delete(key string) error {
	if _, err := t.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", t.name, key, err)
	}
	return nil
}

// Scan calls fn for every record. Iteration order is unspecified.
// Returning an error from fn stops the scan.
func (t *Table) Scan(fn func(key string, value []byte) error) error {
	rows, err := t.db.Query("SELECT key, value FROM kv")
	if err != nil {
		return fmt.Errorf("scan %s: %w", t.name, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count returns the number of records.
func (t *Table) Count() (int, error) {
	var n int
	if err := t.db.Get(&n, "SELECT COUNT(*) FROM kv"); err != nil {
		return 0, fmt.Errorf("count %s: %w", t.name, err)
	}
	return n, nil
}

// Compact rewrites the file, reclaiming space from deleted records.
// Callers must hold no open iterators.
func (t *Table) Compact() error {
	if _, err := t.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("compact %s: %w", t.name, err)
	}
	return nil
}

// Close flushes and closes the table.
func (t *Table) Close() error {
	return t.db.Close()
}
