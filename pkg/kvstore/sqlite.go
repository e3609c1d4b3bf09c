package kvstore

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - no schema
// 1 - single entries table keyed by (map_name, key)
const currentSchemaVersion = 1

// SQLite is a Container stored in one SQLite database file.
// The database runs in WAL mode so readers never block the single writer.
type SQLite struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// OpenSQLite creates or opens the container at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to connect to database: %w", classify(err))
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Map implements Container.
func (s *SQLite) Map(name string) (Map, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	return &sqliteMap{owner: s, name: name}, nil
}

// Flush checkpoints the write-ahead log into the main database file.
func (s *SQLite) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint wal: %w", classify(err))
	}

	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

func (s *SQLite) conn() (*sql.DB, func(), error) {
	s.mu.RLock()

	if s.closed {
		s.mu.RUnlock()

		return nil, nil, ErrClosed
	}

	return s.db, s.mu.RUnlock, nil
}

type sqliteMap struct {
	owner *SQLite
	name  string
}

func (m *sqliteMap) Get(key string) ([]byte, bool, error) {
	db, release, err := m.owner.conn()
	if err != nil {
		return nil, false, err
	}
	defer release()

	var value []byte

	err = db.QueryRow(`SELECT value FROM entries WHERE map_name = ? AND key = ?`, m.name, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", m.name, key, classify(err))
	}

	return value, true, nil
}

func (m *sqliteMap) Put(key string, value []byte) error {
	return m.Apply(Batch{Puts: map[string][]byte{key: value}})
}

func (m *sqliteMap) Delete(key string) error {
	return m.Apply(Batch{Deletes: []string{key}})
}

func (m *sqliteMap) Keys() ([]string, error) {
	db, release, err := m.owner.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.Query(`SELECT key FROM entries WHERE map_name = ? ORDER BY key ASC`, m.name)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", m.name, classify(err))
	}
	defer rows.Close()

	var keys []string

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan %s key: %w", m.name, classify(err))
		}

		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", m.name, classify(err))
	}

	return keys, nil
}

func (m *sqliteMap) Clear() error {
	db, release, err := m.owner.conn()
	if err != nil {
		return err
	}
	defer release()

	if _, err := db.Exec(`DELETE FROM entries WHERE map_name = ?`, m.name); err != nil {
		return fmt.Errorf("clear %s: %w", m.name, classify(err))
	}

	return nil
}

func (m *sqliteMap) Apply(batch Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	db, release, err := m.owner.conn()
	if err != nil {
		return err
	}
	defer release()

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin %s batch: %w", m.name, classify(err))
	}

	if err := applyBatch(tx, m.name, batch); err != nil {
		_ = tx.Rollback()

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s batch: %w", m.name, classify(err))
	}

	return nil
}

func applyBatch(tx *sql.Tx, name string, batch Batch) error {
	for key, value := range batch.Puts {
		_, err := tx.Exec(`INSERT INTO entries (map_name, key, value) VALUES (?, ?, ?)
			ON CONFLICT (map_name, key) DO UPDATE SET value = excluded.value`, name, key, value)
		if err != nil {
			return fmt.Errorf("put %s/%s: %w", name, key, classify(err))
		}
	}

	for _, key := range batch.Deletes {
		if _, err := tx.Exec(`DELETE FROM entries WHERE map_name = ? AND key = ?`, name, key); err != nil {
			return fmt.Errorf("delete %s/%s: %w", name, key, classify(err))
		}
	}

	return nil
}

// classify tags SQLite corruption codes with ErrCorrupted.
func classify(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
	}

	return err
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, classify(err))
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", classify(err))
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("%w: schema version %d is newer than %d", ErrCorrupted, version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", classify(err))
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", classify(err))
	}

	return nil
}
