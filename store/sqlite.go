package store

import (
	"database/sql"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStorage keeps all named stores in a single sqlite database.
// Entries are keyed by (store, key), so per-key writes are atomic.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage creates a new storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) *SQLiteStorage {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS stores (
		name TEXT PRIMARY KEY
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		store TEXT,
		key TEXT,
		value BLOB,
		PRIMARY KEY (store, key)
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s *SQLiteStorage) Open(name string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO stores (name) VALUES (?)", name)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	// one transaction: a store must never vanish while its entries survive
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	result, err := tx.Exec("DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		tx.Rollback()
		return false, err
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE store = ?", name); err != nil {
		tx.Rollback()
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

type sqliteStore struct {
	storage *SQLiteStorage
	name    string
}

func (s *sqliteStore) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.storage.db.QueryRow(
		"SELECT value FROM entries WHERE store = ? AND key = ?",
		s.name, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *sqliteStore) Put(key string, value []byte) error {
	s.storage.writeMutex.Lock()
	defer s.storage.writeMutex.Unlock()
	_, err := s.storage.db.Exec(
		"INSERT OR REPLACE INTO entries (store, key, value) VALUES (?, ?, ?)",
		s.name, key, value,
	)
	return err
}

func (s *sqliteStore) Delete(key string) error {
	s.storage.writeMutex.Lock()
	defer s.storage.writeMutex.Unlock()
	_, err := s.storage.db.Exec(
		"DELETE FROM entries WHERE store = ? AND key = ?",
		s.name, key,
	)
	return err
}

func (s *sqliteStore) Keys(prefix string) ([]string, error) {
	rows, err := s.storage.db.Query(
		"SELECT key FROM entries WHERE store = ? AND key LIKE ? ORDER BY key",
		s.name, prefix+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
