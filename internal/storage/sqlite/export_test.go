package sqlite

import "database/sql"

// DB exposes the internal *sql.DB for test helpers in sqlite_test.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetCommitHook replaces transaction commit.
func (s *Store) SetCommitHook(fn func(tx *sql.Tx) error) {
	s.hooks.commit = fn
}

// SetOpenDB swaps the driver open function and returns a restore func.
func SetOpenDB(fn func(driver, dsn string) (*sql.DB, error)) func() {
	prev := openDB
	openDB = fn
	return func() { openDB = prev }
}
