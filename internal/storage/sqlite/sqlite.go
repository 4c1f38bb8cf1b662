// Package sqlite implements every persistence port on a single SQLite
// database, so that a `bbmcp serve` process and any number of
// `bbmcp worker` processes can share projects, locks and jobs.
//
// Compare-and-swap operations are conditional UPDATE/DELETE statements
// whose affected-row count decides the outcome; tree commits run in one
// transaction.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// dbFile is the database file name inside Config.DataDir.
const dbFile = "bbmcp.db"

// Config holds the storage location.
type Config struct {
	DataDir string
}

// DefaultConfig returns a Config rooted at ~/.bbmcp.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{DataDir: filepath.Join(home, ".bbmcp")}
}

// Store owns the database handle and exposes one repository per port.
type Store struct {
	db    *sql.DB
	cfg   Config
	hooks storeHooks

	Projects   *ProjectStore
	Locks      *LockStore
	Jobs       *JobStore
	Workspaces *WorkspaceStore
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type storeHooks struct {
	exec    func(ctx context.Context, db execer, query string, args ...any) (sql.Result, error)
	query   func(ctx context.Context, db queryer, query string, args ...any) (*sql.Rows, error)
	beginTx func(ctx context.Context, db *sql.DB) (*sql.Tx, error)
	commit  func(tx *sql.Tx) error
}

func (s *Store) execHook(ctx context.Context, db execer, query string, args ...any) (sql.Result, error) {
	if s.hooks.exec != nil {
		return s.hooks.exec(ctx, db, query, args...)
	}
	return db.ExecContext(ctx, query, args...)
}

func (s *Store) queryHook(ctx context.Context, db queryer, query string, args ...any) (*sql.Rows, error) {
	if s.hooks.query != nil {
		return s.hooks.query(ctx, db, query, args...)
	}
	return db.QueryContext(ctx, query, args...)
}

func (s *Store) beginTxHook(ctx context.Context) (*sql.Tx, error) {
	if s.hooks.beginTx != nil {
		return s.hooks.beginTx(ctx, s.db)
	}
	return s.db.BeginTx(ctx, nil)
}

func (s *Store) commitHook(tx *sql.Tx) error {
	if s.hooks.commit != nil {
		return s.hooks.commit(tx)
	}
	return tx.Commit()
}

// New opens (creating if needed) the database under cfg.DataDir, applies
// pragmas and runs pending migrations.
func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("sqlite: create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, dbFile)
	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// One connection per process: transactions never wait on a sibling
	// connection of the same pool, and other processes queue on busy_timeout.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: pragma %q: %w", p, err)
		}
	}

	if err := applyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migration: %w", err)
	}

	s := &Store{db: db, cfg: cfg}
	s.Projects = &ProjectStore{s: s}
	s.Locks = &LockStore{s: s}
	s.Jobs = &JobStore{s: s}
	s.Workspaces = &WorkspaceStore{s: s}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn inside a transaction and commits it when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.beginTxHook(ctx)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := s.commitHook(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Times are stored as unix milliseconds in UTC.

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullRaw(raw []byte) sql.NullString {
	if raw == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func fromNullRaw(v sql.NullString) []byte {
	if !v.Valid {
		return nil
	}
	return []byte(v.String)
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return n, nil
}
