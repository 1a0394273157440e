package kv

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

// SQLite is a Store backed by a single SQLite table.
type SQLite struct {
	db   *sql.DB
	Path string
}

// DefaultSQLitePath returns ~/.memgraph/memgraph.db.
func DefaultSQLitePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".memgraph", "memgraph.db"), nil
}

// OpenSQLite opens (or creates) the database at path, configures pragmas,
// and runs migrations.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return initSQLite(sqlDB, path)
}

// OpenSQLiteMemory opens an in-memory database for testing.
func OpenSQLiteMemory() (*SQLite, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	return initSQLite(sqlDB, ":memory:")
}

func initSQLite(sqlDB *sql.DB, path string) (*SQLite, error) {
	s := &SQLite{db: sqlDB, Path: path}
	if err := s.configurePragmas(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

// Ping checks the connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

const upsertSQL = `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.db.ExecContext(ctx, upsertSQL, key, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

type kvRow struct {
	key   string
	value []byte
}

// Scan reads all matching rows before calling fn, so fn may write.
func (s *SQLite) Scan(ctx context.Context, prefix string, fn func(string, []byte) error) error {
	var (
		rows *sql.Rows
		err  error
	)
	if end := prefixEnd(prefix); end != "" {
		rows, err = s.db.QueryContext(ctx,
			"SELECT key, value FROM kv WHERE key >= ? AND key < ? ORDER BY key", prefix, end)
	} else {
		rows, err = s.db.QueryContext(ctx,
			"SELECT key, value FROM kv WHERE key >= ? ORDER BY key", prefix)
	}
	if err != nil {
		return fmt.Errorf("scan %q: %w", prefix, err)
	}

	var out []kvRow
	for rows.Next() {
		var r kvRow
		if err := rows.Scan(&r.key, &r.value); err != nil {
			rows.Close()
			return fmt.Errorf("scan row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, r := range out {
		if err := fn(r.key, r.value); err != nil {
			return err
		}
	}
	return nil
}

// Apply writes the batch in one transaction.
func (s *SQLite) Apply(ctx context.Context, puts map[string][]byte, deletes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	now := time.Now().UnixMilli()
	for k, v := range puts {
		if _, err := tx.ExecContext(ctx, upsertSQL, k, v, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("batch put %s: %w", k, err)
		}
	}
	for _, k := range deletes {
		if _, err := tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", k); err != nil {
			tx.Rollback()
			return fmt.Errorf("batch delete %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }
