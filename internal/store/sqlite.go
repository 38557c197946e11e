package store

import (
	"context"
	"database/sql"
	"errors"

	_ "github.com/glebarez/go-sqlite"
)

var sqliteSchema = []string{
	"CREATE TABLE IF NOT EXISTS versions (name TEXT PRIMARY KEY, created INTEGER NOT NULL, installed INTEGER NOT NULL DEFAULT 0)",
	"CREATE TABLE IF NOT EXISTS entries (version TEXT NOT NULL, key TEXT NOT NULL, bytes BLOB NOT NULL, PRIMARY KEY (version, key))",
}

type sqliteBackend struct {
	db *sql.DB
}

// OpenSQLite opens a store in the SQLite database dsn. Use "memory" for a
// shared in-memory database.
func OpenSQLite(dsn string, opts Options) (*Manager, error) {
	if dsn == "" {
		dsn = "offline0.db"
	}
	if dsn == "memory" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer at a time, sqlite would report SQLITE_BUSY otherwise
	db.SetMaxOpenConns(1)
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return newManager(&sqliteBackend{db: db}, opts)
}

func (s *sqliteBackend) addVersion(ctx context.Context, rec versionRecord) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO versions (name, created) VALUES (?, ?)", rec.Name, rec.CreatedAt)
	return err
}

func (s *sqliteBackend) markInstalled(ctx context.Context, version string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE versions SET installed = 1 WHERE name = ?", version)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUnknownVersion
	}
	return nil
}

func (s *sqliteBackend) hasVersion(ctx context.Context, version string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM versions WHERE name = ?", version).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqliteBackend) versions(ctx context.Context) ([]versionRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, created, installed FROM versions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []versionRecord
	for rows.Next() {
		var rec versionRecord
		if err := rows.Scan(&rec.Name, &rec.CreatedAt, &rec.Installed); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteBackend) get(ctx context.Context, version, key string) ([]byte, bool, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, "SELECT bytes FROM entries WHERE version = ? AND key = ?", version, key).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *sqliteBackend) put(ctx context.Context, version, key string, b []byte) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO entries (version, key, bytes) VALUES (?, ?, ?)", version, key, b)
	return err
}

func (s *sqliteBackend) keys(ctx context.Context, version string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM entries WHERE version = ?", version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *sqliteBackend) dropVersion(ctx context.Context, version string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE version = ?", version); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM versions WHERE name = ?", version); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteBackend) orphans(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT version FROM entries WHERE version NOT IN (SELECT name FROM versions)")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *sqliteBackend) close() error {
	return s.db.Close()
}
