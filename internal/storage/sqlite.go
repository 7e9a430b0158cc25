package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const kvSchemaSQL = `
CREATE TABLE IF NOT EXISTS tl_kv (
  bucket TEXT NOT NULL,
  key TEXT NOT NULL,
  value TEXT NOT NULL,                 -- JSON encoded record
  updated_at INTEGER NOT NULL,         -- unix ms
  PRIMARY KEY (bucket, key)
);
`

// SQLite is the small-object store. Values are stored as JSON.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	if _, err := conn.Exec(kvSchemaSQL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("init kv schema: %w", err)
	}
	return &SQLite{db: conn}, nil
}

func (s *SQLite) Get(ctx context.Context, bucket, key string, dst any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM tl_kv WHERE bucket = ? AND key = ?`, bucket, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv get %s/%s: %w", bucket, key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("kv decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (s *SQLite) Put(ctx context.Context, bucket, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv encode %s/%s: %w", bucket, key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tl_kv (bucket, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, bucket, key, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("kv put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, bucket, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tl_kv WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("kv delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *SQLite) Keys(ctx context.Context, bucket string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM tl_kv WHERE bucket = ? ORDER BY key`, bucket)
	if err != nil {
		return nil, fmt.Errorf("kv keys %s: %w", bucket, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
