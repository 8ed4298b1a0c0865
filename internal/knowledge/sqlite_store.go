package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS knowledge_records (
	local_id     TEXT PRIMARY KEY,
	namespace_id TEXT NOT NULL,
	job_ref      TEXT NOT NULL,
	chunks       TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	UNIQUE(namespace_id, job_ref)
);
CREATE INDEX IF NOT EXISTS idx_knowledge_records_ns ON knowledge_records(namespace_id);
`

// SQLiteStore keeps records in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens or creates the database at path. ":memory:" is allowed.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrStoreDirRequired
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), recordFileDirMode); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create knowledge schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	chunks, err := json.Marshal(rec.Chunks)
	if err != nil {
		return Record{}, fmt.Errorf("marshal chunks: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_records (local_id, namespace_id, job_ref, chunks, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace_id, job_ref) DO UPDATE SET chunks = excluded.chunks`,
		rec.LocalID, rec.NamespaceID, rec.JobRef, string(chunks), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return Record{}, fmt.Errorf("upsert record %s: %w", rec.JobRef, err)
	}

	var localID string
	var created int64
	err = s.db.QueryRowContext(ctx,
		`SELECT local_id, created_at FROM knowledge_records WHERE namespace_id = ? AND job_ref = ?`,
		rec.NamespaceID, rec.JobRef,
	).Scan(&localID, &created)
	if err != nil {
		return Record{}, fmt.Errorf("read back record %s: %w", rec.JobRef, err)
	}
	rec.LocalID = localID
	rec.CreatedAt = time.Unix(0, created).UTC()
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context, namespace string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_id, job_ref, chunks, created_at
		FROM knowledge_records
		WHERE namespace_id = ?
		ORDER BY rowid`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var (
			rec     Record
			chunks  string
			created int64
		)
		if err := rows.Scan(&rec.LocalID, &rec.JobRef, &chunks, &created); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(chunks), &rec.Chunks); err != nil {
			return nil, fmt.Errorf("decode chunks of %s: %w", rec.JobRef, err)
		}
		rec.NamespaceID = namespace
		rec.CreatedAt = time.Unix(0, created).UTC()
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, namespace, localID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM knowledge_records WHERE namespace_id = ? AND local_id = ?`, namespace, localID)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", localID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete record %s: %w", localID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, localID)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context, namespace string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_records WHERE namespace_id = ?`, namespace); err != nil {
		return fmt.Errorf("clear namespace %s: %w", namespace, err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
