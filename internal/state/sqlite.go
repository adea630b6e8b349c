package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/af-corp/switchboard/internal/types"
)

const sqlitePragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// SQLiteStore is a file-backed store. All writes go through a single
// connection; reads use a separate read-only pool.
type SQLiteStore struct {
	writer    *sql.DB
	reader    *sql.DB
	path      string
	closeOnce sync.Once
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	mdb, err := sql.Open("sqlite", path+sqlitePragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite for migration: %w", err)
	}
	if err := migrateSQLite(mdb); err != nil {
		mdb.Close()
		return nil, err
	}

	writer, err := sql.Open("sqlite", path+sqlitePragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)
	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("ping sqlite writer: %w", err)
	}

	reader, err := sql.Open("sqlite", path+sqlitePragmas+"&_pragma=query_only(ON)")
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	reader.SetMaxIdleConns(4)
	if err := reader.Ping(); err != nil {
		writer.Close()
		reader.Close()
		return nil, fmt.Errorf("ping sqlite reader: %w", err)
	}

	return &SQLiteStore{writer: writer, reader: reader, path: path}, nil
}

func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) Get(ctx context.Context, key string) (*Record, error) {
	rec := Record{Key: key}
	var updated int64
	err := s.reader.QueryRowContext(ctx,
		`SELECT version, value, updated_at FROM router_state WHERE key = ?`, key,
	).Scan(&rec.Version, &rec.Value, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query router_state: %w", err)
	}
	rec.UpdatedAt = time.UnixMilli(updated)
	return &rec, nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) (int64, error) {
	var version int64
	err := s.writer.QueryRowContext(ctx, `
		INSERT INTO router_state (key, version, value, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			version = router_state.version + 1,
			value = excluded.value,
			updated_at = excluded.updated_at
		RETURNING version
	`, key, value, time.Now().UnixMilli()).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("upsert router_state: %w", err)
	}
	return version, nil
}

func (s *SQLiteStore) AppendAttempt(ctx context.Context, a types.Attempt) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO attempts (request_id, key_id, provider_id, model, upstream_model, sequence,
			stream, outcome, status_code, error, duration_ms, prompt_tokens, completion_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.RequestID, a.KeyID, a.ProviderID, a.Model, a.UpstreamModel, a.Sequence,
		a.Stream, a.Outcome, a.StatusCode, a.Error, a.DurationMs, a.PromptTokens, a.CompletionTokens,
		a.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PruneAttempts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.writer.ExecContext(ctx, `DELETE FROM attempts WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune attempts rows affected: %w", err)
	}
	return n, nil
}

// CountAttempts returns the number of logged attempts.
func (s *SQLiteStore) CountAttempts(ctx context.Context) (int64, error) {
	var n int64
	if err := s.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM attempts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

// Close is safe to call more than once.
func (s *SQLiteStore) Close() error {
	var firstErr error
	s.closeOnce.Do(func() {
		if err := s.writer.Close(); err != nil {
			firstErr = err
		}
		if err := s.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	return firstErr
}
