package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/af-corp/switchboard/internal/types"
)

// PostgresStore keeps state in the gateway's Postgres database. The schema
// is applied by cmd/migrate.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	rec := Record{Key: key}
	err := s.db.QueryRow(ctx,
		`SELECT version, value, updated_at FROM router_state WHERE key = $1`, key,
	).Scan(&rec.Version, &rec.Value, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query router_state: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, value []byte) (int64, error) {
	var version int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO router_state (key, version, value, updated_at)
		VALUES ($1, 1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET
			version = router_state.version + 1,
			value = EXCLUDED.value,
			updated_at = NOW()
		RETURNING version
	`, key, value).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("upsert router_state: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) AppendAttempt(ctx context.Context, a types.Attempt) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO attempts (request_id, key_id, provider_id, model, upstream_model, sequence,
			stream, outcome, status_code, error, duration_ms, prompt_tokens, completion_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, a.RequestID, a.KeyID, a.ProviderID, a.Model, a.UpstreamModel, a.Sequence,
		a.Stream, a.Outcome, a.StatusCode, a.Error, a.DurationMs, a.PromptTokens, a.CompletionTokens,
		a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) PruneAttempts(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM attempts WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close is a no-op: the pool is shared with the key store and closed by its owner.
func (s *PostgresStore) Close() error { return nil }
