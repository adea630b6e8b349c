package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/patrickmn/go-cache"

	"github.com/af-corp/switchboard/internal/types"
)

// SchemaVersion is written into every envelope.
const SchemaVersion = 1

// Envelope wraps a persisted value with its schema version.
type Envelope struct {
	Schema  int             `json:"schema"`
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

// Repository stores JSON values by key on top of a Store. Writes on a key
// are serialized and refresh the read cache once they land, so a Load after
// a completed Save sees the saved value.
type Repository struct {
	store Store
	queue *WriteQueue
	cache *cache.Cache
	now   func() time.Time
}

// NewRepository wraps store with a read cache of the given TTL.
func NewRepository(store Store, ttl time.Duration) *Repository {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Repository{
		store: store,
		queue: NewWriteQueue(),
		cache: cache.New(ttl, ttl*2),
		now:   time.Now,
	}
}

// Save marshals v into an envelope and writes it under key.
func (r *Repository) Save(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	env, err := json.Marshal(Envelope{Schema: SchemaVersion, SavedAt: r.now(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", key, err)
	}

	return r.queue.Do(ctx, key, func() error {
		if _, err := r.store.Put(ctx, key, env); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
		r.cache.Set(key, env, cache.DefaultExpiration)
		return nil
	})
}

// Load decodes the value under key into v. It reports false when the key
// does not exist.
func (r *Repository) Load(ctx context.Context, key string, v any) (bool, error) {
	raw, ok := r.cache.Get(key)
	if !ok {
		rec, err := r.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("load %s: %w", key, err)
		}
		raw = rec.Value
		r.cache.Set(key, rec.Value, cache.DefaultExpiration)
	}

	var env Envelope
	if err := json.Unmarshal(raw.([]byte), &env); err != nil {
		return false, fmt.Errorf("decode %s envelope: %w", key, err)
	}
	if env.Schema != SchemaVersion {
		return false, fmt.Errorf("%s: unsupported schema version %d", key, env.Schema)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (r *Repository) AppendAttempt(ctx context.Context, a types.Attempt) error {
	return r.store.AppendAttempt(ctx, a)
}

func (r *Repository) PruneAttempts(ctx context.Context, before time.Time) (int64, error) {
	return r.store.PruneAttempts(ctx, before)
}

func (r *Repository) Close() error {
	return r.store.Close()
}
