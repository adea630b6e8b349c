package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/af-corp/switchboard/internal/config"
)

const redisCacheTTL = 5 * time.Minute
const redisKeyPrefix = "switchboard:key:"

// KeyStore looks up API key metadata by hash.
type KeyStore interface {
	Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error)
}

// CachedKeyStore implements KeyStore with PostgreSQL + Redis cache.
type CachedKeyStore struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewCachedKeyStore(db *pgxpool.Pool, rdb *redis.Client) *CachedKeyStore {
	return &CachedKeyStore{db: db, redis: rdb}
}

func (s *CachedKeyStore) Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error) {
	if s.redis != nil {
		cached, err := s.redis.Get(ctx, redisKeyPrefix+keyHash).Bytes()
		if err == nil {
			var meta KeyMetadata
			if err := json.Unmarshal(cached, &meta); err == nil {
				return &meta, nil
			}
		}
	}

	meta, err := s.lookupDB(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	if s.redis != nil {
		data, err := json.Marshal(meta)
		if err == nil {
			s.redis.Set(ctx, redisKeyPrefix+keyHash, data, redisCacheTTL)
		}
	}

	return meta, nil
}

func (s *CachedKeyStore) lookupDB(ctx context.Context, keyHash string) (*KeyMetadata, error) {
	var meta KeyMetadata
	var allowedModelsJSON, allowedGroupsJSON, paramsJSON []byte
	var systemPrompt *string

	err := s.db.QueryRow(ctx, `
		SELECT id, name, allowed_models, allowed_groups, use_polling, params,
		       system_prompt, rpm_limit, expires_at
		FROM api_keys
		WHERE key_hash = $1
		  AND status = 'active'
		  AND expires_at > NOW()
	`, keyHash).Scan(
		&meta.ID,
		&meta.Name,
		&allowedModelsJSON,
		&allowedGroupsJSON,
		&meta.UsePolling,
		&paramsJSON,
		&systemPrompt,
		&meta.RPMLimit,
		&meta.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query api_keys: %w", err)
	}

	if systemPrompt != nil {
		meta.SystemPrompt = *systemPrompt
	}
	if len(allowedModelsJSON) > 0 {
		if err := json.Unmarshal(allowedModelsJSON, &meta.AllowedModels); err != nil {
			return nil, fmt.Errorf("decode allowed_models: %w", err)
		}
	}
	if len(allowedGroupsJSON) > 0 {
		if err := json.Unmarshal(allowedGroupsJSON, &meta.AllowedGroups); err != nil {
			return nil, fmt.Errorf("decode allowed_groups: %w", err)
		}
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &meta.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.db.Exec(bgCtx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, meta.ID)
	}()

	return &meta, nil
}

// StaticKeyStore serves keys declared in keys.yaml. Replace swaps the set on reload.
type StaticKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*KeyMetadata
}

// NewStaticKeyStore builds a store from configured key entries.
func NewStaticKeyStore(entries []config.KeyEntry) *StaticKeyStore {
	s := &StaticKeyStore{}
	s.Replace(entries)
	return s
}

// Replace installs a new key set. Entries without a usable key or hash are skipped.
func (s *StaticKeyStore) Replace(entries []config.KeyEntry) {
	keys := make(map[string]*KeyMetadata, len(entries))
	for _, e := range entries {
		hash := e.KeyHash
		if hash == "" && e.Key != "" {
			hash = HashKey(e.Key)
		}
		if hash == "" {
			slog.Warn("skipping static key without key or key_hash", "id", e.ID)
			continue
		}

		params := make(map[string]json.RawMessage, len(e.Params))
		for name, v := range e.Params {
			raw, err := json.Marshal(v)
			if err != nil {
				slog.Warn("skipping unencodable key param", "id", e.ID, "param", name, "error", err)
				continue
			}
			params[name] = raw
		}

		keys[hash] = &KeyMetadata{
			ID:            e.ID,
			Name:          e.Name,
			AllowedModels: e.AllowedModels,
			AllowedGroups: e.AllowedGroups,
			UsePolling:    e.UsePolling,
			Params:        params,
			SystemPrompt:  e.SystemPrompt,
			RPMLimit:      e.RPMLimit,
		}
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
}

func (s *StaticKeyStore) Lookup(_ context.Context, keyHash string) (*KeyMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[keyHash], nil
}

// ChainKeyStore consults each store in order and returns the first hit.
type ChainKeyStore []KeyStore

func (c ChainKeyStore) Lookup(ctx context.Context, keyHash string) (*KeyMetadata, error) {
	for _, s := range c {
		meta, err := s.Lookup(ctx, keyHash)
		if err != nil {
			return nil, err
		}
		if meta != nil {
			return meta, nil
		}
	}
	return nil, nil
}
