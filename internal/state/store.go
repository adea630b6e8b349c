// Package state persists router state and the attempt log.
package state

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/af-corp/switchboard/internal/types"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("state: key not found")

// Record is one stored value. Version increases by one on every Put.
type Record struct {
	Key       string
	Version   int64
	Value     []byte
	UpdatedAt time.Time
}

// Store is the backend behind Repository.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	// Put replaces the value under key and returns the new version.
	Put(ctx context.Context, key string, value []byte) (int64, error)
	AppendAttempt(ctx context.Context, a types.Attempt) error
	// PruneAttempts deletes attempts created before the cutoff.
	PruneAttempts(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// MemoryStore keeps everything in process memory. State does not survive a restart.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]*Record
	attempts []types.Attempt
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	out.Value = append([]byte(nil), rec.Value...)
	return &out, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		rec = &Record{Key: key}
		s.records[key] = rec
	}
	rec.Version++
	rec.Value = append([]byte(nil), value...)
	rec.UpdatedAt = s.now()
	return rec.Version, nil
}

func (s *MemoryStore) AppendAttempt(_ context.Context, a types.Attempt) error {
	s.mu.Lock()
	s.attempts = append(s.attempts, a)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PruneAttempts(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.attempts[:0]
	var n int64
	for _, a := range s.attempts {
		if a.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	s.attempts = kept
	return n, nil
}

// Attempts returns a copy of the attempt log ordered by creation time.
func (s *MemoryStore) Attempts() []types.Attempt {
	s.mu.Lock()
	out := append([]types.Attempt(nil), s.attempts...)
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *MemoryStore) Close() error { return nil }
