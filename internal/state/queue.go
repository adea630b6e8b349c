package state

import (
	"context"
	"sync"
)

// WriteQueue serializes writes per key. Each write waits for the one queued
// before it on the same key; writes to different keys run independently.
type WriteQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func NewWriteQueue() *WriteQueue {
	return &WriteQueue{tails: make(map[string]chan struct{})}
}

// Do runs fn after every earlier write on key has finished. If ctx ends
// while waiting, fn is skipped and the chain stays intact.
func (q *WriteQueue) Do(ctx context.Context, key string, fn func() error) error {
	q.mu.Lock()
	prev := q.tails[key]
	done := make(chan struct{})
	q.tails[key] = done
	q.mu.Unlock()

	release := func() {
		close(done)
		q.mu.Lock()
		if q.tails[key] == done {
			delete(q.tails, key)
		}
		q.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				release()
			}()
			return ctx.Err()
		}
	}
	defer release()
	return fn()
}

// Pending returns the number of keys with a write in flight.
func (q *WriteQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tails)
}
