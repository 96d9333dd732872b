package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// AdvisoryLocker serializes work across service replicas with Postgres
// session advisory locks. Each held lock pins one pool connection, so at
// most half the pool may be held by locks at once.
type AdvisoryLocker struct {
	store *Store
	slots *semaphore.Weighted
}

func (s *Store) Locker() *AdvisoryLocker {
	n := int64(1)
	if s.pool != nil {
		n = max(1, int64(s.pool.Config().MaxConns)/2)
	}
	return &AdvisoryLocker{store: s, slots: semaphore.NewWeighted(n)}
}

func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for lock slot %s: %w", key, err)
	}
	conn, err := l.store.pool.Acquire(ctx)
	if err != nil {
		l.slots.Release(1)
		return nil, fmt.Errorf("acquire conn for lock %s: %w", key, err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, key); err != nil {
		conn.Release()
		l.slots.Release(1)
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			defer l.slots.Release(1)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key); err != nil {
				// a lock we cannot release must not go back to the pool
				_ = conn.Conn().Close(ctx)
			}
			conn.Release()
		})
	}, nil
}
