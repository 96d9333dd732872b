package engine

import (
	"context"
	"sync"
)

// ObjectLockKey is the lock key serializing gate and execution for one
// object under one rule.
func ObjectLockKey(ruleID string, objectID ObjectID) string {
	return "rule:" + ruleID + "/object:" + string(objectID)
}

// KeyedLocker is an in-process Locker.
type KeyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{locks: make(map[string]*keyedLock)}
}

func (k *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.release(key, l)
		})
	}, nil
}

func (k *KeyedLocker) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Held returns the number of keys currently tracked.
func (k *KeyedLocker) Held() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
