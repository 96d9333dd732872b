package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocker_Serializes(t *testing.T) {
	l := NewKeyedLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), ObjectLockKey("r", "o"))
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, l.Held())
}

func TestKeyedLocker_ContextCancel(t *testing.T) {
	l := NewKeyedLocker()
	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := l.Lock(context.Background(), "other")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	assert.Zero(t, l.Held())
}
