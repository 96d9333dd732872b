package listener

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJitter(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(time.Second)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, 1500*time.Millisecond)
	}
	assert.LessOrEqual(t, jitter(0), 1500*time.Millisecond)
}

func TestDebouncer(t *testing.T) {
	t0 := time.Date(2024, 5, 14, 10, 0, 0, 0, time.UTC)
	var d debouncer
	assert.True(t, d.allow(t0))
	assert.False(t, d.allow(t0.Add(50*time.Millisecond)))
	assert.True(t, d.allow(t0.Add(250*time.Millisecond)))
}
