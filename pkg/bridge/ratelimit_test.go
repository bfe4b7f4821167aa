package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOriginLimiter_PerKeyBuckets(t *testing.T) {
	l := NewOriginLimiter(60, 2)
	assert.True(t, l.Allow("https://a.example"))
	assert.True(t, l.Allow("https://a.example"))
	assert.False(t, l.Allow("https://a.example"))
	assert.True(t, l.Allow("https://b.example"))
	assert.Equal(t, 1, l.RetryAfter())
}

func TestOriginLimiter_Disabled(t *testing.T) {
	l := NewOriginLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("k"))
	}
	assert.Zero(t, l.Tracked())

	var nilLimiter *OriginLimiter
	assert.True(t, nilLimiter.Allow("k"))
}

func TestOriginLimiter_Sweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewOriginLimiter(60, 1)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(2 * time.Minute)
	l.Allow("fresh")
	now = now.Add(2 * time.Minute)
	l.Sweep()

	assert.Equal(t, 1, l.Tracked())
	_, ok := l.visitors["fresh"]
	assert.True(t, ok)
}
