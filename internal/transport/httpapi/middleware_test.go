package httpapi

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIPLimiterStaysBounded(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	l := newIPLimiter(1)
	l.max = 8
	l.now = func() time.Time { return now }

	for i := 0; i < 100; i++ {
		now = now.Add(time.Millisecond)
		require.True(t, l.allow(fmt.Sprintf("203.0.113.%d", i)))
		assert.LessOrEqual(t, len(l.buckets), l.max)
	}
	assert.NotContains(t, l.buckets, "203.0.113.0")
	assert.Contains(t, l.buckets, "203.0.113.99")
}

func TestIPLimiterEvictsLeastRecentlySeen(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	l := newIPLimiter(1)
	l.max = 2
	l.now = func() time.Time { return now }

	require.True(t, l.allow("a"))
	now = now.Add(time.Second)
	require.True(t, l.allow("b"))
	now = now.Add(time.Second)
	assert.False(t, l.allow("a"), "a is limited and now the most recently seen")

	now = now.Add(time.Second)
	require.True(t, l.allow("c"))
	assert.Contains(t, l.buckets, "a")
	assert.NotContains(t, l.buckets, "b")
	assert.False(t, l.allow("a"), "a keeps its drained bucket")
}

func TestIPLimiterDropsIdleBucketsFirst(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	l := newIPLimiter(1)
	l.max = 3
	l.now = func() time.Time { return now }

	l.allow("a")
	l.allow("b")
	now = now.Add(2 * time.Minute)
	l.allow("c")
	l.allow("d")
	assert.Len(t, l.buckets, 2)
	assert.Contains(t, l.buckets, "c")
	assert.Contains(t, l.buckets, "d")
}
