package searchcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagalog/saga/pkg/model"
)

func testConfig() Config {
	return Config{
		Enabled:         true,
		MaxSize:         3,
		Expiration:      time.Minute,
		CleanupInterval: time.Minute,
	}
}

func recs(ids ...string) []model.LogRecord {
	out := make([]model.LogRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.LogRecord{ID: id})
	}
	return out
}

func TestCacheHitAndMiss(t *testing.T) {
	c := New(testConfig())

	_, ok := c.Get(Key("q", false, nil, nil))
	assert.False(t, ok)

	c.Put(Key("q", false, nil, nil), recs("a"))
	got, ok := c.Get(Key("q", false, nil, nil))
	require.True(t, ok)
	assert.Equal(t, "a", got[0].ID)

	// regex flag and time range are part of the key
	_, ok = c.Get(Key("q", true, nil, nil))
	assert.False(t, ok)
	_, ok = c.Get(Key("q", false, model.Int64Ptr(1), nil))
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(3), stats.Misses)
	assert.InDelta(t, 0.25, stats.HitRatio, 0.001)
}

func TestCacheExpiration(t *testing.T) {
	c := New(testConfig())

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("k", recs("a"))

	// within the window
	now = now.Add(30 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	// access refreshed lastAccessAt, so another 45s is still a hit
	now = now.Add(45 * time.Second)
	_, ok = c.Get("k")
	assert.True(t, ok)

	// idle past expiration: evicted on access
	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCacheEvictsLeastRecentlyAccessed(t *testing.T) {
	c := New(testConfig())

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("a", recs("1"))
	now = now.Add(time.Second)
	c.Put("b", recs("2"))
	now = now.Add(time.Second)
	c.Put("c", recs("3"))

	// touch "a" so "b" becomes the oldest
	now = now.Add(time.Second)
	_, ok := c.Get("a")
	require.True(t, ok)

	now = now.Add(time.Second)
	c.Put("d", recs("4"))

	_, ok = c.Get("b")
	assert.False(t, ok)
	for _, k := range []string{"a", "c", "d"} {
		_, ok = c.Get(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestCacheSweep(t *testing.T) {
	c := New(testConfig())

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("a", recs("1"))
	c.Put("b", recs("2"))

	now = now.Add(2 * time.Minute)
	require.NoError(t, c.sweep(context.Background()))
	assert.Equal(t, 0, c.Len())
}

func TestCacheDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	c := New(cfg)

	c.Put("k", recs("a"))
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}
