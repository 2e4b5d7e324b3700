package searchcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/sagalog/saga/pkg/model"
)

var (
	metricCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "saga",
		Name:      "search_cache_entries",
		Help:      "Number of entries currently held by the search cache.",
	})
	metricCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "search_cache_requests_total",
		Help:      "Search cache lookups by outcome.",
	}, []string{"outcome"})
	metricCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "search_cache_evictions_total",
		Help:      "Entries evicted from the search cache on capacity.",
	})
)

type entry struct {
	results      []model.LogRecord
	createdAt    time.Time
	lastAccessAt time.Time
	accessCount  int64
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	Size         int     `json:"size"`
	MaxSize      int     `json:"maxSize"`
	ExpirationMs int64   `json:"expirationMs"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Evictions    int64   `json:"evictions"`
	HitRatio     float64 `json:"hitRatio"`
}

// Cache is an LRU-by-last-access cache with idle expiration, keyed on the
// full search tuple. It runs a periodic sweeper as a dskit service.
type Cache struct {
	services.Service

	cfg Config

	mtx     sync.Mutex
	entries map[string]*entry

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	now func() time.Time // swapped in tests
}

func New(cfg Config) *Cache {
	c := &Cache{
		cfg:     cfg,
		entries: map[string]*entry{},
		now:     time.Now,
	}
	c.Service = services.NewTimerService(cfg.CleanupInterval, nil, c.sweep, nil)
	return c
}

// Key builds the canonical cache key for a search tuple. Nil time bounds are
// keyed as zero.
func Key(query string, regex bool, start, end *int64) string {
	var s, e int64
	if start != nil {
		s = *start
	}
	if end != nil {
		e = *end
	}
	return fmt.Sprintf("%s|%t|%d|%d", query, regex, s, e)
}

// Get returns the cached result for the key. Expired entries are evicted and
// reported as misses. A hit refreshes the access time and count.
func (c *Cache) Get(key string) ([]model.LogRecord, bool) {
	if !c.cfg.Enabled {
		return nil, false
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses.Inc()
		metricCacheRequests.WithLabelValues("miss").Inc()
		return nil, false
	}

	now := c.now()
	if now.Sub(e.lastAccessAt) > c.cfg.Expiration {
		delete(c.entries, key)
		metricCacheSize.Set(float64(len(c.entries)))
		c.misses.Inc()
		metricCacheRequests.WithLabelValues("expired").Inc()
		return nil, false
	}

	e.lastAccessAt = now
	e.accessCount++
	c.hits.Inc()
	metricCacheRequests.WithLabelValues("hit").Inc()
	return e.results, true
}

// Put stores a result. At capacity the entry with the oldest last access is
// evicted first.
func (c *Cache) Put(key string, results []model.LogRecord) {
	if !c.cfg.Enabled {
		return
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxSize {
		c.evictOldestLocked()
	}

	now := c.now()
	c.entries[key] = &entry{
		results:      results,
		createdAt:    now,
		lastAccessAt: now,
	}
	metricCacheSize.Set(float64(len(c.entries)))
}

func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.lastAccessAt.Before(oldest) {
			oldestKey = k
			oldest = e.lastAccessAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.evictions.Inc()
		metricCacheEvictions.Inc()
	}
}

func (c *Cache) sweep(context.Context) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if now.Sub(e.lastAccessAt) > c.cfg.Expiration {
			delete(c.entries, k)
		}
	}
	metricCacheSize.Set(float64(len(c.entries)))
	return nil
}

// Invalidate drops every cached entry. Used after deletes so stale results
// are not served.
func (c *Cache) Invalidate() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.entries = map[string]*entry{}
	metricCacheSize.Set(0)
}

func (c *Cache) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.entries)
}

func (c *Cache) Stats() Stats {
	c.mtx.Lock()
	size := len(c.entries)
	c.mtx.Unlock()

	hits := c.hits.Load()
	misses := c.misses.Load()
	ratio := 0.0
	if hits+misses > 0 {
		ratio = float64(hits) / float64(hits+misses)
	}

	return Stats{
		Size:         size,
		MaxSize:      c.cfg.MaxSize,
		ExpirationMs: c.cfg.Expiration.Milliseconds(),
		Hits:         hits,
		Misses:       misses,
		Evictions:    c.evictions.Load(),
		HitRatio:     ratio,
	}
}
