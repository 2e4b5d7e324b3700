package sagadb

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	idxmapping "github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sagalog/saga/pkg/model"
	"github.com/sagalog/saga/pkg/searchcache"
)

var (
	metricRecordsIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "db_records_indexed_total",
		Help:      "The total number of records written to the index.",
	})
	metricRecordsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "db_records_deleted_total",
		Help:      "The total number of records deleted by retention.",
	})
	metricActivePartitions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "saga",
		Name:      "db_active_partitions",
		Help:      "Number of partitions open for read and write.",
	})
	metricSearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "saga",
		Name:      "db_search_duration_seconds",
		Help:      "Time spent executing a local search across partitions.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})
	metricPartitionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "db_partition_errors_total",
		Help:      "Per-partition I/O errors that were skipped over.",
	})
)

// Archiver writes a set of records to cold storage before they are removed
// from the live index.
type Archiver interface {
	Archive(ctx context.Context, records []model.LogRecord) (string, error)
}

// Store is the partitioned full-text index. Records are written to the
// partition whose calendar bucket contains their record time; searches fan
// across every active partition.
type Store struct {
	cfg      Config
	logger   log.Logger
	cache    *searchcache.Cache
	archiver Archiver

	onIndexed func([]model.LogRecord)

	mtx        sync.RWMutex
	partitions []*partition // newest first
	mapping    idxmapping.IndexMapping

	now func() time.Time
}

// New opens the store, reattaching any partition directories found on disk.
// cache may be nil to disable result caching.
func New(cfg Config, cache *searchcache.Cache, logger log.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Store{
		cfg:     cfg,
		logger:  logger,
		cache:   cache,
		mapping: buildMapping(cfg.CustomFields),
		now:     time.Now,
	}

	if !cfg.Partitioning.Enabled {
		p, err := openPartition("", cfg.IndexDir, s.mapping)
		if err != nil {
			return nil, err
		}
		p.name = "default"
		s.partitions = []*partition{p}
		metricActivePartitions.Set(1)
		return s, nil
	}

	if err := s.reopenPartitions(); err != nil {
		return nil, err
	}
	if err := s.checkAndRotate(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetArchiver wires the cold-storage writer used before deletes and
// rotations.
func (s *Store) SetArchiver(a Archiver) { s.archiver = a }

// OnIndexed registers a callback invoked after every successful commit with
// the records that became searchable. Used by the live-tail fan-out.
func (s *Store) OnIndexed(fn func([]model.LogRecord)) { s.onIndexed = fn }

func (s *Store) reopenPartitions() error {
	entries, err := os.ReadDir(s.cfg.Partitioning.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading partition base dir: %w", err)
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), partitionPrefix) {
			continue
		}
		bucket := strings.TrimPrefix(e.Name(), partitionPrefix)
		p, err := openPartition(bucket, s.partitionDir(bucket), s.mapping)
		if err != nil {
			level.Error(s.logger).Log("msg", "failed to reopen partition, skipping", "partition", e.Name(), "err", err)
			metricPartitionErrors.Inc()
			continue
		}
		s.partitions = append(s.partitions, p)
	}

	// newest first; buckets are zero-padded so lexicographic order is
	// chronological within one granularity
	sort.Slice(s.partitions, func(i, j int) bool {
		return s.partitions[i].bucket > s.partitions[j].bucket
	})
	metricActivePartitions.Set(float64(len(s.partitions)))
	return nil
}

func (s *Store) partitionDir(bucket string) string {
	return s.cfg.Partitioning.BaseDir + "/" + partitionName(bucket)
}

// IndexAll writes a batch of records, grouping them by partition. Records
// whose bucket is not active land in the current partition. Per-partition
// failures are logged and do not fail the rest of the batch.
func (s *Store) IndexAll(ctx context.Context, records []model.LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	if s.cfg.Partitioning.Enabled {
		if err := s.checkAndRotate(); err != nil {
			return err
		}
	}

	s.mtx.RLock()
	partitions := append([]*partition(nil), s.partitions...)
	s.mtx.RUnlock()

	if len(partitions) == 0 {
		return fmt.Errorf("no active partitions")
	}
	current := partitions[0]

	byBucket := map[*partition][]model.LogRecord{}
	for _, r := range records {
		target := current
		if s.cfg.Partitioning.Enabled && r.RecordTime != nil {
			bucket := bucketFor(time.UnixMilli(*r.RecordTime), s.cfg.Partitioning.Type)
			for _, p := range partitions {
				if p.bucket == bucket {
					target = p
					break
				}
			}
		}
		byBucket[target] = append(byBucket[target], r)
	}

	var firstErr error
	indexed := make([]model.LogRecord, 0, len(records))
	for p, recs := range byBucket {
		batch := p.index.NewBatch()
		for i := range recs {
			if err := batch.Index(dedupKey(&recs[i]), s.toDocument(&recs[i])); err != nil {
				level.Error(s.logger).Log("msg", "failed to add record to batch", "partition", p.name, "err", err)
				continue
			}
		}
		if err := p.index.Batch(batch); err != nil {
			level.Error(s.logger).Log("msg", "failed to commit batch", "partition", p.name, "err", err)
			metricPartitionErrors.Inc()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		indexed = append(indexed, recs...)
		metricRecordsIndexed.Add(float64(len(recs)))
	}

	if len(indexed) > 0 && s.onIndexed != nil {
		s.onIndexed(indexed)
	}
	return firstErr
}

// Search runs a cached full-text search across every active partition.
// Results are the per-partition unions; no cross-partition ranking is
// applied.
func (s *Store) Search(ctx context.Context, text string, regex bool, startTime, endTime *int64) ([]model.LogRecord, error) {
	text = strings.TrimSuffix(strings.TrimSpace(text), "^")

	if text == "" && startTime == nil && endTime == nil {
		return []model.LogRecord{}, nil
	}

	key := searchcache.Key(text, regex, startTime, endTime)
	if s.cache != nil {
		if cached, ok := s.cache.Get(key); ok {
			return cached, nil
		}
	}

	results, err := s.SearchUncached(ctx, text, regex, startTime, endTime)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Put(key, results)
	}
	return results, nil
}

// SearchUncached is Search without the cache consult. The shard router uses
// it for the local leg of a distributed search so partial results are never
// cached.
func (s *Store) SearchUncached(ctx context.Context, text string, regex bool, startTime, endTime *int64) ([]model.LogRecord, error) {
	text = strings.TrimSuffix(strings.TrimSpace(text), "^")
	if text == "" && startTime == nil && endTime == nil {
		return []model.LogRecord{}, nil
	}

	start := time.Now()
	defer func() { metricSearchDuration.Observe(time.Since(start).Seconds()) }()

	return s.queryPartitions(ctx, buildQuery(text, regex, startTime, endTime), maxDocsPerPartition)
}

// FindByLevel returns records with the exact level across every partition.
func (s *Store) FindByLevel(ctx context.Context, lvl string) ([]model.LogRecord, error) {
	return s.queryPartitions(ctx, termQuery("level", lvl), maxDocsPerPartition)
}

// FindBySource returns records with the exact source across every partition.
func (s *Store) FindBySource(ctx context.Context, source string) ([]model.LogRecord, error) {
	return s.queryPartitions(ctx, termQuery("source", source), maxDocsPerPartition)
}

// FindByID returns the single record with the given id, or nil.
func (s *Store) FindByID(ctx context.Context, id string) (*model.LogRecord, error) {
	results, err := s.queryPartitions(ctx, termQuery("id", id), 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

func (s *Store) queryPartitions(ctx context.Context, q query.Query, limit int) ([]model.LogRecord, error) {
	s.mtx.RLock()
	partitions := append([]*partition(nil), s.partitions...)
	s.mtx.RUnlock()

	results := []model.LogRecord{}
	for _, p := range partitions {
		req := bleve.NewSearchRequestOptions(q, limit, 0, false)
		req.Fields = []string{"*"}

		res, err := p.index.SearchInContext(ctx, req)
		if err != nil {
			// an unhealthy partition must not take down the whole search
			level.Error(s.logger).Log("msg", "partition search failed, skipping", "partition", p.name, "err", err)
			metricPartitionErrors.Inc()
			continue
		}
		for _, hit := range res.Hits {
			results = append(results, fromFields(hit.Fields))
		}
		if limit == 1 && len(results) > 0 {
			break
		}
	}
	return results, nil
}

// DeleteOlderThan removes every record with timestamp <= ts, optionally
// restricted to one source. Matching records are archived first when an
// archiver is configured; archive failure is logged and does not block the
// delete.
func (s *Store) DeleteOlderThan(ctx context.Context, ts int64, source string) (int, error) {
	s.mtx.RLock()
	partitions := append([]*partition(nil), s.partitions...)
	s.mtx.RUnlock()

	var q query.Query = timestampRange(ts)
	if source != "" {
		q = bleve.NewConjunctionQuery(q, termQuery("source", source))
	}

	type match struct {
		p   *partition
		ids []string
	}
	var matches []match
	var doomed []model.LogRecord

	for _, p := range partitions {
		req := bleve.NewSearchRequestOptions(q, maxDeletesPerPartition, 0, false)
		req.Fields = []string{"*"}

		res, err := p.index.SearchInContext(ctx, req)
		if err != nil {
			level.Error(s.logger).Log("msg", "delete scan failed, skipping partition", "partition", p.name, "err", err)
			metricPartitionErrors.Inc()
			continue
		}

		m := match{p: p}
		for _, hit := range res.Hits {
			m.ids = append(m.ids, hit.ID)
			doomed = append(doomed, fromFields(hit.Fields))
		}
		if len(m.ids) > 0 {
			matches = append(matches, m)
		}
	}

	if len(doomed) == 0 {
		return 0, nil
	}

	if s.archiver != nil {
		if _, err := s.archiver.Archive(ctx, doomed); err != nil {
			level.Error(s.logger).Log("msg", "failed to archive records before deletion, deleting anyway", "count", len(doomed), "err", err)
		}
	}

	deleted := 0
	var firstErr error
	for _, m := range matches {
		batch := m.p.index.NewBatch()
		for _, id := range m.ids {
			batch.Delete(id)
		}
		if err := m.p.index.Batch(batch); err != nil {
			level.Error(s.logger).Log("msg", "failed to delete records", "partition", m.p.name, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted += len(m.ids)
	}

	metricRecordsDeleted.Add(float64(deleted))
	if s.cache != nil {
		s.cache.Invalidate()
	}
	return deleted, firstErr
}

func timestampRange(maxTS int64) query.Query {
	min := float64(0)
	max := float64(maxTS)
	inclusive := true
	rq := bleve.NewNumericRangeInclusiveQuery(&min, &max, &inclusive, &inclusive)
	rq.SetField("timestamp")
	return rq
}

// checkAndRotate ensures the current calendar bucket has an active partition
// and closes the oldest partitions when the active set exceeds its limit.
// Called on every ingest.
func (s *Store) checkAndRotate() error {
	if !s.cfg.Partitioning.Enabled {
		return nil
	}

	bucket := bucketFor(s.now(), s.cfg.Partitioning.Type)

	s.mtx.Lock()
	defer s.mtx.Unlock()

	exists := false
	for _, p := range s.partitions {
		if p.bucket == bucket {
			exists = true
			break
		}
	}

	if !exists {
		p, err := openPartition(bucket, s.partitionDir(bucket), s.mapping)
		if err != nil {
			return fmt.Errorf("creating partition for bucket %s: %w", bucket, err)
		}
		level.Info(s.logger).Log("msg", "created partition", "partition", p.name)
		s.partitions = append([]*partition{p}, s.partitions...)
	}

	for len(s.partitions) > s.cfg.Partitioning.MaxActivePartitions {
		oldest := s.partitions[len(s.partitions)-1]
		s.partitions = s.partitions[:len(s.partitions)-1]
		s.retirePartition(oldest)
	}

	metricActivePartitions.Set(float64(len(s.partitions)))
	return nil
}

// retirePartition archives (when configured) and removes a rotated-out
// partition. A retired partition is never reopened for writes.
func (s *Store) retirePartition(p *partition) {
	level.Info(s.logger).Log("msg", "rotating out partition", "partition", p.name, "docs", p.docCount())

	if s.cfg.Partitioning.AutoArchive && s.archiver != nil {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), maxDeletesPerPartition, 0, false)
		req.Fields = []string{"*"}
		if res, err := p.index.Search(req); err != nil {
			level.Error(s.logger).Log("msg", "failed to read partition for archival", "partition", p.name, "err", err)
		} else {
			records := make([]model.LogRecord, 0, len(res.Hits))
			for _, hit := range res.Hits {
				records = append(records, fromFields(hit.Fields))
			}
			if len(records) > 0 {
				if _, err := s.archiver.Archive(context.Background(), records); err != nil {
					level.Error(s.logger).Log("msg", "failed to archive partition", "partition", p.name, "err", err)
				}
			}
		}
	}

	if err := p.remove(); err != nil {
		level.Error(s.logger).Log("msg", "failed to remove partition", "partition", p.name, "err", err)
		metricPartitionErrors.Inc()
	}
}

// ActivePartitions returns the active partition names, newest first.
func (s *Store) ActivePartitions() []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	names := make([]string, 0, len(s.partitions))
	for _, p := range s.partitions {
		names = append(names, p.name)
	}
	return names
}

// Close closes every partition. The store must not be used afterwards.
func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var firstErr error
	for _, p := range s.partitions {
		if err := p.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.partitions = nil
	return firstErr
}
