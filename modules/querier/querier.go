package querier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/cespare/xxhash/v2"

	"github.com/sagalog/saga/pkg/model"
	"github.com/sagalog/saga/pkg/searchcache"
	"github.com/sagalog/saga/sagadb"
)

const searchPath = "/api/logs/search"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	metricDistributedSearches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "querier_distributed_searches_total",
		Help:      "Searches fanned out to shard nodes.",
	})
	metricShardFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "querier_shard_failures_total",
		Help:      "Remote shard legs that errored or timed out.",
	})
)

type shardNode struct {
	id  string
	url string
}

// Querier answers searches. With sharding enabled it fans the query out to
// every selected shard node, merges the partial results and caches the final
// set; otherwise it queries the local store directly.
type Querier struct {
	services.Service

	cfg    Config
	store  *sagadb.Store
	cache  *searchcache.Cache
	logger log.Logger
	client *http.Client

	mtx   sync.RWMutex
	nodes map[string]shardNode
}

func New(cfg Config, store *sagadb.Store, cache *searchcache.Cache, logger log.Logger) (*Querier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	q := &Querier{
		cfg:    cfg,
		store:  store,
		cache:  cache,
		logger: logger,
		client: &http.Client{Timeout: cfg.RemoteTimeout},
		nodes:  map[string]shardNode{},
	}
	for _, n := range cfg.Sharding.Nodes {
		q.nodes[n.ID] = shardNode{id: n.ID, url: n.URL}
	}
	if cfg.Sharding.LocalNodeID != "" {
		q.nodes[cfg.Sharding.LocalNodeID] = shardNode{id: cfg.Sharding.LocalNodeID, url: cfg.Sharding.LocalNodeURL}
	}

	q.Service = services.NewIdleService(nil, nil)
	return q, nil
}

// RegisterNode adds or refreshes a shard node. Invoked by cluster membership
// when a peer joins.
func (q *Querier) RegisterNode(id, nodeURL string) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.nodes[id] = shardNode{id: id, url: nodeURL}
}

// DeregisterNode removes a shard node when a peer leaves or times out.
func (q *Querier) DeregisterNode(id string) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if id == q.cfg.Sharding.LocalNodeID {
		return
	}
	delete(q.nodes, id)
}

// Search executes a query. isShardRequest marks a request arriving from a
// peer's fan-out; it is always answered from the local store only.
func (q *Querier) Search(ctx context.Context, query string, regex bool, startTime, endTime *int64, isShardRequest bool) ([]model.LogRecord, error) {
	if isShardRequest {
		return q.store.SearchUncached(ctx, query, regex, startTime, endTime)
	}

	if !q.cfg.Sharding.Enabled {
		return q.store.Search(ctx, query, regex, startTime, endTime)
	}

	targets := q.selectShards(query, startTime, endTime)
	if len(targets) == 0 || (len(targets) == 1 && targets[0].id == q.cfg.Sharding.LocalNodeID) {
		return q.store.Search(ctx, query, regex, startTime, endTime)
	}

	key := searchcache.Key(query, regex, startTime, endTime)
	if q.cache != nil {
		if cached, ok := q.cache.Get(key); ok {
			return cached, nil
		}
	}

	metricDistributedSearches.Inc()

	var (
		resultsMtx sync.Mutex
		results    []model.LogRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, node := range targets {
		node := node
		g.Go(func() error {
			var (
				partial []model.LogRecord
				err     error
			)
			if node.id == q.cfg.Sharding.LocalNodeID {
				partial, err = q.store.SearchUncached(gctx, query, regex, startTime, endTime)
			} else {
				partial, err = q.remoteSearch(gctx, node, query, regex, startTime, endTime)
			}
			if err != nil {
				// a dead shard only shrinks the result set
				metricShardFailures.Inc()
				level.Warn(q.logger).Log("msg", "shard search failed, skipping node", "node", node.id, "err", err)
				return nil
			}
			resultsMtx.Lock()
			results = append(results, partial...)
			resultsMtx.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].IngestTime > results[j].IngestTime
	})

	if q.cache != nil {
		q.cache.Put(key, results)
	}
	return results, nil
}

func (q *Querier) remoteSearch(ctx context.Context, node shardNode, query string, regex bool, startTime, endTime *int64) ([]model.LogRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.RemoteTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("query", query)
	params.Set("regex", strconv.FormatBool(regex))
	if startTime != nil {
		params.Set("startTime", strconv.FormatInt(*startTime, 10))
	}
	if endTime != nil {
		params.Set("endTime", strconv.FormatInt(*endTime, 10))
	}
	params.Set("isShardRequest", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.url+searchPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node %s returned status %d", node.id, resp.StatusCode)
	}

	var records []model.LogRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", node.id, err)
	}
	return records, nil
}

// selectShards picks target nodes per the sharding type, sorted by id.
func (q *Querier) selectShards(query string, startTime, endTime *int64) []shardNode {
	q.mtx.RLock()
	all := make([]shardNode, 0, len(q.nodes))
	for _, n := range q.nodes {
		all = append(all, n)
	}
	q.mtx.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })

	if len(all) == 0 {
		return all
	}

	switch q.cfg.Sharding.Type {
	case ShardingTimeBased:
		if startTime == nil && endTime == nil {
			return all
		}
		n := q.cfg.Sharding.NumberOfShards
		if n <= 0 || n > len(all) {
			n = len(all)
		}
		return all[:n]

	case ShardingSourceBased:
		if src, ok := sourceToken(query); ok {
			return []shardNode{all[xxhash.Sum64String(src)%uint64(len(all))]}
		}
		return all

	default:
		return all
	}
}

// sourceToken extracts the value of a source:<value> token from a query.
func sourceToken(query string) (string, bool) {
	for _, tok := range strings.Fields(query) {
		if v, ok := strings.CutPrefix(tok, "source:"); ok && v != "" {
			return strings.Trim(v, `"`), true
		}
	}
	return "", false
}

// Handler serves the search API. Peer fan-out requests arrive here too,
// flagged with isShardRequest.
func (q *Querier) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := r.URL.Query()

		regex, _ := strconv.ParseBool(params.Get("regex"))
		isShard, _ := strconv.ParseBool(params.Get("isShardRequest"))

		var startTime, endTime *int64
		if v := params.Get("startTime"); v != "" {
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, "invalid startTime", http.StatusBadRequest)
				return
			}
			startTime = &ts
		}
		if v := params.Get("endTime"); v != "" {
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				http.Error(w, "invalid endTime", http.StatusBadRequest)
				return
			}
			endTime = &ts
		}

		start := time.Now()
		results, err := q.Search(r.Context(), params.Get("query"), regex, startTime, endTime, isShard)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		level.Debug(q.logger).Log("msg", "search served", "results", len(results), "duration", time.Since(start))

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(results); err != nil {
			level.Error(q.logger).Log("msg", "failed to encode search response", "err", err)
		}
	}
}
