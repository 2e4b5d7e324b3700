package querier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"

	"github.com/sagalog/saga/pkg/model"
	"github.com/sagalog/saga/pkg/searchcache"
	"github.com/sagalog/saga/sagadb"
)

func testStore(t *testing.T) *sagadb.Store {
	cfg := sagadb.Config{}
	cfg.IndexDir = t.TempDir()
	cfg.Partitioning.Enabled = true
	cfg.Partitioning.Type = sagadb.PartitionDaily
	cfg.Partitioning.BaseDir = t.TempDir()
	cfg.Partitioning.MaxActivePartitions = 7

	s, err := sagadb.New(cfg, nil, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func record(source, msg string, ingestTime int64) model.LogRecord {
	r := model.NewRecord(source, msg)
	r.Message = msg
	r.Level = model.LevelInfo
	r.IngestTime = ingestTime
	return r
}

func peerServer(t *testing.T, records []model.LogRecord) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, searchPath, r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("isShardRequest"))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(records))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDistributedSearchMerge(t *testing.T) {
	base := time.Now().UnixMilli()
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.IndexAll(ctx, []model.LogRecord{
		record("web", "timeout local one", base+10),
		record("web", "timeout local two", base+40),
		record("web", "timeout local three", base+20),
	}))

	remote := peerServer(t, []model.LogRecord{
		record("web", "timeout remote one", base+30),
		record("web", "timeout remote two", base+50),
		record("web", "timeout remote three", base+5),
	})

	cfg := Config{}
	cfg.Sharding.Enabled = true
	cfg.Sharding.Type = ShardingBalanced
	cfg.Sharding.LocalNodeID = "node-a"
	cfg.Sharding.Nodes = []NodeConfig{{ID: "node-b", URL: remote.URL}}
	cfg.RemoteTimeout = 10 * time.Second

	q, err := New(cfg, store, nil, log.NewNopLogger())
	require.NoError(t, err)

	results, err := q.Search(ctx, "timeout", false, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, results, 6)

	for i := 1; i < len(results); i++ {
		require.GreaterOrEqual(t, results[i-1].IngestTime, results[i].IngestTime)
	}
	require.Equal(t, "timeout remote two", results[0].Message)
}

func TestShardRequestStaysLocal(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.IndexAll(ctx, []model.LogRecord{
		record("web", "local entry", time.Now().UnixMilli()),
	}))

	// a peer answering a shard request must never fan out again
	remoteCalled := false
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remoteCalled = true
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(remote.Close)

	cfg := Config{}
	cfg.Sharding.Enabled = true
	cfg.Sharding.Type = ShardingBalanced
	cfg.Sharding.LocalNodeID = "node-a"
	cfg.Sharding.Nodes = []NodeConfig{{ID: "node-b", URL: remote.URL}}
	cfg.RemoteTimeout = 10 * time.Second

	q, err := New(cfg, store, nil, log.NewNopLogger())
	require.NoError(t, err)

	results, err := q.Search(ctx, "local", false, nil, nil, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, remoteCalled)
}

func TestFailedShardIgnored(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.IndexAll(ctx, []model.LogRecord{
		record("web", "surviving entry", time.Now().UnixMilli()),
	}))

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(dead.Close)

	cfg := Config{}
	cfg.Sharding.Enabled = true
	cfg.Sharding.Type = ShardingBalanced
	cfg.Sharding.LocalNodeID = "node-a"
	cfg.Sharding.Nodes = []NodeConfig{{ID: "node-b", URL: dead.URL}}
	cfg.RemoteTimeout = time.Second

	q, err := New(cfg, store, nil, log.NewNopLogger())
	require.NoError(t, err)

	results, err := q.Search(ctx, "surviving", false, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestDistributedResultCached(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	cacheCfg := searchcache.Config{}
	cacheCfg.Enabled = true
	cacheCfg.MaxSize = 10
	cacheCfg.Expiration = time.Minute
	cacheCfg.CleanupInterval = time.Minute
	cache := searchcache.New(cacheCfg)

	remote := peerServer(t, []model.LogRecord{record("web", "remote entry", time.Now().UnixMilli())})

	cfg := Config{}
	cfg.Sharding.Enabled = true
	cfg.Sharding.Type = ShardingBalanced
	cfg.Sharding.LocalNodeID = "node-a"
	cfg.Sharding.Nodes = []NodeConfig{{ID: "node-b", URL: remote.URL}}
	cfg.RemoteTimeout = 10 * time.Second

	q, err := New(cfg, store, cache, log.NewNopLogger())
	require.NoError(t, err)

	results, err := q.Search(ctx, "entry", false, nil, nil, false)
	require.NoError(t, err)
	require.Len(t, results, 1)

	cached, ok := cache.Get(searchcache.Key("entry", false, nil, nil))
	require.True(t, ok)
	require.Len(t, cached, 1)
}

func TestSelectShards(t *testing.T) {
	cfg := Config{}
	cfg.Sharding.Enabled = true
	cfg.Sharding.Type = ShardingTimeBased
	cfg.Sharding.NumberOfShards = 2
	cfg.Sharding.LocalNodeID = "node-a"
	cfg.Sharding.Nodes = []NodeConfig{
		{ID: "node-b", URL: "http://b"},
		{ID: "node-c", URL: "http://c"},
	}
	cfg.RemoteTimeout = time.Second

	q, err := New(cfg, testStore(t), nil, log.NewNopLogger())
	require.NoError(t, err)

	// no time range: all shards
	require.Len(t, q.selectShards("x", nil, nil), 3)

	// bounded range: first numberOfShards of the id-sorted set
	start := time.Now().UnixMilli()
	targets := q.selectShards("x", &start, nil)
	require.Len(t, targets, 2)
	require.Equal(t, "node-a", targets[0].id)
	require.Equal(t, "node-b", targets[1].id)

	// SOURCE_BASED pins a source token to one node
	q.cfg.Sharding.Type = ShardingSourceBased
	targets = q.selectShards(`source:web timeout`, nil, nil)
	require.Len(t, targets, 1)
	require.Len(t, q.selectShards("timeout", nil, nil), 3)
}

func TestNodeRegistration(t *testing.T) {
	cfg := Config{}
	cfg.Sharding.Enabled = true
	cfg.Sharding.Type = ShardingBalanced
	cfg.Sharding.LocalNodeID = "node-a"
	cfg.RemoteTimeout = time.Second

	q, err := New(cfg, testStore(t), nil, log.NewNopLogger())
	require.NoError(t, err)

	q.RegisterNode("node-b", "http://b")
	require.Len(t, q.selectShards("x", nil, nil), 2)

	q.DeregisterNode("node-b")
	require.Len(t, q.selectShards("x", nil, nil), 1)

	// the local node is never deregistered
	q.DeregisterNode("node-a")
	require.Len(t, q.selectShards("x", nil, nil), 1)
}

func TestSearchHandler(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.IndexAll(ctx, []model.LogRecord{
		record("web", "handler entry", time.Now().UnixMilli()),
	}))

	cfg := Config{}
	cfg.Sharding.Type = ShardingBalanced
	cfg.RemoteTimeout = time.Second

	q, err := New(cfg, store, nil, log.NewNopLogger())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, searchPath+"?query=handler", nil)
	w := httptest.NewRecorder()
	q.Handler()(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var results []model.LogRecord
	require.NoError(t, json.NewDecoder(w.Body).Decode(&results))
	require.Len(t, results, 1)
	require.Equal(t, "handler entry", results[0].Message)

	req = httptest.NewRequest(http.MethodGet, searchPath+"?query=x&startTime=abc", nil)
	w = httptest.NewRecorder()
	q.Handler()(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServiceLifecycle(t *testing.T) {
	cfg := Config{RemoteTimeout: time.Second}
	cfg.Sharding.Type = ShardingBalanced
	q, err := New(cfg, testStore(t), nil, log.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), q))
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), q))
}
