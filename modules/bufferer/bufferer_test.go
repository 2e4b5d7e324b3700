package bufferer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/sagalog/saga/pkg/logparse"
	"github.com/sagalog/saga/pkg/model"
	"github.com/sagalog/saga/pkg/redact"
)

type captureIndexer struct {
	mtx     sync.Mutex
	batches [][]model.LogRecord
	err     error
}

func (c *captureIndexer) IndexAll(_ context.Context, records []model.LogRecord) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.err != nil {
		return c.err
	}
	c.batches = append(c.batches, records)
	return nil
}

func (c *captureIndexer) all() []model.LogRecord {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	var out []model.LogRecord
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func newTestBufferer(t *testing.T, cfg Config, idx Indexer, r *redact.Redactor) *Bufferer {
	b, err := New(cfg, idx, r, log.NewNopLogger())
	require.NoError(t, err)
	return b
}

func TestAddAndFlush(t *testing.T) {
	idx := &captureIndexer{}
	b := newTestBufferer(t, Config{MaxSize: 100, FlushInterval: time.Minute}, idx, nil)

	b.Add(model.NewRecord("web", "one"))
	b.Add(model.NewRecord("web", "two"))
	require.Equal(t, 2, b.Len())

	b.Flush(context.Background())
	require.Equal(t, 0, b.Len())
	require.Len(t, idx.all(), 2)

	// empty flush indexes nothing
	b.Flush(context.Background())
	require.Len(t, idx.batches, 1)
}

func TestSizeTriggeredFlush(t *testing.T) {
	idx := &captureIndexer{}
	b := newTestBufferer(t, Config{MaxSize: 3, FlushInterval: time.Minute}, idx, nil)

	b.AddAll([]model.LogRecord{
		model.NewRecord("web", "one"),
		model.NewRecord("web", "two"),
	})
	require.Empty(t, idx.all())

	b.Add(model.NewRecord("web", "three"))
	require.Equal(t, 0, b.Len())
	require.Len(t, idx.all(), 3)
}

func TestFailedFlushDropsBatch(t *testing.T) {
	idx := &captureIndexer{err: fmt.Errorf("index down")}
	b := newTestBufferer(t, Config{MaxSize: 100, FlushInterval: time.Minute}, idx, nil)

	b.Add(model.NewRecord("web", "doomed"))
	b.Flush(context.Background())

	require.Equal(t, 0, b.Len())
	idx.err = nil
	b.Flush(context.Background())
	require.Empty(t, idx.all())
}

func TestRedactionBeforeIndexing(t *testing.T) {
	r := redact.New()
	require.NoError(t, r.Refresh(
		[]string{"(?i)password"},
		[]string{`(token=)\S+()`},
	))

	idx := &captureIndexer{}
	b := newTestBufferer(t, Config{MaxSize: 100, FlushInterval: time.Minute}, idx, r)

	rec := model.NewRecord("web", "login token=abc123 ok")
	rec.Message = "login token=abc123 ok"
	rec.Metadata = map[string]string{"password": "hunter2", "path": "/login"}
	b.Add(rec)
	b.Flush(context.Background())

	got := idx.all()
	require.Len(t, got, 1)
	require.Equal(t, "login token=[REDACTED] ok", got[0].Message)
	require.Equal(t, "login token=[REDACTED] ok", got[0].RawContent)
	require.Equal(t, "[REDACTED]", got[0].Metadata["password"])
	require.Equal(t, "/login", got[0].Metadata["path"])
}

func TestConcurrentAdds(t *testing.T) {
	idx := &captureIndexer{}
	b := newTestBufferer(t, Config{MaxSize: 10000, FlushInterval: time.Minute}, idx, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Add(model.NewRecord("web", fmt.Sprintf("line %d-%d", n, j)))
			}
		}(i)
	}
	wg.Wait()

	b.Flush(context.Background())
	require.Len(t, idx.all(), 1000)
}

func TestParsedLineEndToEnd(t *testing.T) {
	idx := &captureIndexer{}
	b := newTestBufferer(t, Config{MaxSize: 100, FlushInterval: time.Minute}, idx, nil)

	rec := logparse.Parse(`192.168.1.10 - - [10/Oct/2023:13:55:36 +0000] "GET /index.html HTTP/1.1" 200 2326`, "access-log")
	b.Add(rec)
	b.Flush(context.Background())

	got := idx.all()
	require.Len(t, got, 1)
	require.Equal(t, model.LevelInfo, got[0].Level)
	require.Equal(t, "GET", got[0].Metadata["method"])
	require.Equal(t, "200", got[0].Metadata["status_code"])
	require.NotNil(t, got[0].RecordTime)
}
