package sources

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sagalog/saga/pkg/logparse"
	"github.com/sagalog/saga/pkg/model"
)

var metricCloudEvents = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "saga",
	Name:      "sources_cloud_events_total",
	Help:      "Log events fetched from cloud providers.",
})

// CloudLogEvent is one event returned by a provider.
type CloudLogEvent struct {
	Timestamp int64
	Message   string
}

// CloudLogsClient pages through a provider's log events. NextToken continues
// a previous page; an empty returned token means the stream is drained for
// now.
type CloudLogsClient interface {
	FetchLogEvents(ctx context.Context, logGroup, logStream string, startTime int64, nextToken string) ([]CloudLogEvent, string, error)
}

// cursor is the per-source fetch position. It only advances after a
// successful fetch, so a failed page is re-read on the next tick.
type cursor struct {
	nextToken     string
	lastTimestamp int64
}

// CloudFetcher polls cloud log streams on a fixed interval and feeds the
// events through the parsers into the buffer.
type CloudFetcher struct {
	services.Service

	sources []SourceConfig
	client  CloudLogsClient
	buffer  Buffer
	coord   *Coordinator
	logger  log.Logger

	mtx     sync.Mutex
	cursors map[string]*cursor

	backoffConfig backoff.Config
}

func NewCloudFetcher(sources []SourceConfig, interval time.Duration, client CloudLogsClient, buffer Buffer, coord *Coordinator, logger log.Logger) *CloudFetcher {
	f := &CloudFetcher{
		sources: sources,
		client:  client,
		buffer:  buffer,
		coord:   coord,
		logger:  logger,
		cursors: map[string]*cursor{},
		backoffConfig: backoff.Config{
			MinBackoff: time.Second,
			MaxBackoff: 30 * time.Second,
			MaxRetries: 3,
		},
	}
	f.Service = services.NewTimerService(interval, nil, f.iteration, nil)
	return f
}

func (f *CloudFetcher) iteration(ctx context.Context) error {
	for _, src := range f.sources {
		if src.Type != SourceTypeCloud {
			continue
		}
		if !f.coord.ShouldProcess(src.ID) {
			continue
		}
		f.fetchSource(ctx, src)
	}
	return nil
}

func (f *CloudFetcher) fetchSource(ctx context.Context, src SourceConfig) {
	f.mtx.Lock()
	cur, ok := f.cursors[src.ID]
	if !ok {
		cur = &cursor{}
		f.cursors[src.ID] = cur
	}
	token, since := cur.nextToken, cur.lastTimestamp
	f.mtx.Unlock()

	var (
		events []CloudLogEvent
		next   string
		err    error
	)
	bo := backoff.New(ctx, f.backoffConfig)
	for bo.Ongoing() {
		events, next, err = f.client.FetchLogEvents(ctx, src.LogGroup, src.LogStream, since, token)
		if err == nil {
			break
		}
		level.Warn(f.logger).Log("msg", "cloud fetch failed, retrying", "source", src.Name, "err", err)
		bo.Wait()
	}
	if err != nil {
		// cursor untouched, the page is retried next tick
		level.Error(f.logger).Log("msg", "cloud fetch gave up", "source", src.Name, "err", err)
		return
	}

	if len(events) > 0 {
		batch := make([]model.LogRecord, 0, len(events))
		for _, e := range events {
			rec := logparse.Parse(e.Message, src.Name)
			if rec.RecordTime == nil && e.Timestamp > 0 {
				rec.RecordTime = model.Int64Ptr(e.Timestamp)
			}
			batch = append(batch, rec)
			if e.Timestamp > since {
				since = e.Timestamp
			}
		}
		metricCloudEvents.Add(float64(len(batch)))
		f.buffer.AddAll(batch)
	}

	f.mtx.Lock()
	cur.nextToken = next
	cur.lastTimestamp = since
	f.mtx.Unlock()
}
