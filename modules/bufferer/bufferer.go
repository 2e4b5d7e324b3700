package bufferer

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/sagalog/saga/pkg/model"
	"github.com/sagalog/saga/pkg/redact"
)

const redactMask = "[REDACTED]"

var (
	metricPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "saga",
		Name:      "buffer_pending_records",
		Help:      "Records waiting for the next flush.",
	})
	metricFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "buffer_flushes_total",
		Help:      "The total number of flushes executed.",
	})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "buffer_records_dropped_total",
		Help:      "Records dropped because their flush failed.",
	})
)

// Indexer is the downstream batch writer, satisfied by sagadb.Store.
type Indexer interface {
	IndexAll(ctx context.Context, records []model.LogRecord) error
}

// Bufferer decouples the many producers from the single indexer. Adds are
// cheap appends; a size threshold or the periodic timer triggers a batch
// flush. At most one flush runs at a time, contended triggers coalesce into
// the running one.
type Bufferer struct {
	services.Service

	cfg      Config
	logger   log.Logger
	indexer  Indexer
	redactor *redact.Redactor

	mtx     sync.Mutex
	pending []model.LogRecord

	flushing atomic.Bool
}

// New creates the buffer service. redactor may be nil to skip redaction.
func New(cfg Config, indexer Indexer, redactor *redact.Redactor, logger log.Logger) (*Bufferer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Bufferer{
		cfg:      cfg,
		logger:   logger,
		indexer:  indexer,
		redactor: redactor,
		pending:  make([]model.LogRecord, 0, cfg.MaxSize),
	}
	b.Service = services.NewTimerService(cfg.FlushInterval, nil, b.iteration, b.stopping)
	return b, nil
}

func (b *Bufferer) iteration(ctx context.Context) error {
	b.Flush(ctx)
	return nil
}

func (b *Bufferer) stopping(_ error) error {
	b.Flush(context.Background())
	return nil
}

// Add appends one record and returns immediately. Crossing the size
// threshold flushes synchronously.
func (b *Bufferer) Add(record model.LogRecord) {
	b.AddAll([]model.LogRecord{record})
}

// AddAll bulk-appends records, flushing when the threshold is crossed.
func (b *Bufferer) AddAll(records []model.LogRecord) {
	if len(records) == 0 {
		return
	}

	b.mtx.Lock()
	b.pending = append(b.pending, records...)
	n := len(b.pending)
	b.mtx.Unlock()
	metricPending.Set(float64(n))

	if n >= b.cfg.MaxSize {
		b.Flush(context.Background())
	}
}

// Len returns the number of records waiting for the next flush.
func (b *Bufferer) Len() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.pending)
}

// Flush indexes everything currently queued in one batch. Concurrent calls
// are no-ops; the queued records ride along with the active flush.
func (b *Bufferer) Flush(ctx context.Context) {
	if !b.flushing.CompareAndSwap(false, true) {
		return
	}
	defer b.flushing.Store(false)

	b.mtx.Lock()
	batch := b.pending
	b.pending = make([]model.LogRecord, 0, b.cfg.MaxSize)
	b.mtx.Unlock()
	metricPending.Set(0)

	if len(batch) == 0 {
		return
	}

	if b.redactor != nil {
		for i := range batch {
			batch[i].Message = b.redactor.RedactLine(batch[i].Message, redactMask)
			batch[i].RawContent = b.redactor.RedactLine(batch[i].RawContent, redactMask)
			b.redactor.RedactMetadataValues(batch[i].Metadata, redactMask)
		}
	}

	metricFlushes.Inc()
	if err := b.indexer.IndexAll(ctx, batch); err != nil {
		// dropped, not re-queued: a persistent indexing error must not grow
		// the buffer without bound
		metricDropped.Add(float64(len(batch)))
		level.Error(b.logger).Log("msg", "failed to flush buffer, dropping batch", "records", len(batch), "err", err)
	}
}
