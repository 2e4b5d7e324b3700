package retention

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Wall-clock run times. Retention runs right after midnight, cold cleanup
// two hours later when retention archives have settled.
const (
	applyHour   = 0
	cleanupHour = 2
)

var (
	metricPolicyRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "retention_policy_runs_total",
		Help:      "Retention policy applications.",
	})
	metricRecordsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "retention_records_expired_total",
		Help:      "Records deleted by retention policies.",
	})
)

// Deleter removes records older than a threshold, satisfied by sagadb.
type Deleter interface {
	DeleteOlderThan(ctx context.Context, ts int64, source string) (int, error)
}

// Cleaner removes expired cold archives, satisfied by the archive store.
type Cleaner interface {
	Cleanup() int
}

// Retention applies policies daily and runs the archive cold cleanup.
type Retention struct {
	services.Service

	store   *PolicyStore
	deleter Deleter
	cleaner Cleaner
	logger  log.Logger

	now func() time.Time
}

// New creates the retention scheduler. cleaner may be nil when archiving is
// disabled.
func New(store *PolicyStore, deleter Deleter, cleaner Cleaner, logger log.Logger) *Retention {
	r := &Retention{
		store:   store,
		deleter: deleter,
		cleaner: cleaner,
		logger:  logger,
		now:     time.Now,
	}
	r.Service = services.NewBasicService(nil, r.running, nil)
	return r
}

// nextOccurrence returns the next wall-clock time with the given hour.
func nextOccurrence(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (r *Retention) running(ctx context.Context) error {
	applyTimer := time.NewTimer(time.Until(nextOccurrence(r.now(), applyHour)))
	defer applyTimer.Stop()
	cleanupTimer := time.NewTimer(time.Until(nextOccurrence(r.now(), cleanupHour)))
	defer cleanupTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-applyTimer.C:
			r.Apply(ctx)
			applyTimer.Reset(time.Until(nextOccurrence(r.now(), applyHour)))
		case <-cleanupTimer.C:
			if r.cleaner != nil {
				r.cleaner.Cleanup()
			}
			cleanupTimer.Reset(time.Until(nextOccurrence(r.now(), cleanupHour)))
		}
	}
}

// Apply runs every enabled policy once. Per-policy failures are logged and
// do not stop the remaining policies.
func (r *Retention) Apply(ctx context.Context) {
	for _, p := range r.store.ListEnabled() {
		metricPolicyRuns.Inc()
		threshold := r.now().AddDate(0, 0, -p.MaxAgeDays).UnixMilli()

		sources := p.ApplyToSources
		if len(sources) == 0 {
			sources = []string{""}
		}

		total := 0
		for _, src := range sources {
			n, err := r.deleter.DeleteOlderThan(ctx, threshold, src)
			if err != nil {
				level.Error(r.logger).Log("msg", "retention delete failed", "policy", p.Name, "source", src, "err", err)
				continue
			}
			total += n
		}

		metricRecordsExpired.Add(float64(total))
		if total > 0 {
			level.Info(r.logger).Log("msg", "retention policy applied", "policy", p.Name, "deleted", total)
		}
	}
}
