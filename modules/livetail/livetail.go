package livetail

import (
	"context"
	"flag"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sagalog/saga/pkg/model"
)

// Event names pushed to sinks.
const (
	EventConnected    = "connected"
	EventInitialData  = "initialData"
	EventLogUpdate    = "logUpdate"
	EventWidgetUpdate = "widgetUpdate"
	EventHeartbeat    = "heartbeat"
)

var (
	metricActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "saga",
		Name:      "livetail_active_subscriptions",
		Help:      "Open subscriptions by kind.",
	}, []string{"kind"})
	metricPushedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "livetail_pushed_events_total",
		Help:      "Events pushed to subscribers.",
	})
)

type Config struct {
	HandleTTL         time.Duration `yaml:"handle_ttl"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.HandleTTL = 5 * time.Minute
	cfg.HeartbeatInterval = 15 * time.Second

	f.DurationVar(&cfg.HandleTTL, prefix+".handle-ttl", cfg.HandleTTL, "Lifetime of a streaming handle.")
	f.DurationVar(&cfg.HeartbeatInterval, prefix+".heartbeat-interval", cfg.HeartbeatInterval, "Interval between keep-alive events.")
}

func (cfg *Config) Validate() error {
	if cfg.HandleTTL <= 0 {
		return fmt.Errorf("handle_ttl must be greater than 0, got %s", cfg.HandleTTL)
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be greater than 0, got %s", cfg.HeartbeatInterval)
	}
	return nil
}

// Sink is one client connection. Send failures close the subscription.
type Sink interface {
	Send(event string, data interface{}) error
	Close()
}

// Searcher provides the initial snapshot on subscribe, satisfied by sagadb.
type Searcher interface {
	Search(ctx context.Context, query string, regex bool, startTime, endTime *int64) ([]model.LogRecord, error)
}

const (
	kindLog    = "log"
	kindWidget = "widget"
)

type subscription struct {
	id        string
	kind      string
	sink      Sink
	createdAt time.Time

	// log subscriptions
	query string
	re    *regexp.Regexp

	// widget subscriptions
	dashboardID string
	widgetID    string
}

// matches reports whether a record should be pushed to this log
// subscription. Empty queries match everything; regex selectors are applied
// to message and raw content, plain ones as case-insensitive substrings.
func (s *subscription) matches(rec *model.LogRecord) bool {
	if s.query == "" {
		return true
	}
	if s.re != nil {
		return s.re.MatchString(rec.Message) || s.re.MatchString(rec.RawContent)
	}
	q := strings.ToLower(s.query)
	return strings.Contains(strings.ToLower(rec.Message), q) ||
		strings.Contains(strings.ToLower(rec.RawContent), q)
}

// Stats is the subscription registry snapshot.
type Stats struct {
	TotalConnections          int64 `json:"totalConnections"`
	ActiveConnections         int   `json:"activeConnections"`
	LogUpdateConnections      int   `json:"logUpdateConnections"`
	WidgetUpdateConnections   int   `json:"widgetUpdateConnections"`
	LogUpdateQueries          int   `json:"logUpdateQueries"`
	WidgetUpdateSubscriptions int   `json:"widgetUpdateSubscriptions"`
}

// Tailer fans newly indexed records out to matching subscribers and keeps
// handles alive with heartbeats.
type Tailer struct {
	services.Service

	cfg      Config
	searcher Searcher
	logger   log.Logger

	mtx  sync.RWMutex
	subs map[string]*subscription

	totalConnections int64

	now func() time.Time
}

func New(cfg Config, searcher Searcher, logger log.Logger) (*Tailer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Tailer{
		cfg:      cfg,
		searcher: searcher,
		logger:   logger,
		subs:     map[string]*subscription{},
		now:      time.Now,
	}
	t.Service = services.NewTimerService(cfg.HeartbeatInterval, nil, t.heartbeat, t.stopping)
	return t, nil
}

// SubscribeLogs opens a log subscription and pushes the connected event plus
// a best-effort initial snapshot. Returns the subscription id.
func (t *Tailer) SubscribeLogs(ctx context.Context, query string, isRegex bool, startTime, endTime *int64, sink Sink) (string, error) {
	sub := &subscription{
		id:        uuid.NewString(),
		kind:      kindLog,
		sink:      sink,
		createdAt: t.now(),
		query:     query,
	}
	if isRegex && query != "" {
		re, err := regexp.Compile(query)
		if err != nil {
			return "", fmt.Errorf("invalid selector: %w", err)
		}
		sub.re = re
	}

	if err := sink.Send(EventConnected, map[string]string{"subscriptionId": sub.id}); err != nil {
		sink.Close()
		return "", err
	}

	if t.searcher != nil {
		snapshot, err := t.searcher.Search(ctx, query, isRegex, startTime, endTime)
		if err != nil {
			level.Warn(t.logger).Log("msg", "initial snapshot failed", "err", err)
		} else if err := sink.Send(EventInitialData, snapshot); err != nil {
			sink.Close()
			return "", err
		}
	}

	t.register(sub)
	return sub.id, nil
}

// SubscribeWidget opens a widget subscription bound to one dashboard widget.
func (t *Tailer) SubscribeWidget(dashboardID, widgetID string, sink Sink) (string, error) {
	sub := &subscription{
		id:          uuid.NewString(),
		kind:        kindWidget,
		sink:        sink,
		createdAt:   t.now(),
		dashboardID: dashboardID,
		widgetID:    widgetID,
	}

	if err := sink.Send(EventConnected, map[string]string{"subscriptionId": sub.id}); err != nil {
		sink.Close()
		return "", err
	}
	if err := sink.Send(EventInitialData, map[string]string{"dashboardId": dashboardID, "widgetId": widgetID}); err != nil {
		sink.Close()
		return "", err
	}

	t.register(sub)
	return sub.id, nil
}

func (t *Tailer) register(sub *subscription) {
	t.mtx.Lock()
	t.subs[sub.id] = sub
	t.totalConnections++
	t.mtx.Unlock()
	metricActiveSubscriptions.WithLabelValues(sub.kind).Inc()
}

// Unsubscribe closes and removes a subscription.
func (t *Tailer) Unsubscribe(id string) {
	t.mtx.Lock()
	sub, ok := t.subs[id]
	delete(t.subs, id)
	t.mtx.Unlock()

	if ok {
		sub.sink.Close()
		metricActiveSubscriptions.WithLabelValues(sub.kind).Dec()
	}
}

// OnIndexed is the sagadb commit hook: push each new record to every
// matching log subscription.
func (t *Tailer) OnIndexed(records []model.LogRecord) {
	t.mtx.RLock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		if s.kind == kindLog {
			subs = append(subs, s)
		}
	}
	t.mtx.RUnlock()

	for _, sub := range subs {
		var matched []model.LogRecord
		for i := range records {
			if sub.matches(&records[i]) {
				matched = append(matched, records[i])
			}
		}
		if len(matched) == 0 {
			continue
		}
		if err := sub.sink.Send(EventLogUpdate, matched); err != nil {
			t.Unsubscribe(sub.id)
			continue
		}
		metricPushedEvents.Inc()
	}
}

// PushWidgetUpdate delivers a widget payload to every subscription on that
// widget.
func (t *Tailer) PushWidgetUpdate(dashboardID, widgetID string, payload interface{}) {
	t.mtx.RLock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		if s.kind == kindWidget && s.dashboardID == dashboardID && s.widgetID == widgetID {
			subs = append(subs, s)
		}
	}
	t.mtx.RUnlock()

	for _, sub := range subs {
		if err := sub.sink.Send(EventWidgetUpdate, payload); err != nil {
			t.Unsubscribe(sub.id)
			continue
		}
		metricPushedEvents.Inc()
	}
}

// heartbeat keeps handles alive and reaps the expired and the dead.
func (t *Tailer) heartbeat(_ context.Context) error {
	cutoff := t.now().Add(-t.cfg.HandleTTL)

	t.mtx.RLock()
	subs := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.mtx.RUnlock()

	for _, sub := range subs {
		if sub.createdAt.Before(cutoff) {
			t.Unsubscribe(sub.id)
			continue
		}
		if err := sub.sink.Send(EventHeartbeat, nil); err != nil {
			t.Unsubscribe(sub.id)
		}
	}
	return nil
}

func (t *Tailer) stopping(_ error) error {
	t.mtx.Lock()
	subs := t.subs
	t.subs = map[string]*subscription{}
	t.mtx.Unlock()

	for _, sub := range subs {
		sub.sink.Close()
		metricActiveSubscriptions.WithLabelValues(sub.kind).Dec()
	}
	return nil
}

// Stats returns the registry snapshot.
func (t *Tailer) Stats() Stats {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	st := Stats{
		TotalConnections:  t.totalConnections,
		ActiveConnections: len(t.subs),
	}
	queries := map[string]struct{}{}
	widgets := map[string]struct{}{}
	for _, s := range t.subs {
		switch s.kind {
		case kindLog:
			st.LogUpdateConnections++
			queries[s.query] = struct{}{}
		case kindWidget:
			st.WidgetUpdateConnections++
			widgets[s.dashboardID+"/"+s.widgetID] = struct{}{}
		}
	}
	st.LogUpdateQueries = len(queries)
	st.WidgetUpdateSubscriptions = len(widgets)
	return st
}
