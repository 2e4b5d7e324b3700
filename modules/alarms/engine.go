package alarms

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sagalog/saga/pkg/model"
)

var (
	metricEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "alarms_evaluations_total",
		Help:      "Alarm evaluations executed.",
	})
	metricTriggers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "alarms_triggers_total",
		Help:      "Alarm evaluations whose condition held.",
	})
	metricNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "alarms_notifications_total",
		Help:      "Notifications handed to channel senders.",
	})
	metricThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "alarms_throttled_total",
		Help:      "Triggers suppressed by the throttle window.",
	})
	metricSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "alarms_send_failures_total",
		Help:      "Notification sends that returned an error.",
	})
)

// Searcher resolves an alarm query to matching records, satisfied by the
// querier and by sagadb directly.
type Searcher interface {
	Search(ctx context.Context, query string, regex bool, startTime, endTime *int64) ([]model.LogRecord, error)
}

type pendingTrigger struct {
	alarm       Alarm
	triggeredAt time.Time
}

// Engine evaluates alarms on a fixed period and delivers notifications,
// applying throttling and grouping.
type Engine struct {
	services.Service

	cfg      Config
	store    *Store
	searcher Searcher
	logger   log.Logger

	sendersMtx sync.RWMutex
	senders    map[string]Sender

	mtx     sync.Mutex
	history map[string][]time.Time      // alarm id -> delivery times
	groups  map[string][]pendingTrigger // grouping key -> pending triggers

	now func() time.Time
}

func NewEngine(cfg Config, store *Store, searcher Searcher, logger log.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		searcher: searcher,
		logger:   logger,
		senders:  map[string]Sender{},
		history:  map[string][]time.Time{},
		groups:   map[string][]pendingTrigger{},
		now:      time.Now,
	}

	// every channel type delivers somewhere, even if only to the log
	logSender := &LogSender{Logger: logger}
	for _, t := range []string{ChannelEmail, ChannelSlack, ChannelPagerDuty, ChannelOpsGenie} {
		e.senders[t] = logSender
	}
	e.senders[ChannelWebhook] = &WebhookSender{}

	e.Service = services.NewBasicService(nil, e.running, nil)
	return e, nil
}

// RegisterSender installs the sender for a channel type, replacing the
// default.
func (e *Engine) RegisterSender(channelType string, s Sender) {
	e.sendersMtx.Lock()
	defer e.sendersMtx.Unlock()
	e.senders[channelType] = s
}

func (e *Engine) running(ctx context.Context) error {
	evalTicker := time.NewTicker(e.cfg.EvaluateInterval)
	defer evalTicker.Stop()
	groupTicker := time.NewTicker(e.cfg.GroupInterval)
	defer groupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-evalTicker.C:
			e.Evaluate(ctx)
		case <-groupTicker.C:
			e.ProcessGroups(ctx)
		}
	}
}

// Evaluate runs every enabled alarm once. Per-alarm failures are logged and
// do not stop the loop.
func (e *Engine) Evaluate(ctx context.Context) {
	for _, alarm := range e.store.ListEnabled() {
		if err := e.evaluateAlarm(ctx, alarm); err != nil {
			level.Error(e.logger).Log("msg", "alarm evaluation failed", "alarm", alarm.Name, "err", err)
		}
	}
}

func (e *Engine) evaluateAlarm(ctx context.Context, alarm Alarm) error {
	metricEvaluations.Inc()

	now := e.now()
	start := now.Add(-alarm.Window).UnixMilli()
	end := now.UnixMilli()

	records, err := e.searcher.Search(ctx, alarm.Query, false, &start, &end)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	compare, err := parseCondition(alarm.Condition)
	if err != nil {
		level.Warn(e.logger).Log("msg", "unknown alarm condition, not triggering", "alarm", alarm.Name, "condition", alarm.Condition)
		return nil
	}

	if !compare(len(records), alarm.Threshold) {
		return nil
	}
	metricTriggers.Inc()
	level.Info(e.logger).Log("msg", "alarm triggered", "alarm", alarm.Name, "matches", len(records), "threshold", alarm.Threshold)

	e.mtx.Lock()
	if !e.throttleAllowedLocked(alarm, now) {
		e.mtx.Unlock()
		metricThrottled.Inc()
		level.Info(e.logger).Log("msg", "alarm throttled", "alarm", alarm.Name)
		return nil
	}

	if alarm.GroupingKey != "" {
		e.groups[alarm.GroupingKey] = append(e.groups[alarm.GroupingKey], pendingTrigger{alarm: alarm, triggeredAt: now})
		e.mtx.Unlock()
		return nil
	}

	e.history[alarm.ID] = append(e.history[alarm.ID], now)
	e.mtx.Unlock()

	message := fmt.Sprintf("Alarm %q triggered: %d matches for %q in the last %s", alarm.Name, len(records), alarm.Query, alarm.Window)
	e.deliver(ctx, alarm.Channels, message)
	return nil
}

// throttleAllowedLocked prunes the alarm's delivery history to the throttle
// window and reports whether another delivery fits. Call with e.mtx held.
func (e *Engine) throttleAllowedLocked(alarm Alarm, now time.Time) bool {
	if alarm.ThrottleWindow <= 0 {
		return true
	}

	cutoff := now.Add(-alarm.ThrottleWindow)
	kept := e.history[alarm.ID][:0]
	for _, ts := range e.history[alarm.ID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.history[alarm.ID] = kept

	return len(kept) < alarm.MaxNotificationsPerWindow
}

// ProcessGroups delivers grouping buckets that have aged past the grouping
// window, one combined notification per bucket.
func (e *Engine) ProcessGroups(ctx context.Context) {
	now := e.now()

	e.mtx.Lock()
	ripe := map[string][]pendingTrigger{}
	for key, triggers := range e.groups {
		if len(triggers) == 0 {
			delete(e.groups, key)
			continue
		}
		oldest := triggers[0].triggeredAt
		for _, tr := range triggers {
			if tr.triggeredAt.Before(oldest) {
				oldest = tr.triggeredAt
			}
		}
		if now.Sub(oldest) < e.cfg.GroupingWindow {
			continue
		}
		ripe[key] = triggers
		delete(e.groups, key)
		for _, tr := range triggers {
			e.history[tr.alarm.ID] = append(e.history[tr.alarm.ID], now)
		}
	}
	e.mtx.Unlock()

	for key, triggers := range ripe {
		names := make([]string, 0, len(triggers))
		channels := map[NotificationChannel]struct{}{}
		for _, tr := range triggers {
			names = append(names, tr.alarm.Name)
			for _, ch := range tr.alarm.Channels {
				channels[ch] = struct{}{}
			}
		}
		sort.Strings(names)

		union := make([]NotificationChannel, 0, len(channels))
		for ch := range channels {
			union = append(union, ch)
		}

		message := fmt.Sprintf("%d alarms triggered in group %q: %s", len(triggers), key, strings.Join(names, ", "))
		e.deliver(ctx, union, message)
	}
}

func (e *Engine) deliver(ctx context.Context, channels []NotificationChannel, message string) {
	e.sendersMtx.RLock()
	defer e.sendersMtx.RUnlock()

	for _, ch := range channels {
		sender, ok := e.senders[ch.Type]
		if !ok {
			level.Warn(e.logger).Log("msg", "no sender for channel type, skipping", "type", ch.Type)
			continue
		}
		metricNotifications.Inc()
		if err := sender.Send(ctx, ch.Destination, message); err != nil {
			metricSendFailures.Inc()
			level.Error(e.logger).Log("msg", "notification send failed", "type", ch.Type, "destination", ch.Destination, "err", err)
		}
	}
}

// parseCondition understands "count <op>" with op one of > >= < <= = ==.
// The right-hand side is the alarm threshold.
func parseCondition(condition string) (func(count, threshold int) bool, error) {
	fields := strings.Fields(condition)
	if len(fields) < 2 || fields[0] != "count" {
		return nil, fmt.Errorf("unsupported condition %q", condition)
	}

	switch fields[1] {
	case ">":
		return func(c, t int) bool { return c > t }, nil
	case ">=":
		return func(c, t int) bool { return c >= t }, nil
	case "<":
		return func(c, t int) bool { return c < t }, nil
	case "<=":
		return func(c, t int) bool { return c <= t }, nil
	case "=", "==":
		return func(c, t int) bool { return c == t }, nil
	}
	return nil, fmt.Errorf("unsupported condition %q", condition)
}
