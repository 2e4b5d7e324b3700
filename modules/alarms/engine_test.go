package alarms

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/sagalog/saga/pkg/model"
)

type fakeSearcher struct {
	matches map[string]int
	err     error
	calls   []string
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ bool, _, _ *int64) ([]model.LogRecord, error) {
	f.calls = append(f.calls, query)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]model.LogRecord, f.matches[query])
	for i := range out {
		out[i] = model.NewRecord("test", query)
	}
	return out, nil
}

type captureSender struct {
	mtx      sync.Mutex
	messages []string
}

func (c *captureSender) Send(_ context.Context, _, message string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.messages = append(c.messages, message)
	return nil
}

func (c *captureSender) all() []string {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]string(nil), c.messages...)
}

func testEngine(t *testing.T, store *Store, searcher Searcher) (*Engine, *captureSender) {
	cfg := Config{
		EvaluateInterval: time.Minute,
		GroupInterval:    30 * time.Second,
		GroupingWindow:   5 * time.Minute,
	}
	e, err := NewEngine(cfg, store, searcher, log.NewNopLogger())
	require.NoError(t, err)

	sender := &captureSender{}
	for _, typ := range []string{ChannelEmail, ChannelSlack, ChannelWebhook, ChannelPagerDuty, ChannelOpsGenie} {
		e.RegisterSender(typ, sender)
	}
	return e, sender
}

func emailAlarm(name, query string, threshold int) Alarm {
	return Alarm{
		Name:      name,
		Query:     query,
		Condition: "count >",
		Threshold: threshold,
		Enabled:   true,
		Window:    5 * time.Minute,
		Channels:  []NotificationChannel{{Type: ChannelEmail, Destination: "ops@example.com"}},
	}
}

func TestStoreValidation(t *testing.T) {
	s := NewStore()

	_, err := s.Create(emailAlarm("errors", "level=ERROR", 5))
	require.NoError(t, err)

	_, err = s.Create(emailAlarm("errors", "level=ERROR", 5))
	require.ErrorIs(t, err, ErrNameTaken)

	bad := emailAlarm("negative", "x", 5)
	bad.Threshold = -1
	_, err = s.Create(bad)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "threshold", verr.Field)

	bad = emailAlarm("no-query", "", 5)
	_, err = s.Create(bad)
	require.Error(t, err)

	bad = emailAlarm("no-window", "x", 5)
	bad.Window = 0
	_, err = s.Create(bad)
	require.Error(t, err)
}

func TestStoreCRUD(t *testing.T) {
	s := NewStore()

	a, err := s.Create(emailAlarm("errors", "level=ERROR", 5))
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)

	a.Threshold = 10
	require.NoError(t, s.Update(a))

	got, err := s.Get(a.ID)
	require.NoError(t, err)
	require.Equal(t, 10, got.Threshold)

	byName, err := s.GetByName("errors")
	require.NoError(t, err)
	require.Equal(t, a.ID, byName.ID)

	require.NoError(t, s.Delete(a.ID))
	require.ErrorIs(t, s.Delete(a.ID), ErrNotFound)
}

func TestImmediateDelivery(t *testing.T) {
	store := NewStore()
	_, err := store.Create(emailAlarm("error-spike", "level=ERROR", 2))
	require.NoError(t, err)

	searcher := &fakeSearcher{matches: map[string]int{"level=ERROR": 3}}
	e, sender := testEngine(t, store, searcher)

	e.Evaluate(context.Background())

	msgs := sender.all()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "error-spike")
	require.Contains(t, msgs[0], "3 matches")
}

func TestConditionBelowThresholdDoesNotTrigger(t *testing.T) {
	store := NewStore()
	_, err := store.Create(emailAlarm("error-spike", "level=ERROR", 5))
	require.NoError(t, err)

	searcher := &fakeSearcher{matches: map[string]int{"level=ERROR": 5}}
	e, sender := testEngine(t, store, searcher)

	// count > threshold is strict
	e.Evaluate(context.Background())
	require.Empty(t, sender.all())
}

func TestUnknownConditionNeverTriggers(t *testing.T) {
	store := NewStore()
	a := emailAlarm("weird", "x", 0)
	a.Condition = "median above"
	_, err := store.Create(a)
	require.NoError(t, err)

	searcher := &fakeSearcher{matches: map[string]int{"x": 100}}
	e, sender := testEngine(t, store, searcher)

	e.Evaluate(context.Background())
	require.Empty(t, sender.all())
}

func TestThrottleCapsDeliveries(t *testing.T) {
	store := NewStore()
	a := emailAlarm("chatty", "level=ERROR", 0)
	a.ThrottleWindow = 10 * time.Minute
	a.MaxNotificationsPerWindow = 2
	_, err := store.Create(a)
	require.NoError(t, err)

	searcher := &fakeSearcher{matches: map[string]int{"level=ERROR": 1}}
	e, sender := testEngine(t, store, searcher)

	now := time.Now()
	e.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		e.Evaluate(context.Background())
		now = now.Add(time.Minute)
	}
	require.Len(t, sender.all(), 2)

	// outside the window the budget resets
	now = now.Add(10 * time.Minute)
	e.Evaluate(context.Background())
	require.Len(t, sender.all(), 3)
}

func TestGroupedDelivery(t *testing.T) {
	store := NewStore()

	a1 := emailAlarm("cpu-high", "cpu", 0)
	a1.GroupingKey = "system-health"
	_, err := store.Create(a1)
	require.NoError(t, err)

	a2 := emailAlarm("memory-high", "memory", 0)
	a2.GroupingKey = "system-health"
	a2.Channels = []NotificationChannel{{Type: ChannelSlack, Destination: "#ops"}}
	_, err = store.Create(a2)
	require.NoError(t, err)

	searcher := &fakeSearcher{matches: map[string]int{"cpu": 1, "memory": 1}}
	e, sender := testEngine(t, store, searcher)

	now := time.Now()
	e.now = func() time.Time { return now }

	e.Evaluate(context.Background())
	require.Empty(t, sender.all(), "grouped alarms must not deliver immediately")

	// bucket not old enough yet
	e.ProcessGroups(context.Background())
	require.Empty(t, sender.all())

	now = now.Add(6 * time.Minute)
	e.ProcessGroups(context.Background())

	msgs := sender.all()
	// one combined message to the union of channels (email + slack)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		require.Contains(t, m, "cpu-high")
		require.Contains(t, m, "memory-high")
		require.True(t, strings.HasPrefix(m, "2 alarms triggered"))
	}

	// bucket cleared
	e.ProcessGroups(context.Background())
	require.Len(t, sender.all(), 2)
}

func TestEvaluationErrorDoesNotStopLoop(t *testing.T) {
	store := NewStore()
	_, err := store.Create(emailAlarm("a-broken", "boom", 0))
	require.NoError(t, err)
	_, err = store.Create(emailAlarm("b-works", "fine", 0))
	require.NoError(t, err)

	searcher := &failOnceSearcher{failQuery: "boom", matches: map[string]int{"fine": 1}}
	e, sender := testEngine(t, store, searcher)

	e.Evaluate(context.Background())

	msgs := sender.all()
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "b-works")
}

type failOnceSearcher struct {
	failQuery string
	matches   map[string]int
}

func (f *failOnceSearcher) Search(_ context.Context, query string, _ bool, _, _ *int64) ([]model.LogRecord, error) {
	if query == f.failQuery {
		return nil, fmt.Errorf("index unavailable")
	}
	out := make([]model.LogRecord, f.matches[query])
	for i := range out {
		out[i] = model.NewRecord("test", query)
	}
	return out, nil
}

func TestParseCondition(t *testing.T) {
	tests := []struct {
		condition string
		count     int
		threshold int
		want      bool
	}{
		{"count >", 3, 2, true},
		{"count >", 2, 2, false},
		{"count >=", 2, 2, true},
		{"count <", 1, 2, true},
		{"count <=", 2, 2, true},
		{"count =", 2, 2, true},
		{"count ==", 3, 2, false},
	}
	for _, tc := range tests {
		compare, err := parseCondition(tc.condition)
		require.NoError(t, err, tc.condition)
		require.Equal(t, tc.want, compare(tc.count, tc.threshold), "%s count=%d threshold=%d", tc.condition, tc.count, tc.threshold)
	}

	_, err := parseCondition("sum >")
	require.Error(t, err)
	_, err = parseCondition("count")
	require.Error(t, err)
}
