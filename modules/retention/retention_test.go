package retention

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

type fakeDeleter struct {
	mtx     sync.Mutex
	deletes map[string]int64 // source -> threshold
	deleted int
}

func (d *fakeDeleter) DeleteOlderThan(_ context.Context, ts int64, source string) (int, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.deletes == nil {
		d.deletes = map[string]int64{}
	}
	d.deletes[source] = ts
	d.deleted++
	return d.deleted, nil
}

func TestPolicyStoreValidation(t *testing.T) {
	s := NewPolicyStore()

	_, err := s.Create(Policy{Name: "short-lived", MaxAgeDays: 7, Enabled: true})
	require.NoError(t, err)

	_, err = s.Create(Policy{Name: "short-lived", MaxAgeDays: 14})
	require.ErrorIs(t, err, ErrNameTaken)

	_, err = s.Create(Policy{Name: "", MaxAgeDays: 7})
	require.Error(t, err)

	_, err = s.Create(Policy{Name: "zero-age", MaxAgeDays: 0})
	require.Error(t, err)
}

func TestPolicyStoreCRUD(t *testing.T) {
	s := NewPolicyStore()

	p, err := s.Create(Policy{Name: "web-logs", MaxAgeDays: 30, Enabled: true, ApplyToSources: []string{"web"}})
	require.NoError(t, err)

	p.MaxAgeDays = 60
	require.NoError(t, s.Update(p))

	got, err := s.Get(p.ID)
	require.NoError(t, err)
	require.Equal(t, 60, got.MaxAgeDays)

	require.NoError(t, s.Delete(p.ID))
	require.ErrorIs(t, s.Delete(p.ID), ErrNotFound)
}

func TestApplyComputesThreshold(t *testing.T) {
	store := NewPolicyStore()
	_, err := store.Create(Policy{Name: "web-logs", MaxAgeDays: 30, Enabled: true, ApplyToSources: []string{"web", "db"}})
	require.NoError(t, err)
	_, err = store.Create(Policy{Name: "disabled", MaxAgeDays: 1, Enabled: false})
	require.NoError(t, err)

	deleter := &fakeDeleter{}
	r := New(store, deleter, nil, log.NewNopLogger())

	now := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Apply(context.Background())

	require.Len(t, deleter.deletes, 2)
	want := now.AddDate(0, 0, -30).UnixMilli()
	require.Equal(t, want, deleter.deletes["web"])
	require.Equal(t, want, deleter.deletes["db"])
}

func TestApplyEmptySourcesMeansAll(t *testing.T) {
	store := NewPolicyStore()
	_, err := store.Create(Policy{Name: "everything", MaxAgeDays: 7, Enabled: true})
	require.NoError(t, err)

	deleter := &fakeDeleter{}
	r := New(store, deleter, nil, log.NewNopLogger())
	r.Apply(context.Background())

	require.Len(t, deleter.deletes, 1)
	_, ok := deleter.deletes[""]
	require.True(t, ok)
}

func TestNextOccurrence(t *testing.T) {
	loc := time.UTC

	// before today's run
	now := time.Date(2025, 6, 15, 1, 30, 0, 0, loc)
	require.Equal(t, time.Date(2025, 6, 15, 2, 0, 0, 0, loc), nextOccurrence(now, 2))

	// after today's run rolls to tomorrow
	now = time.Date(2025, 6, 15, 2, 0, 0, 0, loc)
	require.Equal(t, time.Date(2025, 6, 16, 2, 0, 0, 0, loc), nextOccurrence(now, 2))

	now = time.Date(2025, 6, 15, 23, 59, 0, 0, loc)
	require.Equal(t, time.Date(2025, 6, 16, 0, 0, 0, 0, loc), nextOccurrence(now, 0))
}
