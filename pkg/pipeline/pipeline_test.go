package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagalog/saga/pkg/model"
)

type fakeSearcher struct {
	records []model.LogRecord
}

func (f *fakeSearcher) Search(_ context.Context, query string, _ bool, _, _ *int64) ([]model.LogRecord, error) {
	out := []model.LogRecord{}
	for _, r := range f.records {
		if strings.Contains(r.Message, query) || strings.Contains(r.RawContent, query) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSearcher) FindByLevel(_ context.Context, level string) ([]model.LogRecord, error) {
	out := []model.LogRecord{}
	for _, r := range f.records {
		if r.Level == level {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSearcher) FindBySource(_ context.Context, source string) ([]model.LogRecord, error) {
	out := []model.LogRecord{}
	for _, r := range f.records {
		if r.Source == source {
			out = append(out, r)
		}
	}
	return out, nil
}

func testEngine() *Engine {
	return NewEngine(&fakeSearcher{records: []model.LogRecord{
		{ID: "1", Level: model.LevelError, Source: "app.log", Message: "db timeout", IngestTime: 100},
		{ID: "2", Level: model.LevelInfo, Source: "app.log", Message: "request ok", IngestTime: 200},
		{ID: "3", Level: model.LevelError, Source: "web.log", Message: "db unreachable", IngestTime: 300},
		{ID: "4", Level: model.LevelWarn, Source: "web.log", Message: "slow db request", IngestTime: 400},
	}})
}

func TestSearchTerm(t *testing.T) {
	res, err := testEngine().Execute(context.Background(), "search db")
	require.NoError(t, err)
	assert.Equal(t, ResultTypeLogEntries, res.ResultType)
	assert.Len(t, res.LogEntries, 3)
}

func TestSearchFieldLookups(t *testing.T) {
	e := testEngine()

	res, err := e.Execute(context.Background(), "search level=error")
	require.NoError(t, err)
	assert.Len(t, res.LogEntries, 2)

	res, err = e.Execute(context.Background(), `search source="web.log"`)
	require.NoError(t, err)
	assert.Len(t, res.LogEntries, 2)
}

func TestWhereFilter(t *testing.T) {
	res, err := testEngine().Execute(context.Background(), "search db | where source=app.log")
	require.NoError(t, err)
	require.Len(t, res.LogEntries, 1)
	assert.Equal(t, "1", res.LogEntries[0].ID)
}

func TestStatsCount(t *testing.T) {
	res, err := testEngine().Execute(context.Background(), "search db | stats count")
	require.NoError(t, err)
	assert.Equal(t, ResultTypeStatistics, res.ResultType)
	assert.Nil(t, res.LogEntries)
	assert.Equal(t, map[string]int64{"count": 3}, res.Statistics)
}

func TestStatsCountBy(t *testing.T) {
	res, err := testEngine().Execute(context.Background(), "search db | stats count by level")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{
		model.LevelError: 2,
		model.LevelWarn:  1,
	}, res.Statistics)
}

func TestStatsIsTerminal(t *testing.T) {
	// stages after stats are ignored, including invalid ones
	res, err := testEngine().Execute(context.Background(), "search db | stats count | head notanumber")
	require.NoError(t, err)
	assert.Equal(t, ResultTypeStatistics, res.ResultType)
}

func TestSortHeadTail(t *testing.T) {
	e := testEngine()

	res, err := e.Execute(context.Background(), "search db | sort -timestamp | head 2")
	require.NoError(t, err)
	require.Len(t, res.LogEntries, 2)
	assert.Equal(t, "4", res.LogEntries[0].ID)
	assert.Equal(t, "3", res.LogEntries[1].ID)

	res, err = e.Execute(context.Background(), "search db | sort timestamp | tail 1")
	require.NoError(t, err)
	require.Len(t, res.LogEntries, 1)
	assert.Equal(t, "4", res.LogEntries[0].ID)

	res, err = e.Execute(context.Background(), "search db | sort level")
	require.NoError(t, err)
	assert.Equal(t, model.LevelError, res.LogEntries[0].Level)
	assert.Equal(t, model.LevelWarn, res.LogEntries[2].Level)
}

func TestEvalPassesThrough(t *testing.T) {
	res, err := testEngine().Execute(context.Background(), "search db | eval x=1")
	require.NoError(t, err)
	assert.Len(t, res.LogEntries, 3)
}

func TestErrors(t *testing.T) {
	e := testEngine()

	_, err := e.Execute(context.Background(), "search db | explode")
	assert.Error(t, err)

	_, err = e.Execute(context.Background(), "search db | head -3")
	assert.Error(t, err)

	_, err = e.Execute(context.Background(), "search db | sort message")
	assert.Error(t, err)

	_, err = e.Execute(context.Background(), "where level=ERROR | search db")
	assert.Error(t, err)
}
