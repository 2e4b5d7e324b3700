package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sagalog/saga/pkg/model"
)

// ResultType discriminates the shape of a pipeline result.
type ResultType string

const (
	ResultTypeLogEntries ResultType = "LOG_ENTRIES"
	ResultTypeStatistics ResultType = "STATISTICS"
)

// Result is the outcome of executing a pipeline query.
type Result struct {
	ResultType ResultType        `json:"resultType"`
	LogEntries []model.LogRecord `json:"logEntries,omitempty"`
	Statistics map[string]int64  `json:"statistics,omitempty"`
}

// Searcher resolves the initial record set of a pipeline. Implemented by the
// partitioned index.
type Searcher interface {
	Search(ctx context.Context, query string, regex bool, startTime, endTime *int64) ([]model.LogRecord, error)
	FindByLevel(ctx context.Context, level string) ([]model.LogRecord, error)
	FindBySource(ctx context.Context, source string) ([]model.LogRecord, error)
}

// Engine executes pipeline queries of the form
//
//	search ERROR | where source=app.log | stats count by level
//
// Stages after a terminal stats are ignored.
type Engine struct {
	searcher Searcher
}

func NewEngine(searcher Searcher) *Engine {
	return &Engine{searcher: searcher}
}

func (e *Engine) Execute(ctx context.Context, query string) (*Result, error) {
	stages := strings.Split(query, "|")

	records := []model.LogRecord{}
	result := &Result{ResultType: ResultTypeLogEntries}

	for i, raw := range stages {
		stage := strings.TrimSpace(raw)
		if stage == "" {
			continue
		}

		verb, args, _ := strings.Cut(stage, " ")
		args = strings.TrimSpace(args)

		var err error
		switch strings.ToLower(verb) {
		case "search":
			if i != 0 {
				return nil, fmt.Errorf("search must be the first stage")
			}
			records, err = e.search(ctx, args)
		case "where":
			records, err = applyWhere(records, args)
		case "stats":
			result.Statistics, err = applyStats(records, args)
			if err != nil {
				return nil, err
			}
			result.ResultType = ResultTypeStatistics
			result.LogEntries = nil
			return result, nil
		case "eval":
			// reserved stage, records pass through unchanged
		case "sort":
			records, err = applySort(records, args)
		case "head":
			records, err = applyHead(records, args)
		case "tail":
			records, err = applyTail(records, args)
		default:
			return nil, fmt.Errorf("unknown pipeline stage %q", verb)
		}
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", stage, err)
		}
	}

	result.LogEntries = records
	return result, nil
}

func (e *Engine) search(ctx context.Context, args string) ([]model.LogRecord, error) {
	if args == "" {
		return nil, fmt.Errorf("search requires a term")
	}

	if field, value, ok := strings.Cut(args, "="); ok && !strings.ContainsAny(field, " \"") {
		value = unquote(strings.TrimSpace(value))
		switch strings.ToLower(strings.TrimSpace(field)) {
		case "level":
			return e.searcher.FindByLevel(ctx, strings.ToUpper(value))
		case "source":
			return e.searcher.FindBySource(ctx, value)
		default:
			return e.searcher.Search(ctx, value, false, nil, nil)
		}
	}

	return e.searcher.Search(ctx, unquote(args), false, nil, nil)
}

func applyWhere(records []model.LogRecord, args string) ([]model.LogRecord, error) {
	field, value, ok := strings.Cut(args, "=")
	if !ok {
		return nil, fmt.Errorf("where requires field=value")
	}
	field = strings.TrimSpace(field)
	value = unquote(strings.TrimSpace(value))

	out := records[:0:0]
	for _, r := range records {
		if fieldValue(&r, field) == value {
			out = append(out, r)
		}
	}
	return out, nil
}

func applyStats(records []model.LogRecord, args string) (map[string]int64, error) {
	fn, rest, _ := strings.Cut(args, " ")
	if strings.ToLower(strings.TrimSpace(fn)) != "count" {
		return nil, fmt.Errorf("unsupported stats function %q", fn)
	}

	rest = strings.TrimSpace(rest)
	if rest == "" {
		return map[string]int64{"count": int64(len(records))}, nil
	}

	by, field, ok := strings.Cut(rest, " ")
	if !ok || strings.ToLower(strings.TrimSpace(by)) != "by" {
		return nil, fmt.Errorf("expected 'by <field>', got %q", rest)
	}
	field = strings.TrimSpace(field)

	out := map[string]int64{}
	for _, r := range records {
		out[fieldValue(&r, field)]++
	}
	return out, nil
}

func applySort(records []model.LogRecord, args string) ([]model.LogRecord, error) {
	field := strings.TrimSpace(args)
	reverse := strings.HasPrefix(field, "-")
	field = strings.TrimPrefix(field, "-")

	out := append([]model.LogRecord(nil), records...)
	var less func(a, b *model.LogRecord) bool
	switch field {
	case "timestamp", "":
		less = func(a, b *model.LogRecord) bool { return a.EffectiveTime() < b.EffectiveTime() }
	case "level":
		less = func(a, b *model.LogRecord) bool { return model.SeverityRank(a.Level) < model.SeverityRank(b.Level) }
	default:
		return nil, fmt.Errorf("unsupported sort field %q", field)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if reverse {
			return less(&out[j], &out[i])
		}
		return less(&out[i], &out[j])
	})
	return out, nil
}

func applyHead(records []model.LogRecord, args string) ([]model.LogRecord, error) {
	n, err := stageCount(args)
	if err != nil {
		return nil, err
	}
	if n >= len(records) {
		return records, nil
	}
	return records[:n], nil
}

func applyTail(records []model.LogRecord, args string) ([]model.LogRecord, error) {
	n, err := stageCount(args)
	if err != nil {
		return nil, err
	}
	if n >= len(records) {
		return records, nil
	}
	return records[len(records)-n:], nil
}

func stageCount(args string) (int, error) {
	args = strings.TrimSpace(args)
	if args == "" {
		return 10, nil
	}
	n, err := strconv.Atoi(args)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("expected a positive count, got %q", args)
	}
	return n, nil
}

func fieldValue(r *model.LogRecord, field string) string {
	switch field {
	case "id":
		return r.ID
	case "level":
		return r.Level
	case "source":
		return r.Source
	case "message":
		return r.Message
	default:
		return r.Metadata[field]
	}
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
