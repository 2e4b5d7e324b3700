package logparse

import (
	"regexp"
	"strings"
	"time"

	"github.com/sagalog/saga/pkg/model"
)

var (
	genericISORe     = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)`)
	genericRFC3164Re = regexp.MustCompile(`^([A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2})`)
	genericLevelRe   = regexp.MustCompile(`(?i)\b(EMERGENCY|ALERT|CRITICAL|CRIT|FATAL|SEVERE|ERROR|WARNING|WARN|NOTICE|INFO|DEBUG|TRACE)\b`)
)

// parseGeneric is the terminal parser. It never rejects a line; it extracts a
// leading timestamp and a bare level token when present.
func parseGeneric(line, source string) (model.LogRecord, bool) {
	rec := model.NewRecord(source, line)
	rec.Message = line

	if m := genericISORe.FindStringSubmatch(line); m != nil {
		if ms, ok := parseISO8601Time(m[1]); ok {
			rec.RecordTime = model.Int64Ptr(ms)
		}
	} else if m := genericRFC3164Re.FindStringSubmatch(line); m != nil {
		if ms, ok := parseRFC3164Time(m[1], time.Now()); ok {
			rec.RecordTime = model.Int64Ptr(ms)
		}
	}

	if m := genericLevelRe.FindStringSubmatch(line); m != nil {
		if lvl := genericTokenLevel(m[1]); lvl != model.LevelUnknown {
			rec.Level = lvl
		}
	}

	return rec, true
}

func genericTokenLevel(token string) string {
	switch strings.ToUpper(token) {
	case model.LevelEmergency:
		return model.LevelEmergency
	case model.LevelAlert:
		return model.LevelAlert
	case model.LevelCritical, "CRIT":
		return model.LevelCritical
	case model.LevelNotice:
		return model.LevelNotice
	case model.LevelTrace:
		return model.LevelTrace
	default:
		return tokenLevel(token)
	}
}
