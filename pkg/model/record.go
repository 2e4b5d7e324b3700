package model

import (
	"time"

	"github.com/google/uuid"
)

// Log levels, ordered by severity. Syslog severities 0..7 map onto the first
// eight values.
const (
	LevelEmergency = "EMERGENCY"
	LevelAlert     = "ALERT"
	LevelCritical  = "CRITICAL"
	LevelError     = "ERROR"
	LevelWarn      = "WARN"
	LevelNotice    = "NOTICE"
	LevelInfo      = "INFO"
	LevelDebug     = "DEBUG"
	LevelTrace     = "TRACE"
	LevelUnknown   = "UNKNOWN"
)

var severityRank = map[string]int{
	LevelEmergency: 0,
	LevelAlert:     1,
	LevelCritical:  2,
	LevelError:     3,
	LevelWarn:      4,
	LevelNotice:    5,
	LevelInfo:      6,
	LevelDebug:     7,
	LevelTrace:     8,
	LevelUnknown:   9,
}

// SeverityRank returns a sortable rank for a level string. Lower is more
// severe. Unrecognized levels sort last.
func SeverityRank(level string) int {
	if r, ok := severityRank[level]; ok {
		return r
	}
	return len(severityRank)
}

// SeverityLevel maps a syslog severity value (0..7) to a level string.
func SeverityLevel(severity int) string {
	switch severity {
	case 0:
		return LevelEmergency
	case 1:
		return LevelAlert
	case 2:
		return LevelCritical
	case 3:
		return LevelError
	case 4:
		return LevelWarn
	case 5:
		return LevelNotice
	case 6:
		return LevelInfo
	case 7:
		return LevelDebug
	}
	return LevelUnknown
}

// LogRecord is a single normalized log line. Records are immutable once
// indexed.
type LogRecord struct {
	ID         string            `json:"id"`
	IngestTime int64             `json:"ingestTime"`           // epoch ms
	RecordTime *int64            `json:"recordTime,omitempty"` // epoch ms, nil when the line carried no parseable timestamp
	Level      string            `json:"level"`
	Message    string            `json:"message"`
	Source     string            `json:"source"`
	RawContent string            `json:"rawContent"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewRecord returns a record with a fresh id and the ingest time set to now.
func NewRecord(source, raw string) LogRecord {
	return LogRecord{
		ID:         uuid.NewString(),
		IngestTime: time.Now().UnixMilli(),
		Level:      LevelUnknown,
		Source:     source,
		RawContent: raw,
		Metadata:   map[string]string{},
	}
}

// EffectiveTime is the record time when present, else the ingest time.
func (r *LogRecord) EffectiveTime() int64 {
	if r.RecordTime != nil {
		return *r.RecordTime
	}
	return r.IngestTime
}

// Int64Ptr is a convenience for building optional epoch-ms fields.
func Int64Ptr(v int64) *int64 { return &v }
