package logparse

import (
	"strconv"
	"strings"

	"github.com/sagalog/saga/pkg/model"
)

// A parser attempts to classify a raw line from the given source. It returns
// false when the line does not match its format, and the caller moves on to
// the next parser.
type parser func(line, source string) (model.LogRecord, bool)

// Parsers are tried in order; generic never fails.
var parsers = []parser{
	parseNginxCombined,
	parseNginxCommon,
	parseNginxError,
	parseApacheCombined,
	parseApacheCommon,
	parseApacheError,
	parseGeneric,
}

// Parse converts a raw line into a normalized record. It always succeeds:
// lines matching no known format come back as generic records with
// level UNKNOWN.
func Parse(line, source string) model.LogRecord {
	for _, p := range parsers {
		if rec, ok := p(line, source); ok {
			return rec
		}
	}
	// unreachable, parseGeneric always matches
	return model.NewRecord(source, line)
}

// statusLevel derives a level from an HTTP status code.
func statusLevel(status int) string {
	switch {
	case status >= 500:
		return model.LevelError
	case status >= 400:
		return model.LevelWarn
	default:
		return model.LevelInfo
	}
}

// tokenLevel maps an error-log severity token to a level.
func tokenLevel(token string) string {
	switch strings.ToLower(token) {
	case "emerg", "alert", "crit", "error", "fatal", "severe":
		return model.LevelError
	case "warn", "warning", "notice":
		return model.LevelWarn
	case "info":
		return model.LevelInfo
	case "debug", "trace":
		return model.LevelDebug
	default:
		return model.LevelUnknown
	}
}

// splitRequest breaks an access-log request line into method, path and
// protocol. Malformed request lines keep whatever pieces are present.
func splitRequest(rec *model.LogRecord, request string) {
	parts := strings.SplitN(request, " ", 3)
	if len(parts) > 0 && parts[0] != "" {
		rec.Metadata["method"] = parts[0]
	}
	if len(parts) > 1 {
		rec.Metadata["path"] = parts[1]
	}
	if len(parts) > 2 {
		rec.Metadata["http_version"] = parts[2]
	}
}

func accessRecord(line, source, format, ip, user, ts, request, status, bytes string) model.LogRecord {
	rec := model.NewRecord(source, line)
	rec.Metadata["log_format"] = format
	rec.Metadata["ip_address"] = ip
	if user != "-" && user != "" {
		rec.Metadata["remote_user"] = user
	}
	if ms, ok := parseApacheTime(ts); ok {
		rec.RecordTime = model.Int64Ptr(ms)
	}
	splitRequest(&rec, request)
	rec.Metadata["status_code"] = status
	if bytes != "-" && bytes != "" {
		rec.Metadata["bytes_sent"] = bytes
	}
	code, err := strconv.Atoi(status)
	if err != nil {
		code = 0
	}
	rec.Level = statusLevel(code)
	rec.Message = request
	return rec
}
