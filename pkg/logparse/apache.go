package logparse

import (
	"regexp"

	"github.com/sagalog/saga/pkg/model"
)

var (
	apacheCombinedRe = regexp.MustCompile(`^(\S+) (\S+) (\S+) \[([^\]]+)\] "([^"]*)" (\d{3}) (\S+) "([^"]*)" "([^"]*)"`)
	apacheCommonRe   = regexp.MustCompile(`^(\S+) (\S+) (\S+) \[([^\]]+)\] "([^"]*)" (\d{3}) (\S+)\s*$`)
	// [Wed Oct 11 14:32:52 2000] [error] [pid 12345] [client 127.0.0.1] File does not exist: /x
	apacheErrorRe = regexp.MustCompile(`^\[([A-Z][a-z]{2} [A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2}(?:\.\d+)? \d{4})\] \[(?:[\w]+:)?(\w+)\](?: \[pid (\d+)(?::tid \d+)?\])?(?: \[client ([^\]:]+)(?::\d+)?\])? (.*)$`)
)

func parseApacheCombined(line, source string) (model.LogRecord, bool) {
	m := apacheCombinedRe.FindStringSubmatch(line)
	if m == nil {
		return model.LogRecord{}, false
	}
	rec := accessRecord(line, source, "apache_combined", m[1], m[3], m[4], m[5], m[6], m[7])
	if m[2] != "-" && m[2] != "" {
		rec.Metadata["ident"] = m[2]
	}
	if m[8] != "-" && m[8] != "" {
		rec.Metadata["referer"] = m[8]
	}
	if m[9] != "-" && m[9] != "" {
		rec.Metadata["user_agent"] = m[9]
	}
	return rec, true
}

func parseApacheCommon(line, source string) (model.LogRecord, bool) {
	m := apacheCommonRe.FindStringSubmatch(line)
	if m == nil {
		return model.LogRecord{}, false
	}
	rec := accessRecord(line, source, "apache_common", m[1], m[3], m[4], m[5], m[6], m[7])
	if m[2] != "-" && m[2] != "" {
		rec.Metadata["ident"] = m[2]
	}
	return rec, true
}

func parseApacheError(line, source string) (model.LogRecord, bool) {
	m := apacheErrorRe.FindStringSubmatch(line)
	if m == nil {
		return model.LogRecord{}, false
	}

	rec := model.NewRecord(source, line)
	rec.Metadata["log_format"] = "apache_error"
	if ms, ok := parseAnsicTime(m[1]); ok {
		rec.RecordTime = model.Int64Ptr(ms)
	}
	rec.Level = tokenLevel(m[2])
	if m[3] != "" {
		rec.Metadata["pid"] = m[3]
	}
	if m[4] != "" {
		rec.Metadata["client_ip"] = m[4]
	}
	rec.Message = m[5]
	return rec, true
}
