package logparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sagalog/saga/pkg/model"
)

var (
	syslogPriRe = regexp.MustCompile(`^<(\d{1,3})>`)
	// Oct 11 22:14:15 myhost su: 'su root' failed
	rfc3164Re = regexp.MustCompile(`^([A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2}) (\S+) ([^:\s\[]+)(?:\[(\d+)\])?:\s?(.*)$`)
	// 1 2023-10-11T22:14:15.003Z host app 1234 ID47 [sd@1 k="v"] msg
	rfc5424Re = regexp.MustCompile(`^(\d) (\S+) (\S+) (\S+) (\S+) (\S+) (-|\[.*?\])\s?(.*)$`)
)

// ParseSyslog parses an RFC3164 or RFC5424 framed message. Messages without a
// PRI header or matching neither format come back as raw records carrying only
// the protocol key.
func ParseSyslog(line, source string) model.LogRecord {
	rec := model.NewRecord(source, line)
	rec.Metadata["protocol"] = "syslog"

	rest := line
	if m := syslogPriRe.FindStringSubmatch(line); m != nil {
		pri, _ := strconv.Atoi(m[1])
		facility := pri / 8
		severity := pri % 8
		rec.Metadata["facility"] = strconv.Itoa(facility)
		rec.Metadata["severity"] = strconv.Itoa(severity)
		rec.Level = model.SeverityLevel(severity)
		rest = line[len(m[0]):]
	}

	if m := rfc5424Re.FindStringSubmatch(rest); m != nil && m[1] == "1" {
		rec.Metadata["log_format"] = "syslog_rfc5424"
		if m[2] != "-" {
			if ms, ok := parseISO8601Time(m[2]); ok {
				rec.RecordTime = model.Int64Ptr(ms)
			}
		}
		if m[3] != "-" {
			rec.Metadata["hostname"] = m[3]
		}
		if m[4] != "-" {
			rec.Metadata["app_name"] = m[4]
		}
		if m[5] != "-" {
			rec.Metadata["proc_id"] = m[5]
		}
		if m[6] != "-" {
			rec.Metadata["msg_id"] = m[6]
		}
		if m[7] != "-" {
			rec.Metadata["structured_data"] = m[7]
		}
		rec.Message = m[8]
		return rec
	}

	if m := rfc3164Re.FindStringSubmatch(rest); m != nil {
		rec.Metadata["log_format"] = "syslog_rfc3164"
		if ms, ok := parseRFC3164Time(m[1], time.Now()); ok {
			rec.RecordTime = model.Int64Ptr(ms)
		}
		rec.Metadata["hostname"] = m[2]
		rec.Metadata["app_name"] = m[3]
		if m[4] != "" {
			rec.Metadata["proc_id"] = m[4]
		}
		rec.Message = m[5]
		return rec
	}

	rec.Message = strings.TrimSpace(rest)
	return rec
}
