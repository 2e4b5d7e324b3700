package logparse

import (
	"time"
)

const (
	apacheTimeLayout = "02/Jan/2006:15:04:05 -0700"
	nginxTimeLayout  = "2006/01/02 15:04:05"
	ansicTimeLayout  = "Mon Jan _2 15:04:05 2006"
	rfc3164Layout    = "Jan _2 15:04:05"
)

// parseApacheTime parses the bracketed access-log timestamp,
// e.g. 10/Oct/2023:13:55:36 +0000.
func parseApacheTime(s string) (int64, bool) {
	t, err := time.Parse(apacheTimeLayout, s)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}

// parseNginxErrorTime parses yyyy/MM/dd HH:mm:ss in local time.
func parseNginxErrorTime(s string) (int64, bool) {
	t, err := time.ParseInLocation(nginxTimeLayout, s, time.Local)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}

// parseAnsicTime parses the old apache error-log timestamp,
// e.g. Wed Oct 11 14:32:52 2000.
func parseAnsicTime(s string) (int64, bool) {
	t, err := time.ParseInLocation(ansicTimeLayout, s, time.Local)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}

// parseRFC3164Time parses MMM dd HH:mm:ss. The format carries no year, so the
// current wall-clock year is assumed.
func parseRFC3164Time(s string, now time.Time) (int64, bool) {
	t, err := time.ParseInLocation(rfc3164Layout, s, time.Local)
	if err != nil {
		return 0, false
	}
	t = t.AddDate(now.Year(), 0, 0)
	return t.UnixMilli(), true
}

// parseISO8601Time parses RFC3339 with or without sub-second precision, and
// the space-separated variant some emitters use.
func parseISO8601Time(s string) (int64, bool) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}
