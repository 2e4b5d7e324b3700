package logparse

import (
	"regexp"

	"github.com/sagalog/saga/pkg/model"
)

var (
	// 1.2.3.4 - user [10/Oct/2023:13:55:36 +0000] "GET / HTTP/1.1" 200 612 "ref" "ua"
	nginxCombinedRe = regexp.MustCompile(`^(\S+) - (\S+) \[([^\]]+)\] "([^"]*)" (\d{3}) (\S+) "([^"]*)" "([^"]*)"`)
	// same without referer/user agent
	nginxCommonRe = regexp.MustCompile(`^(\S+) - (\S+) \[([^\]]+)\] "([^"]*)" (\d{3}) (\S+)\s*$`)
	// 2023/10/10 13:55:36 [error] 1234#0: *5 open() failed ..., client: 1.2.3.4
	nginxErrorRe = regexp.MustCompile(`^(\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}) \[(\w+)\] (\d+)#(\d+): (.*)$`)

	nginxErrClientRe = regexp.MustCompile(`client: (\S+?)[,\s]`)
)

func parseNginxCombined(line, source string) (model.LogRecord, bool) {
	m := nginxCombinedRe.FindStringSubmatch(line)
	if m == nil {
		return model.LogRecord{}, false
	}
	rec := accessRecord(line, source, "nginx_combined", m[1], m[2], m[3], m[4], m[5], m[6])
	if m[7] != "-" && m[7] != "" {
		rec.Metadata["referer"] = m[7]
	}
	if m[8] != "-" && m[8] != "" {
		rec.Metadata["user_agent"] = m[8]
	}
	return rec, true
}

func parseNginxCommon(line, source string) (model.LogRecord, bool) {
	m := nginxCommonRe.FindStringSubmatch(line)
	if m == nil {
		return model.LogRecord{}, false
	}
	return accessRecord(line, source, "nginx_common", m[1], m[2], m[3], m[4], m[5], m[6]), true
}

func parseNginxError(line, source string) (model.LogRecord, bool) {
	m := nginxErrorRe.FindStringSubmatch(line)
	if m == nil {
		return model.LogRecord{}, false
	}

	rec := model.NewRecord(source, line)
	rec.Metadata["log_format"] = "nginx_error"
	if ms, ok := parseNginxErrorTime(m[1]); ok {
		rec.RecordTime = model.Int64Ptr(ms)
	}
	rec.Level = tokenLevel(m[2])
	rec.Metadata["pid"] = m[3]
	rec.Message = m[5]
	if c := nginxErrClientRe.FindStringSubmatch(m[5] + " "); c != nil {
		rec.Metadata["client_ip"] = c[1]
	}
	return rec, true
}
