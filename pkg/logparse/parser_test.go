package logparse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagalog/saga/pkg/model"
)

func TestParseNginxCommon(t *testing.T) {
	line := `192.168.1.1 - - [10/Oct/2023:13:55:36 +0000] "GET /a HTTP/1.1" 200 10`
	rec := Parse(line, "access.log")

	assert.Equal(t, model.LevelInfo, rec.Level)
	assert.Equal(t, "nginx_common", rec.Metadata["log_format"])
	assert.Equal(t, "GET", rec.Metadata["method"])
	assert.Equal(t, "/a", rec.Metadata["path"])
	assert.Equal(t, "200", rec.Metadata["status_code"])
	assert.Equal(t, "192.168.1.1", rec.Metadata["ip_address"])
	assert.Equal(t, line, rec.RawContent)
	require.NotNil(t, rec.RecordTime)

	expected := time.Date(2023, 10, 10, 13, 55, 36, 0, time.UTC).UnixMilli()
	assert.Equal(t, expected, *rec.RecordTime)
}

func TestParseNginxCombined(t *testing.T) {
	line := `10.0.0.5 - frank [10/Oct/2023:13:55:36 +0000] "POST /login HTTP/1.1" 503 77 "https://x.test/" "curl/8.0"`
	rec := Parse(line, "access.log")

	assert.Equal(t, "nginx_combined", rec.Metadata["log_format"])
	assert.Equal(t, model.LevelError, rec.Level)
	assert.Equal(t, "frank", rec.Metadata["remote_user"])
	assert.Equal(t, "https://x.test/", rec.Metadata["referer"])
	assert.Equal(t, "curl/8.0", rec.Metadata["user_agent"])
}

func TestParseNginxError(t *testing.T) {
	line := `2023/10/10 13:55:36 [error] 1234#0: *5 open() failed, client: 10.1.2.3, server: example.com`
	rec := Parse(line, "error.log")

	assert.Equal(t, "nginx_error", rec.Metadata["log_format"])
	assert.Equal(t, model.LevelError, rec.Level)
	assert.Equal(t, "10.1.2.3", rec.Metadata["client_ip"])
	require.NotNil(t, rec.RecordTime)
}

func TestParseApacheError(t *testing.T) {
	line := `[Wed Oct 11 14:32:52 2000] [error] [pid 12345] [client 127.0.0.1] File does not exist: /x`
	rec := Parse(line, "error.log")

	assert.Equal(t, model.LevelError, rec.Level)
	assert.Equal(t, "apache_error", rec.Metadata["log_format"])
	assert.Equal(t, "127.0.0.1", rec.Metadata["client_ip"])
	assert.Equal(t, "12345", rec.Metadata["pid"])
	assert.Equal(t, "File does not exist: /x", rec.Message)
}

func TestParseApacheCommonWithIdent(t *testing.T) {
	line := `127.0.0.1 userid bob [10/Oct/2000:13:55:36 -0700] "GET /apache_pb.gif HTTP/1.0" 404 2326`
	rec := Parse(line, "access.log")

	assert.Equal(t, "apache_common", rec.Metadata["log_format"])
	assert.Equal(t, model.LevelWarn, rec.Level)
	assert.Equal(t, "userid", rec.Metadata["ident"])
	assert.Equal(t, "bob", rec.Metadata["remote_user"])
}

func TestParseSyslogRFC3164(t *testing.T) {
	rec := ParseSyslog(`<34>Oct 11 22:14:15 myhost su: 'su root' failed`, "syslog-udp:514")

	assert.Equal(t, model.LevelCritical, rec.Level)
	assert.Equal(t, "4", rec.Metadata["facility"])
	assert.Equal(t, "2", rec.Metadata["severity"])
	assert.Equal(t, "myhost", rec.Metadata["hostname"])
	assert.Equal(t, "su", rec.Metadata["app_name"])
	assert.Equal(t, "'su root' failed", rec.Message)

	// no year in the frame, current wall-clock year assumed
	require.NotNil(t, rec.RecordTime)
	parsed := time.UnixMilli(*rec.RecordTime)
	assert.Equal(t, time.Now().Year(), parsed.Year())
}

func TestParseSyslogRFC5424(t *testing.T) {
	rec := ParseSyslog(`<165>1 2023-10-11T22:14:15.003Z mymachine evntslog 1234 ID47 - BOMAn application event`, "syslog-tcp:6514")

	assert.Equal(t, "syslog_rfc5424", rec.Metadata["log_format"])
	assert.Equal(t, model.LevelNotice, rec.Level)
	assert.Equal(t, "mymachine", rec.Metadata["hostname"])
	assert.Equal(t, "evntslog", rec.Metadata["app_name"])
	assert.Equal(t, "1234", rec.Metadata["proc_id"])
	require.NotNil(t, rec.RecordTime)
}

func TestParseSyslogUnframed(t *testing.T) {
	rec := ParseSyslog("plain text, no pri", "syslog-udp:514")

	assert.Equal(t, model.LevelUnknown, rec.Level)
	assert.Equal(t, "syslog", rec.Metadata["protocol"])
	assert.Nil(t, rec.RecordTime)
}

func TestParseGenericFallback(t *testing.T) {
	rec := Parse("2023-10-10T09:00:00Z ERROR something broke", "app.log")

	assert.Equal(t, model.LevelError, rec.Level)
	require.NotNil(t, rec.RecordTime)
	assert.Empty(t, rec.Metadata["log_format"])

	rec = Parse("completely unstructured", "app.log")
	assert.Equal(t, model.LevelUnknown, rec.Level)
	assert.Nil(t, rec.RecordTime)
	assert.Equal(t, "completely unstructured", rec.RawContent)
}

func TestParserUniqueIDs(t *testing.T) {
	a := Parse("one", "s")
	b := Parse("one", "s")
	assert.NotEqual(t, a.ID, b.ID)
}
