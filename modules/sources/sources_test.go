package sources

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/sagalog/saga/pkg/model"
)

type fakeBuffer struct {
	mtx     sync.Mutex
	records []model.LogRecord
}

func (b *fakeBuffer) Add(r model.LogRecord) { b.AddAll([]model.LogRecord{r}) }

func (b *fakeBuffer) AddAll(records []model.LogRecord) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.records = append(b.records, records...)
}

func (b *fakeBuffer) all() []model.LogRecord {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return append([]model.LogRecord(nil), b.records...)
}

func localCoordinator() *Coordinator {
	return NewCoordinator(CoordinatorConfig{Enabled: false, HeartbeatTimeout: 30 * time.Second})
}

func TestCoordinatorExactlyOneOwner(t *testing.T) {
	cfg := CoordinatorConfig{Enabled: true, HeartbeatTimeout: 30 * time.Second}

	coords := []*Coordinator{
		NewCoordinator(CoordinatorConfig{Enabled: true, HeartbeatTimeout: cfg.HeartbeatTimeout, InstanceID: "node-a"}),
		NewCoordinator(CoordinatorConfig{Enabled: true, HeartbeatTimeout: cfg.HeartbeatTimeout, InstanceID: "node-b"}),
		NewCoordinator(CoordinatorConfig{Enabled: true, HeartbeatTimeout: cfg.HeartbeatTimeout, InstanceID: "node-c"}),
	}
	for _, c := range coords {
		for _, other := range coords {
			c.Heartbeat(other.InstanceID())
		}
	}

	for i := 0; i < 20; i++ {
		sourceID := fmt.Sprintf("source-%d", i)
		owners := 0
		for _, c := range coords {
			if c.ShouldProcess(sourceID) {
				owners++
			}
		}
		require.Equal(t, 1, owners, "source %s", sourceID)
	}
}

func TestCoordinatorDisabledProcessesEverything(t *testing.T) {
	c := localCoordinator()
	require.True(t, c.ShouldProcess("anything"))
}

func TestCoordinatorExpiry(t *testing.T) {
	c := NewCoordinator(CoordinatorConfig{Enabled: true, HeartbeatTimeout: 30 * time.Second, InstanceID: "node-a"})
	c.Heartbeat("node-b")

	require.Equal(t, []string{"node-a", "node-b"}, c.ActiveInstances())

	c.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.Empty(t, c.ActiveInstances())

	// empty active set falls back to processing locally
	require.True(t, c.ShouldProcess("anything"))
}

func TestScannerReadsAppendedLinesOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("first line\nsecond line\n"), 0o644))

	buf := &fakeBuffer{}
	src := SourceConfig{ID: "dir-1", Name: "app-logs", Type: SourceTypeDirectory, Directory: dir}
	s := NewScanner([]SourceConfig{src}, time.Minute, buf, localCoordinator(), log.NewNopLogger())

	require.NoError(t, s.scan(context.Background()))
	require.Len(t, buf.all(), 2)

	// unchanged file yields nothing
	require.NoError(t, s.scan(context.Background()))
	require.Len(t, buf.all(), 2)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("third line\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.scan(context.Background()))
	got := buf.all()
	require.Len(t, got, 3)
	require.Equal(t, "third line", got[2].RawContent)
	require.Equal(t, "app-logs", got[2].Source)
}

func TestScannerCRLFKeepsOffsetAligned(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("aa\r\nbb\r\ncc\r\n"), 0o644))

	buf := &fakeBuffer{}
	src := SourceConfig{ID: "dir-1", Name: "app-logs", Type: SourceTypeDirectory, Directory: dir}
	s := NewScanner([]SourceConfig{src}, time.Minute, buf, localCoordinator(), log.NewNopLogger())

	require.NoError(t, s.scan(context.Background()))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("dd\r\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// the second scan must pick up exactly the appended line, not a
	// fragment of an already-read one
	require.NoError(t, s.scan(context.Background()))

	var raw []string
	for _, r := range buf.all() {
		raw = append(raw, r.RawContent)
	}
	require.Equal(t, []string{"aa", "bb", "cc", "dd"}, raw)
}

func TestScannerTruncatedFileRereads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("old content line\n"), 0o644))

	buf := &fakeBuffer{}
	src := SourceConfig{ID: "dir-1", Name: "app-logs", Type: SourceTypeDirectory, Directory: dir}
	s := NewScanner([]SourceConfig{src}, time.Minute, buf, localCoordinator(), log.NewNopLogger())

	require.NoError(t, s.scan(context.Background()))
	require.NoError(t, os.WriteFile(path, []byte("rotated\n"), 0o644))
	require.NoError(t, s.scan(context.Background()))

	got := buf.all()
	require.Len(t, got, 2)
	require.Equal(t, "rotated", got[1].RawContent)
}

func TestSyslogIngest(t *testing.T) {
	buf := &fakeBuffer{}
	src := SourceConfig{ID: "sys-1", Name: "syslog-udp", Type: SourceTypeSyslog, Protocol: "udp", Port: 5514}
	l := NewSyslogListener(src, buf, localCoordinator(), log.NewNopLogger())

	l.ingest("<34>Oct 11 22:14:15 mymachine su: 'su root' failed for lonvick on /dev/pts/8")
	l.ingest("")

	got := buf.all()
	require.Len(t, got, 1)
	require.Equal(t, model.LevelCritical, got[0].Level)
	require.Equal(t, "4", got[0].Metadata["facility"])
	require.Equal(t, "2", got[0].Metadata["severity"])
	require.Equal(t, "syslog-udp:5514", got[0].Source)
}

func TestSyslogTCPFraming(t *testing.T) {
	buf := &fakeBuffer{}
	src := SourceConfig{ID: "sys-2", Name: "syslog-tcp", Type: SourceTypeSyslog, Protocol: "tcp", Port: 5515}
	l := NewSyslogListener(src, buf, localCoordinator(), log.NewNopLogger())

	client, server := net.Pipe()
	l.connsMtx.Lock()
	l.conns[server] = struct{}{}
	l.connsMtx.Unlock()
	l.wg.Add(1)
	go l.handleConn(server)

	_, err := client.Write([]byte("<13>Oct 11 22:14:15 host app: first\n<13>Oct 11 22:14:16 host app: second\n"))
	require.NoError(t, err)
	require.NoError(t, client.Close())
	l.wg.Wait()

	got := buf.all()
	require.Len(t, got, 2)
	require.Equal(t, model.LevelNotice, got[0].Level)
	require.Equal(t, "syslog-tcp:5515", got[0].Source)
}

type fakeCloudClient struct {
	pages map[string][]CloudLogEvent
	next  map[string]string
	err   error
	calls []string
}

func (c *fakeCloudClient) FetchLogEvents(_ context.Context, group, stream string, _ int64, token string) ([]CloudLogEvent, string, error) {
	c.calls = append(c.calls, token)
	if c.err != nil {
		return nil, "", c.err
	}
	return c.pages[token], c.next[token], nil
}

func TestCloudFetcherAdvancesCursor(t *testing.T) {
	now := time.Now().UnixMilli()
	client := &fakeCloudClient{
		pages: map[string][]CloudLogEvent{
			"":       {{Timestamp: now - 2000, Message: "event one"}, {Timestamp: now - 1000, Message: "event two"}},
			"page-2": {{Timestamp: now, Message: "event three"}},
		},
		next: map[string]string{"": "page-2", "page-2": ""},
	}

	buf := &fakeBuffer{}
	src := SourceConfig{ID: "cloud-1", Name: "cloud-logs", Type: SourceTypeCloud, LogGroup: "group"}
	f := NewCloudFetcher([]SourceConfig{src}, time.Minute, client, buf, localCoordinator(), log.NewNopLogger())

	require.NoError(t, f.iteration(context.Background()))
	require.Len(t, buf.all(), 2)

	require.NoError(t, f.iteration(context.Background()))
	require.Len(t, buf.all(), 3)

	cur := f.cursors[src.ID]
	require.Equal(t, "", cur.nextToken)
	require.Equal(t, now, cur.lastTimestamp)
}

func TestCloudFetcherKeepsCursorOnFailure(t *testing.T) {
	client := &fakeCloudClient{err: fmt.Errorf("throttled")}

	buf := &fakeBuffer{}
	src := SourceConfig{ID: "cloud-1", Name: "cloud-logs", Type: SourceTypeCloud, LogGroup: "group"}
	f := NewCloudFetcher([]SourceConfig{src}, time.Minute, client, buf, localCoordinator(), log.NewNopLogger())
	f.backoffConfig.MinBackoff = time.Millisecond
	f.backoffConfig.MaxBackoff = time.Millisecond

	require.NoError(t, f.iteration(context.Background()))
	require.Empty(t, buf.all())
	require.Equal(t, &cursor{}, f.cursors[src.ID])
}
