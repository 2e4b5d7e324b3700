package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/require"

	"github.com/sagalog/saga/pkg/model"
)

func testStore(t *testing.T) *Store {
	cfg := Config{
		Directory:        t.TempDir(),
		CompressionLevel: flate.BestSpeed,
		RetentionDays:    30,
	}
	s, err := NewStore(cfg, log.NewNopLogger())
	require.NoError(t, err)
	return s
}

func testRecords() []model.LogRecord {
	r1 := model.NewRecord("web", "GET / 200")
	r1.Message = "GET / 200"
	r1.Level = model.LevelInfo
	r1.Metadata = map[string]string{"status_code": "200"}

	r2 := model.NewRecord("db", "slow query")
	r2.Message = "slow query"
	r2.Level = model.LevelWarn
	r2.RecordTime = model.Int64Ptr(r2.IngestTime - 5000)
	r2.Metadata = nil

	return []model.LogRecord{r1, r2}
}

func TestArchiveExtractRoundTrip(t *testing.T) {
	s := testStore(t)
	records := testRecords()

	id, err := s.Archive(context.Background(), records)
	require.NoError(t, err)

	got, err := s.Extract(id)
	require.NoError(t, err)
	require.ElementsMatch(t, records, got)
}

func TestArchiveMetadata(t *testing.T) {
	s := testStore(t)
	records := testRecords()

	id, err := s.Archive(context.Background(), records)
	require.NoError(t, err)

	meta, err := s.Get(id)
	require.NoError(t, err)
	require.Equal(t, 2, meta.LogCount)
	require.Equal(t, []string{"db", "web"}, meta.Sources)
	require.Equal(t, compressionDeflate, meta.CompressionType)
	require.Equal(t, flate.BestSpeed, meta.CompressionLevel)
	require.Greater(t, meta.SizeBytes, int64(0))
	require.True(t, meta.Available)
	require.LessOrEqual(t, meta.StartTimestamp, meta.EndTimestamp)

	fi, err := os.Stat(filepath.Join(s.cfg.Directory, meta.Filename))
	require.NoError(t, err)
	require.Equal(t, fi.Size(), meta.SizeBytes)
}

func TestArchiveEmpty(t *testing.T) {
	s := testStore(t)
	_, err := s.Archive(context.Background(), nil)
	require.Error(t, err)
}

func TestExtractUnknownID(t *testing.T) {
	s := testStore(t)
	_, err := s.Extract("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMissingFileMarksUnavailable(t *testing.T) {
	s := testStore(t)

	id, err := s.Archive(context.Background(), testRecords())
	require.NoError(t, err)

	meta, err := s.Get(id)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(s.cfg.Directory, meta.Filename)))

	_, err = s.Extract(id)
	require.Error(t, err)

	meta, err = s.Get(id)
	require.NoError(t, err)
	require.False(t, meta.Available)
}

func TestCleanup(t *testing.T) {
	s := testStore(t)

	oldID, err := s.Archive(context.Background(), testRecords())
	require.NoError(t, err)
	s.mtx.Lock()
	s.archives[oldID].CreatedAt = time.Now().AddDate(0, 0, -60).UnixMilli()
	s.mtx.Unlock()

	// second archive gets the collision-suffixed filename
	freshID, err := s.Archive(context.Background(), testRecords())
	require.NoError(t, err)

	removed := s.Cleanup()
	require.Equal(t, 1, removed)

	_, err = s.Get(oldID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(freshID)
	require.NoError(t, err)
	require.Len(t, s.List(), 1)
}
