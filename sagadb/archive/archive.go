package archive

import (
	"archive/zip"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/flate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sagalog/saga/pkg/model"
)

const (
	metadataFileName = "metadata.json"
	logsFileName     = "logs.json"

	compressionDeflate = "DEFLATE"
)

var (
	metricArchivesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "archive_created_total",
		Help:      "The total number of archive files written.",
	})
	metricRecordsArchived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "archive_records_total",
		Help:      "The total number of records written to archives.",
	})
	metricArchivesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "saga",
		Name:      "archive_deleted_total",
		Help:      "The total number of archives removed by cold cleanup.",
	})
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound is returned when an archive id is unknown.
var ErrNotFound = fmt.Errorf("archive not found")

// Metadata describes one archive artifact. Available turns false when the
// file disappears from disk.
type Metadata struct {
	ID               string   `json:"id"`
	Filename         string   `json:"filename"`
	StartTimestamp   int64    `json:"startTimestamp"`
	EndTimestamp     int64    `json:"endTimestamp"`
	Sources          []string `json:"sources"`
	LogCount         int      `json:"logCount"`
	CompressionType  string   `json:"compressionType"`
	CompressionLevel int      `json:"compressionLevel"`
	SizeBytes        int64    `json:"sizeBytes"`
	CreatedAt        int64    `json:"createdAt"`
	Available        bool     `json:"available"`
}

// Store writes archive zips and tracks their metadata. It satisfies
// sagadb.Archiver.
type Store struct {
	cfg    Config
	logger log.Logger

	mtx      sync.RWMutex
	archives map[string]*Metadata

	now func() time.Time
}

func NewStore(cfg Config, logger log.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive dir: %w", err)
	}
	return &Store{
		cfg:      cfg,
		logger:   logger,
		archives: map[string]*Metadata{},
		now:      time.Now,
	}, nil
}

// Archive writes one zip with metadata.json and logs.json (one JSON record
// per line) and records its metadata. Returns the archive id.
func (s *Store) Archive(_ context.Context, records []model.LogRecord) (string, error) {
	if len(records) == 0 {
		return "", fmt.Errorf("nothing to archive")
	}

	meta := s.buildMetadata(records)
	path := filepath.Join(s.cfg.Directory, meta.Filename)

	if err := s.writeZip(path, meta, records); err != nil {
		_ = os.Remove(path)
		return "", err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("reading archive size: %w", err)
	}
	meta.SizeBytes = fi.Size()
	meta.Available = true

	s.mtx.Lock()
	s.archives[meta.ID] = meta
	s.mtx.Unlock()

	metricArchivesCreated.Inc()
	metricRecordsArchived.Add(float64(len(records)))
	level.Info(s.logger).Log("msg", "wrote archive", "filename", meta.Filename, "records", meta.LogCount, "size", humanize.Bytes(uint64(meta.SizeBytes)))
	return meta.ID, nil
}

func (s *Store) buildMetadata(records []model.LogRecord) *Metadata {
	now := s.now()

	meta := &Metadata{
		ID:               uuid.NewString(),
		Filename:         fmt.Sprintf("logs_%s.zip", now.Format("20060102_150405")),
		StartTimestamp:   records[0].EffectiveTime(),
		EndTimestamp:     records[0].EffectiveTime(),
		LogCount:         len(records),
		CompressionType:  compressionDeflate,
		CompressionLevel: s.cfg.CompressionLevel,
		CreatedAt:        now.UnixMilli(),
	}

	sources := map[string]struct{}{}
	for _, r := range records {
		ts := r.EffectiveTime()
		if ts < meta.StartTimestamp {
			meta.StartTimestamp = ts
		}
		if ts > meta.EndTimestamp {
			meta.EndTimestamp = ts
		}
		sources[r.Source] = struct{}{}
	}
	for src := range sources {
		meta.Sources = append(meta.Sources, src)
	}
	sort.Strings(meta.Sources)

	// same-second archives would collide on the timestamp filename
	if _, err := os.Stat(filepath.Join(s.cfg.Directory, meta.Filename)); err == nil {
		meta.Filename = fmt.Sprintf("logs_%s_%s.zip", now.Format("20060102_150405"), meta.ID[:8])
	}
	return meta
}

func (s *Store) writeZip(path string, meta *Metadata, records []model.LogRecord) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, s.cfg.CompressionLevel)
	})

	mw, err := zw.Create(metadataFileName)
	if err != nil {
		return fmt.Errorf("creating %s: %w", metadataFileName, err)
	}
	if err := json.NewEncoder(mw).Encode(meta); err != nil {
		return fmt.Errorf("writing %s: %w", metadataFileName, err)
	}

	lw, err := zw.Create(logsFileName)
	if err != nil {
		return fmt.Errorf("creating %s: %w", logsFileName, err)
	}
	enc := json.NewEncoder(lw)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("writing record %d: %w", i, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	return f.Close()
}

// Extract reads back every record of the archive with the given id.
func (s *Store) Extract(id string) ([]model.LogRecord, error) {
	s.mtx.RLock()
	meta, ok := s.archives[id]
	s.mtx.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	zr, err := zip.OpenReader(filepath.Join(s.cfg.Directory, meta.Filename))
	if err != nil {
		if os.IsNotExist(err) {
			s.markUnavailable(id)
		}
		return nil, fmt.Errorf("opening archive %s: %w", meta.Filename, err)
	}
	defer zr.Close()

	for _, zf := range zr.File {
		if zf.Name != logsFileName {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", logsFileName, err)
		}
		defer rc.Close()

		var records []model.LogRecord
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec model.LogRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, fmt.Errorf("decoding record: %w", err)
			}
			records = append(records, rec)
		}
		return records, scanner.Err()
	}
	return nil, fmt.Errorf("archive %s has no %s", meta.Filename, logsFileName)
}

// List returns the known archive metadata, newest first.
func (s *Store) List() []Metadata {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([]Metadata, 0, len(s.archives))
	for _, m := range s.archives {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out
}

// Get returns metadata for one archive.
func (s *Store) Get(id string) (Metadata, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	m, ok := s.archives[id]
	if !ok {
		return Metadata{}, ErrNotFound
	}
	return *m, nil
}

func (s *Store) markUnavailable(id string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if m, ok := s.archives[id]; ok {
		m.Available = false
	}
}

// Cleanup deletes archives older than the retention horizon. Archives whose
// file is already gone have their metadata marked unavailable. Returns the
// number of archives removed.
func (s *Store) Cleanup() int {
	horizon := s.now().AddDate(0, 0, -s.cfg.RetentionDays).UnixMilli()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	removed := 0
	for id, m := range s.archives {
		path := filepath.Join(s.cfg.Directory, m.Filename)

		if _, err := os.Stat(path); os.IsNotExist(err) {
			m.Available = false
		}

		if m.CreatedAt > horizon {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			level.Error(s.logger).Log("msg", "failed to remove expired archive", "filename", m.Filename, "err", err)
			continue
		}
		delete(s.archives, id)
		removed++
		metricArchivesDeleted.Inc()
	}

	if removed > 0 {
		level.Info(s.logger).Log("msg", "cold cleanup removed archives", "count", removed)
	}
	return removed
}
