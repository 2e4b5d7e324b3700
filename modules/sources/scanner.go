package sources

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sagalog/saga/pkg/logparse"
	"github.com/sagalog/saga/pkg/model"
)

var metricScannedLines = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "saga",
	Name:      "sources_scanned_lines_total",
	Help:      "Lines read by the directory scanner.",
})

// Buffer is the ingest sink shared by every source, satisfied by
// modules/bufferer.
type Buffer interface {
	Add(record model.LogRecord)
	AddAll(records []model.LogRecord)
}

// Scanner periodically walks configured directories and streams new lines
// into the buffer. Offsets are tracked per file so a scan only reads what was
// appended since the previous one.
type Scanner struct {
	services.Service

	sources []SourceConfig
	buffer  Buffer
	coord   *Coordinator
	logger  log.Logger

	mtx     sync.Mutex
	offsets map[string]int64
}

func NewScanner(sources []SourceConfig, interval time.Duration, buffer Buffer, coord *Coordinator, logger log.Logger) *Scanner {
	s := &Scanner{
		sources: sources,
		buffer:  buffer,
		coord:   coord,
		logger:  logger,
		offsets: map[string]int64{},
	}
	s.Service = services.NewTimerService(interval, s.scan, s.scan, nil)
	return s
}

func (s *Scanner) scan(_ context.Context) error {
	for _, src := range s.sources {
		if src.Type != SourceTypeDirectory {
			continue
		}
		if !s.coord.ShouldProcess(src.ID) {
			continue
		}
		s.scanDirectory(src)
	}
	return nil
}

func (s *Scanner) scanDirectory(src SourceConfig) {
	entries, err := os.ReadDir(src.Directory)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to scan directory", "source", src.Name, "dir", src.Directory, "err", err)
		return
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		s.scanFile(src, filepath.Join(src.Directory, e.Name()))
	}
}

// scanFile reads lines appended since the last scan. A file that shrank was
// truncated or rotated and is re-read from the start.
func (s *Scanner) scanFile(src SourceConfig, path string) {
	fi, err := os.Stat(path)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to stat file", "path", path, "err", err)
		return
	}

	s.mtx.Lock()
	offset := s.offsets[path]
	s.mtx.Unlock()

	if fi.Size() < offset {
		offset = 0
	}
	if fi.Size() == offset {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		level.Error(s.logger).Log("msg", "failed to open file", "path", path, "err", err)
		return
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		level.Error(s.logger).Log("msg", "failed to seek", "path", path, "err", err)
		return
	}

	var batch []model.LogRecord
	read := offset

	// the offset advances by the raw bytes consumed, including the line
	// terminator, so CRLF files do not drift
	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		read += int64(len(line))
		if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
			batch = append(batch, logparse.Parse(trimmed, src.Name))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			level.Error(s.logger).Log("msg", "failed to read file", "path", path, "err", err)
			break
		}
	}

	s.mtx.Lock()
	s.offsets[path] = read
	s.mtx.Unlock()

	if len(batch) > 0 {
		metricScannedLines.Add(float64(len(batch)))
		s.buffer.AddAll(batch)
	}
}
