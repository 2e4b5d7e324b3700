package sagadb

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	idxmapping "github.com/blevesearch/bleve/v2/mapping"
)

// partition is a time-bucketed on-disk index. A partition exclusively owns
// its directory; there is a single writer, readers open snapshots through the
// same handle.
type partition struct {
	name   string
	bucket string
	dir    string
	index  bleve.Index
}

// openPartition opens the index under dir, creating it when absent.
func openPartition(bucket, dir string, m idxmapping.IndexMapping) (*partition, error) {
	idx, err := bleve.Open(dir)
	if err == bleve.ErrorIndexPathDoesNotExist {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating partition base dir: %w", err)
		}
		idx, err = bleve.New(dir, m)
		if err != nil {
			return nil, fmt.Errorf("creating index at %s: %w", dir, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("opening index at %s: %w", dir, err)
	}

	return &partition{
		name:   partitionName(bucket),
		bucket: bucket,
		dir:    dir,
		index:  idx,
	}, nil
}

func (p *partition) close() error {
	return p.index.Close()
}

// remove closes the partition and deletes its directory.
func (p *partition) remove() error {
	if err := p.index.Close(); err != nil {
		return err
	}
	return os.RemoveAll(p.dir)
}

func (p *partition) docCount() uint64 {
	n, err := p.index.DocCount()
	if err != nil {
		return 0
	}
	return n
}
