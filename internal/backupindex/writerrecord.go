package backupindex

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"gastrolog/internal/backuperrs"
)

const writersDirName = ".writers"

// WriterRecord is a lightweight marker file created for the lifetime of
// a FixedWriter/DynamicWriter. It carries no payload; only its ctime
// matters; GC's mark phase reads every record's ctime to compute
// oldest_writer, the floor below which a chunk's own ctime must fall
// before sweep may reclaim it (see the gc package).
type WriterRecord struct {
	path string
}

// CreateWriterRecord creates a new record under <storeRoot>/.writers/.
// Call Remove when the writer finishes or aborts.
func CreateWriterRecord(storeRoot string) (*WriterRecord, error) {
	dir := filepath.Join(storeRoot, writersDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", backuperrs.IoTransient, dir, err)
	}

	name := uuid.Must(uuid.NewV7()).String()
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: create writer record: %v", backuperrs.IoTransient, err)
	}
	f.Close()

	return &WriterRecord{path: path}, nil
}

// Remove deletes the record. Idempotent.
func (r *WriterRecord) Remove() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove writer record: %v", backuperrs.IoTransient, err)
	}
	return nil
}
