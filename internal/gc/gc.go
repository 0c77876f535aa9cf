// Package gc implements the two-phase mark-and-sweep garbage collector
// for a datastore's chunk store: mark walks every index file and
// touches the chunks it references, sweep reclaims any chunk whose
// atime predates the retention window and whose ctime predates the
// oldest open writer record.
//
// There are no persistent reference counts; a chunk survives a GC run
// solely because something touched it during mark, or because it is
// too young to be swept.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gastrolog/internal/backuperrs"
	"gastrolog/internal/backupindex"
	"gastrolog/internal/chunkstore"
	"gastrolog/internal/digest"
	"gastrolog/internal/logging"
)

const (
	// DefaultGracePeriod is how long an unreferenced chunk must sit
	// idle before it becomes eligible for removal.
	DefaultGracePeriod = 24 * time.Hour
	// ClockSkewMargin is added on top of DefaultGracePeriod: the mark
	// phase can take a while on a large store, and atime resolution
	// varies by filesystem, so sweep backs the cutoff off further.
	ClockSkewMargin = 5 * time.Minute
)

var ErrAlreadyRunning = fmt.Errorf("%w: garbage collection already running for this datastore", backuperrs.Conflict)

// Status reports the outcome of one GC run, returned to callers (CLI,
// scheduled job).
type Status struct {
	Started       time.Time
	Completed     time.Time
	TotalChunks   int64
	TotalBytes    int64
	RemovedChunks int64
	RemovedBytes  int64
}

// AverageChunkSize is the mean size of the chunks left after sweep,
// (TotalBytes-RemovedBytes)/(TotalChunks-RemovedChunks), or 0 if none remain.
func (s Status) AverageChunkSize() float64 {
	remaining := s.TotalChunks - s.RemovedChunks
	if remaining <= 0 {
		return 0
	}
	return float64(s.TotalBytes-s.RemovedBytes) / float64(remaining)
}

// IndexFile describes one on-disk index discovered while walking a
// datastore's snapshot tree.
type IndexFile struct {
	Path string
	Kind IndexKind
}

// IndexKind distinguishes fixed from dynamic indexes by file extension.
type IndexKind int

const (
	KindUnknown IndexKind = iota
	KindFixed
	KindDynamic
)

// Collector runs GC for one datastore. A single Collector instance
// should be shared by all callers of a given datastore so the
// single-flight guard is effective; per-process, not per-request.
type Collector struct {
	store     *chunkstore.Store
	indexRoot string
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
}

// New builds a Collector over store's chunk directory, walking
// indexRoot (the datastore's snapshot tree root, the directory that
// contains .chunks and .writers as siblings) to find index files.
func New(store *chunkstore.Store, indexRoot string, logger *slog.Logger) *Collector {
	return &Collector{
		store:     store,
		indexRoot: indexRoot,
		logger:    logging.Default(logger).With("component", logging.ComponentGC),
	}
}

// Run executes one mark-and-sweep pass. It fails fast with
// ErrAlreadyRunning if another Run is already in progress on this
// Collector, matching the spec's gc_mutex semantics (tried
// non-blockingly, never queued).
func (c *Collector) Run(ctx context.Context) (*Status, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	status := &Status{Started: time.Now()}
	c.logger.Info("garbage collection started", "datastore", c.indexRoot)

	oldestWriter, err := c.oldestWriterCtime()
	if err != nil {
		return nil, fmt.Errorf("gc: compute oldest_writer: %w", err)
	}

	if err := c.mark(ctx); err != nil {
		return nil, err
	}

	if err := c.sweep(ctx, oldestWriter, status); err != nil {
		return nil, err
	}

	status.Completed = time.Now()
	c.logger.Info("garbage collection finished",
		"total_chunks", status.TotalChunks,
		"removed_chunks", status.RemovedChunks,
		"removed_bytes", status.RemovedBytes,
		"duration", status.Completed.Sub(status.Started),
	)
	return status, nil
}

// oldestWriterCtime is the ctime of the oldest still-open writer
// record, or now if there are none. GC uses it as a floor: a chunk
// whose ctime is not older than this cannot have been missed by an
// in-flight writer's own index, so sweep must not remove it even if
// its atime looks stale.
func (c *Collector) oldestWriterCtime() (time.Time, error) {
	dir := filepath.Join(c.store.RootDir(), ".writers")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Now(), nil
		}
		return time.Time{}, err
	}
	if len(entries) == 0 {
		return time.Now(), nil
	}

	oldest := time.Now()
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		ctime := ctimeOf(info)
		if ctime.Before(oldest) {
			oldest = ctime
		}
	}
	return oldest, nil
}

// mark walks every index file under indexRoot and touches each chunk
// it references. A chunk referenced by an index but absent from the
// store is fatal: it means the store is already corrupt, and
// continuing to sweep could make the situation worse.
func (c *Collector) mark(ctx context.Context) error {
	indexes, err := c.discoverIndexes()
	if err != nil {
		return fmt.Errorf("gc: discover indexes: %w", err)
	}

	for _, idx := range indexes {
		if err := checkShutdown(ctx); err != nil {
			return err
		}
		if err := c.markIndex(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) markIndex(ctx context.Context, idx IndexFile) error {
	switch idx.Kind {
	case KindFixed:
		r, err := backupindex.OpenFixedReader(idx.Path)
		if err != nil {
			return fmt.Errorf("gc: open fixed index %s: %w", idx.Path, err)
		}
		defer r.Close()
		for i := uint64(0); i < r.Count(); i++ {
			if i%1024 == 0 {
				if err := checkShutdown(ctx); err != nil {
					return err
				}
			}
			if err := c.touchOrFatal(r.Digest(i), idx.Path); err != nil {
				return err
			}
		}
	case KindDynamic:
		r, err := backupindex.OpenDynamicReader(idx.Path)
		if err != nil {
			return fmt.Errorf("gc: open dynamic index %s: %w", idx.Path, err)
		}
		defer r.Close()
		for i := uint64(0); i < r.Count(); i++ {
			if i%1024 == 0 {
				if err := checkShutdown(ctx); err != nil {
					return err
				}
			}
			if err := c.touchOrFatal(r.Digest(i), idx.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Collector) touchOrFatal(d digest.Digest, indexPath string) error {
	if err := c.store.Touch(d); err != nil {
		if backuperrs.Classify(err) == backuperrs.KindNotFound {
			return fmt.Errorf("%w: chunk %s required by index %s missing", backuperrs.NotFound, d, indexPath)
		}
		return err
	}
	return nil
}

// discoverIndexes finds every .fidx/.didx file under indexRoot,
// skipping hidden directories (.chunks, .writers, any dotfile).
func (c *Collector) discoverIndexes() ([]IndexFile, error) {
	var found []IndexFile
	err := filepath.WalkDir(c.indexRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if len(name) > 0 && name[0] == '.' && path != c.indexRoot {
				return filepath.SkipDir
			}
			return nil
		}
		switch filepath.Ext(name) {
		case ".fidx":
			found = append(found, IndexFile{Path: path, Kind: KindFixed})
		case ".didx":
			found = append(found, IndexFile{Path: path, Kind: KindDynamic})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// sweep removes every chunk whose atime is older than cutoff AND whose
// ctime is older than oldestWriter, accumulating Status counters along
// the way. It holds the store's exclusive lock for its full duration,
// so sweep cannot run while any writer holds the store's shared lock;
// mark runs without that lock.
func (c *Collector) sweep(ctx context.Context, oldestWriter time.Time, status *Status) error {
	lock, err := c.store.TryLockExclusive()
	if err != nil {
		return fmt.Errorf("%w: sweep: %v", backuperrs.Conflict, err)
	}
	defer lock.Unlock()

	cutoff := time.Now().Add(-(DefaultGracePeriod + ClockSkewMargin))

	var i int
	err = c.store.Walk(func(e chunkstore.Entry) error {
		i++
		if i%1024 == 0 {
			if serr := checkShutdown(ctx); serr != nil {
				return serr
			}
		}

		status.TotalChunks++
		status.TotalBytes += e.Size

		if e.Atime.Before(cutoff) && e.Ctime.Before(oldestWriter) {
			if err := c.store.Remove(e.Digest); err != nil {
				return err
			}
			status.RemovedChunks++
			status.RemovedBytes += e.Size
		}
		return nil
	})
	return err
}

func checkShutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", backuperrs.Shutdown, ctx.Err())
	default:
		return nil
	}
}
