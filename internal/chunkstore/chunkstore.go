// Package chunkstore implements the on-disk, content-addressed chunk
// store: a ".chunks" directory sharded into 65,536 subdirectories (one
// per two-byte digest prefix), written to with atomic temp-file-then-
// rename, and reclaimed by an atime/ctime mark-and-sweep garbage
// collector rather than persistent reference counts.
package chunkstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"gastrolog/internal/backuperrs"
	"gastrolog/internal/digest"
	"gastrolog/internal/logging"
)

const (
	chunksDirName  = ".chunks"
	lockFileName   = ".chunks.lock"
	readyFileName  = ".chunks.ready"
	tempFilePrefix = ".tmp-"
	shardCount     = 1 << 16 // one subdir per 2-byte (4 hex char) digest prefix
	dirMode        = 0o750
	fileMode       = 0o640
)

var (
	ErrNotInitialized = errors.New("chunkstore: store not initialized, call Create first")
	ErrLocked          = errors.New("chunkstore: lock held by another process")
)

// Store is a single datastore's chunk directory.
type Store struct {
	rootDir   string
	chunksDir string
	key       digest.Key
	logger    *slog.Logger

	mu       sync.Mutex
	lockFile *os.File
}

// Open attaches to an already-initialized chunk store at rootDir. Call
// Create first if the store has never been initialized.
func Open(rootDir string, key digest.Key, logger *slog.Logger) (*Store, error) {
	chunksDir := filepath.Join(rootDir, chunksDirName)
	if _, err := os.Stat(filepath.Join(chunksDir, readyFileName)); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}
	return &Store{
		rootDir:   rootDir,
		chunksDir: chunksDir,
		key:       key,
		logger:    logging.Default(logger).With("component", logging.ComponentChunkstore, "dir", rootDir),
	}, nil
}

// Create initializes a new chunk store at rootDir, pre-creating all
// 65,536 shard directories up front so insert never races mkdir against
// a concurrent writer targeting the same shard.
func Create(rootDir string, key digest.Key, logger *slog.Logger) (*Store, error) {
	chunksDir := filepath.Join(rootDir, chunksDirName)
	if err := os.MkdirAll(chunksDir, dirMode); err != nil {
		return nil, fmt.Errorf("chunkstore: create %s: %w", chunksDir, err)
	}

	readyPath := filepath.Join(chunksDir, readyFileName)
	if _, err := os.Stat(readyPath); err == nil {
		return Open(rootDir, key, logger)
	}

	log := logging.Default(logger).With("component", logging.ComponentChunkstore, "dir", rootDir)
	log.Info("initializing chunk store shard directories", "shards", shardCount)

	for i := 0; i < shardCount; i++ {
		shard := fmt.Sprintf("%04x", i)
		if err := os.MkdirAll(filepath.Join(chunksDir, shard), dirMode); err != nil {
			return nil, fmt.Errorf("chunkstore: create shard %s: %w", shard, err)
		}
	}

	if err := os.WriteFile(readyPath, []byte{}, fileMode); err != nil {
		return nil, fmt.Errorf("chunkstore: mark store ready: %w", err)
	}

	return &Store{rootDir: rootDir, chunksDir: chunksDir, key: key, logger: log}, nil
}

// Path returns the filesystem path a chunk with digest d would occupy,
// whether or not it currently exists there.
func (s *Store) Path(d digest.Digest) string {
	return filepath.Join(s.chunksDir, d.ShardPrefix(), d.Hex())
}

func (s *Store) tempPath(d digest.Digest) string {
	return filepath.Join(s.chunksDir, d.ShardPrefix(), tempFilePrefix+d.Hex())
}

// Insert atomically writes raw (an encoded DataBlob) under d's path,
// and reports whether the chunk was already present. existed is true
// when a chunk with this digest already exists: Insert treats that as
// success and just refreshes its atime, since content-addressing
// guarantees the existing bytes already match what the caller would
// have written. length is always the size of the stored (encoded)
// chunk on disk, whichever caller wrote it first — callers use it to
// tally bytes actually added versus deduplicated without a second
// stat. Exactly one caller racing to insert a given digest for the
// first time observes existed=false; every other caller, whenever it
// arrives, observes existed=true.
func (s *Store) Insert(d digest.Digest, raw []byte) (existed bool, length uint64, err error) {
	path := s.Path(d)

	if info, statErr := os.Stat(path); statErr == nil {
		if err := s.Touch(d); err != nil {
			return false, 0, err
		}
		return true, uint64(info.Size()), nil
	} else if !os.IsNotExist(statErr) {
		return false, 0, fmt.Errorf("chunkstore: stat %s: %w", path, statErr)
	}

	tmpPath := s.tempPath(d)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode)
	if err != nil {
		return false, 0, fmt.Errorf("%w: open temp file: %v", backuperrs.IoTransient, err)
	}

	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return false, 0, fmt.Errorf("%w: write temp file: %v", backuperrs.IoTransient, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return false, 0, fmt.Errorf("%w: fsync temp file: %v", backuperrs.IoTransient, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return false, 0, fmt.Errorf("%w: close temp file: %v", backuperrs.IoTransient, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		// Another writer may have raced us to the same digest; that's
		// fine, the bytes are identical by content-addressing.
		if info, statErr := os.Stat(path); statErr == nil {
			return true, uint64(info.Size()), nil
		}
		return false, 0, fmt.Errorf("%w: rename into place: %v", backuperrs.IoTransient, err)
	}

	return false, uint64(len(raw)), nil
}

// Touch refreshes a chunk's atime so the GC sweep does not reclaim it.
// It returns a NotFound error if the chunk does not exist; callers that
// only want to learn whether the chunk exists should use CondTouch.
func (s *Store) Touch(d digest.Digest) error {
	path := s.Path(d)
	now := time.Now()
	if err := os.Chtimes(path, now, time.Time{}); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: chunk %s", backuperrs.NotFound, d)
		}
		return fmt.Errorf("%w: touch %s: %v", backuperrs.IoTransient, path, err)
	}
	return nil
}

// CondTouch reports whether the chunk exists, touching its atime if
// so. Used on upload to recognize an already-known chunk from only its
// digest, without the caller having to resend the chunk body.
func (s *Store) CondTouch(d digest.Digest) (bool, error) {
	path := s.Path(d)
	now := time.Now()
	if err := os.Chtimes(path, now, time.Time{}); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: cond-touch %s: %v", backuperrs.IoTransient, path, err)
	}
	return true, nil
}

// Read loads the raw bytes of a stored chunk.
func (s *Store) Read(d digest.Digest) ([]byte, error) {
	raw, err := os.ReadFile(s.Path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: chunk %s", backuperrs.NotFound, d)
		}
		return nil, fmt.Errorf("%w: read %s: %v", backuperrs.IoTransient, d, err)
	}
	return raw, nil
}

// Exists reports whether a chunk is present, without touching its atime.
func (s *Store) Exists(d digest.Digest) bool {
	_, err := os.Lstat(s.Path(d))
	return err == nil
}

// Entry describes one chunk discovered while walking the store.
type Entry struct {
	Digest digest.Digest
	Path   string
	Size   int64
	Atime  time.Time
	Ctime  time.Time
}

// Walk invokes fn once per stored chunk. Used by GC's sweep phase and
// by diagnostics; fn's error aborts the walk.
func (s *Store) Walk(fn func(Entry) error) error {
	entries, err := os.ReadDir(s.chunksDir)
	if err != nil {
		return fmt.Errorf("chunkstore: list shards: %w", err)
	}

	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.chunksDir, shard.Name())
		files, err := os.ReadDir(shardPath)
		if err != nil {
			return fmt.Errorf("chunkstore: list shard %s: %w", shard.Name(), err)
		}

		for _, f := range files {
			name := f.Name()
			if len(name) == 0 || name[0] == '.' {
				continue // temp files, lock markers
			}
			d, err := digest.Parse(name)
			if err != nil {
				continue // not a chunk file, ignore
			}
			info, err := f.Info()
			if errors.Is(err, fs.ErrNotExist) {
				continue // raced with a concurrent sweep/insert
			}
			if err != nil {
				return fmt.Errorf("chunkstore: stat %s: %w", name, err)
			}
			atime, ctime := fileTimes(info)
			if err := fn(Entry{
				Digest: d,
				Path:   filepath.Join(shardPath, name),
				Size:   info.Size(),
				Atime:  atime,
				Ctime:  ctime,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// fileTimes extracts atime and ctime from a FileInfo on platforms that
// expose *syscall.Stat_t (Linux, and the other Unixes this codebase
// targets). ctime cannot be set directly from userspace, only observed:
// the kernel updates it on every metadata change (write, rename,
// chmod), which is exactly the "chunk was materially touched at time T"
// signal GC's ctime floor needs.
func fileTimes(info fs.FileInfo) (atime, ctime time.Time) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		mt := info.ModTime()
		return mt, mt
	}
	return time.Unix(stat.Atim.Sec, stat.Atim.Nsec), time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec)
}

// Remove deletes a chunk file. Only the GC sweep phase should call this.
func (s *Store) Remove(d digest.Digest) error {
	if err := os.Remove(s.Path(d)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove %s: %v", backuperrs.IoTransient, d, err)
	}
	return nil
}

// Lock is a held flock(2) lock on the store's lock file.
type Lock struct {
	file     *os.File
	store    *Store
	shared   bool
}

// TryLockShared acquires a non-blocking shared lock, held by every
// in-progress backup/restore/sync operation against this store.
func (s *Store) TryLockShared() (*Lock, error) {
	return s.tryLock(syscall.LOCK_SH)
}

// TryLockExclusive acquires a non-blocking exclusive lock. GC's sweep
// phase holds it for the whole sweep, excluding every shared-lock
// holder while chunks are removed.
func (s *Store) TryLockExclusive() (*Lock, error) {
	return s.tryLock(syscall.LOCK_EX)
}

func (s *Store) tryLock(how int) (*Lock, error) {
	path := filepath.Join(s.rootDir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, fileMode)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), how|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrLocked, err)
	}
	return &Lock{file: f, store: s, shared: how == syscall.LOCK_SH}, nil
}

// Unlock releases the lock and closes its file descriptor.
func (l *Lock) Unlock() error {
	if l.file == nil {
		return nil
	}
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// RootDir returns the datastore-relative directory this store was
// opened from, used by callers that need to build sibling paths (index
// directories, writer-record files) alongside .chunks.
func (s *Store) RootDir() string { return s.rootDir }
