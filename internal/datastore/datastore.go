package datastore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gastrolog/internal/backuperrs"
	"gastrolog/internal/chunkstore"
	"gastrolog/internal/digest"
	"gastrolog/internal/gc"
	"gastrolog/internal/logging"
)

// DataStore is one namespace of groups and snapshots backed by a
// single chunk store. Multiple goroutines hold shared references to
// the same DataStore value; the only mutable state beyond the
// embedded chunk store and GC collector (which manage their own
// locking) is the ownership map, guarded by mu.
type DataStore struct {
	Name string

	rootDir string
	chunks  *chunkstore.Store
	gc      *gc.Collector
	key     digest.Key
	logger  *slog.Logger

	mu     sync.Mutex
	owners map[Group]string
}

var ErrOwnerMismatch = fmt.Errorf("%w: group already owned by a different identity", backuperrs.Conflict)

// Open attaches to an existing datastore directory (chunk store
// already initialized via Create).
func Open(name, rootDir string, key digest.Key, logger *slog.Logger) (*DataStore, error) {
	log := logging.Default(logger).With("component", logging.ComponentDatastore, "name", name)
	store, err := chunkstore.Open(rootDir, key, log)
	if err != nil {
		return nil, fmt.Errorf("datastore %s: %w", name, err)
	}
	return newDataStore(name, rootDir, store, key, log), nil
}

// Create initializes a brand new datastore directory.
func Create(name, rootDir string, key digest.Key, logger *slog.Logger) (*DataStore, error) {
	log := logging.Default(logger).With("component", logging.ComponentDatastore, "name", name)
	store, err := chunkstore.Create(rootDir, key, log)
	if err != nil {
		return nil, fmt.Errorf("datastore %s: %w", name, err)
	}
	return newDataStore(name, rootDir, store, key, log), nil
}

func newDataStore(name, rootDir string, store *chunkstore.Store, key digest.Key, log *slog.Logger) *DataStore {
	return &DataStore{
		Name:    name,
		rootDir: rootDir,
		chunks:  store,
		gc:      gc.New(store, rootDir, log),
		key:     key,
		logger:  log,
		owners:  make(map[Group]string),
	}
}

// Chunks exposes the underlying chunk store for callers that stream
// chunk bodies directly (backupclient, sync).
func (ds *DataStore) Chunks() *chunkstore.Store { return ds.chunks }

// GC exposes the datastore's garbage collector.
func (ds *DataStore) GC() *gc.Collector { return ds.gc }

// Key returns the datastore's master encryption key (nil if unencrypted).
func (ds *DataStore) Key() digest.Key { return ds.key }

// RootDir returns the datastore's root directory.
func (ds *DataStore) RootDir() string { return ds.rootDir }

// CreateBackupGroup registers owner as the identity permitted to write
// new snapshots into g. A group may only have one owner at a time;
// repeated calls by the same owner are idempotent, calls by a
// different owner fail with ErrOwnerMismatch.
func (ds *DataStore) CreateBackupGroup(g Group, owner string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if existing, ok := ds.owners[g]; ok {
		if existing != owner {
			return fmt.Errorf("%w: group %s owned by %q, not %q", ErrOwnerMismatch, g, existing, owner)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Join(ds.rootDir, g.RelPath()), 0o750); err != nil {
		return fmt.Errorf("%w: create group dir: %v", backuperrs.IoTransient, err)
	}
	ds.owners[g] = owner
	return nil
}

// Owner returns the registered owner of g, or "" if none.
func (ds *DataStore) Owner(g Group) string {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.owners[g]
}

// CreateBackupDir creates an empty snapshot directory, ready to receive
// archive writes.
func (ds *DataStore) CreateBackupDir(s SnapshotID) (string, error) {
	dir := filepath.Join(ds.rootDir, s.RelPath())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("%w: create snapshot dir: %v", backuperrs.IoTransient, err)
	}
	return dir, nil
}

// RemoveBackupDir recursively removes a snapshot directory.
func (ds *DataStore) RemoveBackupDir(s SnapshotID) error {
	dir := filepath.Join(ds.rootDir, s.RelPath())
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: remove snapshot dir: %v", backuperrs.IoTransient, err)
	}
	return nil
}

// RemoveGroup recursively removes an entire group (all its snapshots).
func (ds *DataStore) RemoveGroup(g Group) error {
	ds.mu.Lock()
	delete(ds.owners, g)
	ds.mu.Unlock()

	dir := filepath.Join(ds.rootDir, g.RelPath())
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("%w: remove group dir: %v", backuperrs.IoTransient, err)
	}
	return nil
}

// SnapshotDir returns s's absolute directory path.
func (ds *DataStore) SnapshotDir(s SnapshotID) string {
	return filepath.Join(ds.rootDir, s.RelPath())
}

// CleanupBackupDir removes files in a snapshot directory not
// referenced by its manifest (stray .tmp leftovers, orphaned archives
// from an aborted write), keeping only the manifest and the files it
// names.
func (ds *DataStore) CleanupBackupDir(s SnapshotID) error {
	m, err := ReadManifest(ds.SnapshotDir(s), ds.key)
	if err != nil {
		return err
	}

	keep := map[string]bool{ManifestFileName: true}
	for _, f := range m.Files {
		keep[f.Filename] = true
	}

	dir := ds.SnapshotDir(s)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: list %s: %v", backuperrs.IoTransient, dir, err)
	}
	for _, e := range entries {
		if keep[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("%w: remove stray %s: %v", backuperrs.IoTransient, e.Name(), err)
		}
	}
	return nil
}

// ListGroups enumerates every group directory, including groups that
// have no snapshots yet, sorted by (type, id).
func (ds *DataStore) ListGroups() ([]Group, error) {
	var groups []Group
	for _, bt := range []BackupType{TypeHost, TypeVM, TypeCT} {
		typeDir := filepath.Join(ds.rootDir, string(bt))
		ids, err := os.ReadDir(typeDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("%w: list %s: %v", backuperrs.IoTransient, typeDir, err)
		}
		for _, id := range ids {
			if !id.IsDir() {
				continue
			}
			groups = append(groups, Group{Type: bt, ID: id.Name()})
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Type != groups[j].Type {
			return groups[i].Type < groups[j].Type
		}
		return groups[i].ID < groups[j].ID
	})
	return groups, nil
}

// ListSnapshots enumerates every snapshot in g, sorted by backup_time.
func (ds *DataStore) ListSnapshots(g Group) ([]SnapshotID, error) {
	groupDir := filepath.Join(ds.rootDir, g.RelPath())
	entries, err := os.ReadDir(groupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list %s: %v", backuperrs.IoTransient, groupDir, err)
	}

	var snaps []SnapshotID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := ParseSnapshotTime(e.Name())
		if err != nil {
			continue // not a snapshot directory (e.g. stray file)
		}
		snaps = append(snaps, SnapshotID{Group: g, Time: t})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Time.Before(snaps[j].Time) })
	return snaps, nil
}

// LastSuccessfulSnapshot returns the most recent sealed (manifest
// present) snapshot in g, or ok=false if none.
func (ds *DataStore) LastSuccessfulSnapshot(g Group) (SnapshotID, bool, error) {
	snaps, err := ds.ListSnapshots(g)
	if err != nil {
		return SnapshotID{}, false, err
	}
	for i := len(snaps) - 1; i >= 0; i-- {
		if _, err := os.Stat(filepath.Join(ds.SnapshotDir(snaps[i]), ManifestFileName)); err == nil {
			return snaps[i], true, nil
		}
	}
	return SnapshotID{}, false, nil
}
