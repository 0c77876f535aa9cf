// Package sync implements the pull side of datastore replication: a
// local DataStore mirrors groups, snapshots, and archives out of a
// remote one reached through a backupclient.Transport, retrying
// transient per-chunk failures and skipping what already matches
// locally instead of re-fetching it.
//
// A single bad snapshot or archive must not abort an entire pull: every
// stage continues past soft failures the way a multi-item migration
// does, collecting them into the returned Result instead of returning
// early; the engine does not log them itself.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"gastrolog/internal/backupclient"
	"gastrolog/internal/backupindex"
	"gastrolog/internal/backuperrs"
	"gastrolog/internal/datastore"
	"gastrolog/internal/digest"
	"gastrolog/internal/logging"
	"gastrolog/internal/wire"
)

// retry backoff for per-chunk transient failures: 100ms, 200ms, 400ms,
// 800ms, 1.6s — three retries on top of the first attempt.
var retryBackoff = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
}

// Result accumulates soft failures from a pull so the caller can report
// them without the whole operation having aborted.
type Result struct {
	SnapshotsPulled int
	ChunksFetched   int
	Errors          []error
}

func (r *Result) addError(err error) {
	r.Errors = append(r.Errors, err)
}

func (r *Result) merge(other *Result) {
	r.SnapshotsPulled += other.SnapshotsPulled
	r.ChunksFetched += other.ChunksFetched
	r.Errors = append(r.Errors, other.Errors...)
}

// Engine pulls from one remote datastore into one local DataStore.
type Engine struct {
	local  *datastore.DataStore
	remote backupclient.Transport
	logger *slog.Logger

	// ArchiveFilter, if non-empty, is a doublestar glob matched against
	// each archive's filename; archives that don't match are skipped
	// rather than pulled. Empty means pull everything a manifest names.
	ArchiveFilter string
}

// New returns an Engine pulling from remote into local.
func New(local *datastore.DataStore, remote backupclient.Transport, logger *slog.Logger) *Engine {
	log := logging.Default(logger).With("component", logging.ComponentSync)
	return &Engine{local: local, remote: remote, logger: log}
}

func (e *Engine) archiveWanted(filename string) bool {
	if e.ArchiveFilter == "" {
		return true
	}
	ok, err := doublestar.Match(e.ArchiveFilter, filename)
	return err == nil && ok
}

// PullStore mirrors every group in the remote datastore. If delete is
// true, local groups absent from the remote listing are removed after
// the pull completes.
func (e *Engine) PullStore(ctx context.Context, delete bool) (*Result, error) {
	remoteGroups, err := e.remote.Groups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list remote groups: %w", err)
	}

	res := &Result{}
	seen := make(map[datastore.Group]bool, len(remoteGroups))
	for _, gi := range remoteGroups {
		g := datastore.Group{Type: datastore.BackupType(gi.BackupType), ID: gi.BackupID}
		seen[g] = true

		gr, err := e.PullGroup(ctx, g, delete)
		if err != nil {
			res.addError(fmt.Errorf("pull group %s: %w", g, err))
			continue
		}
		res.merge(gr)
	}

	if delete {
		localGroups, err := e.local.ListGroups()
		if err != nil {
			return res, fmt.Errorf("list local groups: %w", err)
		}
		for _, g := range localGroups {
			if seen[g] {
				continue
			}
			if err := e.local.RemoveGroup(g); err != nil {
				res.addError(fmt.Errorf("remove stale group %s: %w", g, err))
				continue
			}
			e.logger.Info("sync: removed group absent from remote", "group", g.String())
		}
	}

	return res, nil
}

// PullGroup mirrors every snapshot of g. If delete is true, local
// snapshots of g absent from the remote listing are removed afterward.
func (e *Engine) PullGroup(ctx context.Context, g datastore.Group, delete bool) (*Result, error) {
	remoteSnaps, err := e.remote.Snapshots(ctx, wire.GroupInfo{BackupType: string(g.Type), BackupID: g.ID})
	if err != nil {
		return nil, fmt.Errorf("list remote snapshots for %s: %w", g, err)
	}
	if err := e.local.CreateBackupGroup(g, "sync"); err != nil && !errors.Is(err, datastore.ErrOwnerMismatch) {
		return nil, fmt.Errorf("create local group %s: %w", g, err)
	}

	res := &Result{}
	seen := make(map[datastore.SnapshotID]bool, len(remoteSnaps))
	for _, si := range remoteSnaps {
		t := time.Unix(si.BackupTime, 0).UTC()
		sid := datastore.SnapshotID{Group: g, Time: t}
		seen[sid] = true

		if _, err := datastore.ReadManifest(e.local.SnapshotDir(sid), e.local.Key()); err == nil {
			continue // already sealed locally, nothing to pull
		}

		if err := e.PullSnapshot(ctx, sid, res); err != nil {
			res.addError(fmt.Errorf("pull snapshot %s: %w", sid, err))
			continue
		}
		res.SnapshotsPulled++
	}

	if delete {
		localSnaps, err := e.local.ListSnapshots(g)
		if err != nil {
			return res, fmt.Errorf("list local snapshots for %s: %w", g, err)
		}
		for _, sid := range localSnaps {
			if seen[sid] {
				continue
			}
			if err := e.local.RemoveBackupDir(sid); err != nil {
				res.addError(fmt.Errorf("remove stale snapshot %s: %w", sid, err))
				continue
			}
			e.logger.Info("sync: removed snapshot absent from remote", "snapshot", sid.String())
		}
	}

	return res, nil
}

// PullSnapshot mirrors one snapshot: its manifest and every archive
// (and, transitively, every chunk not already present locally) that
// the manifest names. res accumulates chunk-fetch counts and warnings;
// a manifest-level failure is returned directly since nothing else in
// the snapshot can be trusted without it.
func (e *Engine) PullSnapshot(ctx context.Context, sid datastore.SnapshotID, res *Result) error {
	if _, err := e.local.CreateBackupDir(sid); err != nil {
		return fmt.Errorf("create local snapshot dir: %w", err)
	}

	raw, err := e.downloadFile(ctx, sid, datastore.ManifestFileName)
	if err != nil {
		return fmt.Errorf("download manifest: %w", err)
	}
	manifest, err := datastore.DecodeManifest(raw, e.local.Key())
	if err != nil {
		return fmt.Errorf("decode manifest: %w", err)
	}

	for _, entry := range manifest.Files {
		if !e.archiveWanted(entry.Filename) {
			continue
		}
		if err := e.PullSingleArchive(ctx, sid, entry, res); err != nil {
			res.addError(fmt.Errorf("pull archive %s of %s: %w", entry.Filename, sid, err))
			continue
		}
	}

	if err := datastore.WriteManifestAtomic(e.local.SnapshotDir(sid), raw); err != nil {
		return fmt.Errorf("seal local manifest: %w", err)
	}
	return nil
}

// PullSingleArchive downloads one archive's index file and every chunk
// it names that is not already present in the local chunk store.
func (e *Engine) PullSingleArchive(ctx context.Context, sid datastore.SnapshotID, entry datastore.FileEntry, res *Result) error {
	raw, err := e.downloadFile(ctx, sid, entry.Filename)
	if err != nil {
		return fmt.Errorf("download index: %w", err)
	}

	dir := e.local.SnapshotDir(sid)
	finalPath := dir + "/" + entry.Filename
	tmpPath := finalPath + ".sync-tmp"
	if err := writeFileAtomic(tmpPath, finalPath, raw); err != nil {
		return err
	}

	digests, err := readIndexDigests(finalPath)
	if err != nil {
		return fmt.Errorf("read pulled index: %w", err)
	}

	for _, d := range digests {
		if e.local.Chunks().Exists(d) {
			continue
		}
		if err := e.fetchChunk(ctx, d); err != nil {
			return fmt.Errorf("fetch chunk %s: %w", d.Short(), err)
		}
		res.ChunksFetched++
	}
	return nil
}

// fetchChunk downloads one chunk's raw (still DataBlob-framed) bytes
// and inserts them into the local chunk store unchanged: content
// addressing means the digest already certifies the plaintext, so
// there is no need to decrypt and re-encrypt under the local key (pull
// only ever targets a datastore sharing the remote's encryption key).
func (e *Engine) fetchChunk(ctx context.Context, d digest.Digest) error {
	var lastErr error
	for attempt := 0; attempt <= len(retryBackoff); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff[attempt-1]):
			}
		}

		raw, err := e.remote.DownloadChunk(ctx, d)
		if err == nil {
			_, _, insertErr := e.local.Chunks().Insert(d, raw)
			return insertErr
		}
		lastErr = err
		if !backuperrs.Retryable(err) {
			return err
		}
		e.logger.Warn("sync: transient chunk fetch failure, retrying", "digest", d.Short(), "attempt", attempt+1, "error", err)
	}
	return lastErr
}

func (e *Engine) downloadFile(ctx context.Context, sid datastore.SnapshotID, filename string) ([]byte, error) {
	rc, err := e.remote.DownloadArchive(ctx, wire.DownloadQuery{
		ArchiveName: filename,
		BackupType:  string(sid.Type),
		BackupID:    sid.ID,
		BackupTime:  sid.Time.Unix(),
	})
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readAll(rc)
}

// readIndexDigests opens a pulled .fidx/.didx file and returns every
// chunk digest it names, picking the reader by file extension.
func readIndexDigests(path string) ([]digest.Digest, error) {
	switch {
	case hasSuffix(path, ".fidx"):
		r, err := backupindex.OpenFixedReader(path)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		digests := make([]digest.Digest, r.Count())
		for i := range digests {
			digests[i] = r.Digest(uint64(i))
		}
		return digests, nil
	case hasSuffix(path, ".didx"):
		r, err := backupindex.OpenDynamicReader(path)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		digests := make([]digest.Digest, r.Count())
		for i := range digests {
			digests[i] = r.Digest(uint64(i))
		}
		return digests, nil
	default:
		return nil, nil // not a chunked archive (e.g. a plain blob file); nothing to fetch
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}
