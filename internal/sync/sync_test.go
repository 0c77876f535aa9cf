package sync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"gastrolog/internal/backupclient"
	"gastrolog/internal/backupindex"
	"gastrolog/internal/backuperrs"
	"gastrolog/internal/datablob"
	"gastrolog/internal/datastore"
	"gastrolog/internal/digest"
	"gastrolog/internal/wire"
)

// fakeRemote serves Transport read calls directly out of a DataStore's
// on-disk layout, so a test can build a "remote" the same way the real
// server would (via datastore.Create + the backupindex writers) and
// exercise PullStore/PullGroup/PullSnapshot against it without a
// network.
type fakeRemote struct {
	ds *datastore.DataStore
}

func (f *fakeRemote) OpenIndex(ctx context.Context, prefix wire.Prefix, archiveName string, size *uint64) (string, error) {
	return "", nil
}
func (f *fakeRemote) KnownChunks(ctx context.Context, prefix wire.Prefix, archiveName string) ([]digest.Digest, error) {
	return nil, nil
}
func (f *fakeRemote) UploadChunk(ctx context.Context, prefix wire.Prefix, wid string, d digest.Digest, plainSize, encodedSize uint64, body []byte) error {
	return nil
}
func (f *fakeRemote) RegisterKnown(ctx context.Context, prefix wire.Prefix, wid string, entries []backupclient.KnownEntry) error {
	return nil
}
func (f *fakeRemote) CloseArchive(ctx context.Context, prefix wire.Prefix, wid string, chunkCount, size uint64, csum digest.Digest) error {
	return nil
}
func (f *fakeRemote) Finish(ctx context.Context) error { return nil }
func (f *fakeRemote) CancelSession(ctx context.Context, prefix wire.Prefix, wid string) error {
	return nil
}

func (f *fakeRemote) DownloadArchive(ctx context.Context, q wire.DownloadQuery) (io.ReadCloser, error) {
	sid := datastore.SnapshotID{
		Group: datastore.Group{Type: datastore.BackupType(q.BackupType), ID: q.BackupID},
		Time:  time.Unix(q.BackupTime, 0).UTC(),
	}
	data, err := os.ReadFile(f.ds.SnapshotDir(sid) + "/" + q.ArchiveName)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeRemote) DownloadChunk(ctx context.Context, d digest.Digest) ([]byte, error) {
	return f.ds.Chunks().Read(d)
}

func (f *fakeRemote) Groups(ctx context.Context) ([]wire.GroupInfo, error) {
	groups, err := f.ds.ListGroups()
	if err != nil {
		return nil, err
	}
	out := make([]wire.GroupInfo, len(groups))
	for i, g := range groups {
		out[i] = wire.GroupInfo{BackupType: string(g.Type), BackupID: g.ID}
	}
	return out, nil
}

func (f *fakeRemote) Snapshots(ctx context.Context, g wire.GroupInfo) ([]wire.SnapshotInfo, error) {
	snaps, err := f.ds.ListSnapshots(datastore.Group{Type: datastore.BackupType(g.BackupType), ID: g.BackupID})
	if err != nil {
		return nil, err
	}
	out := make([]wire.SnapshotInfo, len(snaps))
	for i, s := range snaps {
		out[i] = wire.SnapshotInfo{BackupType: string(s.Type), BackupID: s.ID, BackupTime: s.Time.Unix()}
	}
	return out, nil
}

func TestPullSnapshotFetchesMissingChunks(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	remoteDir := t.TempDir()
	remoteDS, err := datastore.Create("remote", remoteDir, nil, logger)
	if err != nil {
		t.Fatalf("create remote datastore: %v", err)
	}

	g := datastore.Group{Type: datastore.TypeHost, ID: "pve1"}
	if err := remoteDS.CreateBackupGroup(g, "test"); err != nil {
		t.Fatalf("create remote group: %v", err)
	}
	sid := datastore.SnapshotID{Group: g, Time: time.Unix(1700000000, 0).UTC()}
	if _, err := remoteDS.CreateBackupDir(sid); err != nil {
		t.Fatalf("create remote snapshot dir: %v", err)
	}

	plain := []byte("some archive content to chunk and store remotely")
	d := digest.Compute(plain, nil)
	blob, err := datablob.Encode(plain, nil, true)
	if err != nil {
		t.Fatalf("encode chunk: %v", err)
	}
	if _, _, err := remoteDS.Chunks().Insert(d, blob.Marshal()); err != nil {
		t.Fatalf("insert remote chunk: %v", err)
	}

	idxPath := remoteDS.SnapshotDir(sid) + "/drive-scsi0.img.didx"
	w, err := backupindex.CreateDynamicWriter(idxPath)
	if err != nil {
		t.Fatalf("create dynamic writer: %v", err)
	}
	if err := w.AddChunk(uint64(len(plain)), d); err != nil {
		t.Fatalf("add chunk: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close index: %v", err)
	}

	manifest := datastore.Manifest{
		BackupType: g.Type,
		BackupID:   g.ID,
		BackupTime: sid.Time.Unix(),
		Files: []datastore.FileEntry{
			{Filename: "drive-scsi0.img.didx", Size: uint64(len(plain)), Csum: d},
		},
	}
	raw, err := manifest.Encode(nil)
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	if err := datastore.WriteManifestAtomic(remoteDS.SnapshotDir(sid), raw); err != nil {
		t.Fatalf("seal remote manifest: %v", err)
	}

	localDir := t.TempDir()
	localDS, err := datastore.Create("local", localDir, nil, logger)
	if err != nil {
		t.Fatalf("create local datastore: %v", err)
	}

	remote := &fakeRemote{ds: remoteDS}
	engine := New(localDS, remote, logger)

	res, err := engine.PullGroup(ctx, g, false)
	if err != nil {
		t.Fatalf("PullGroup: %v", err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected soft errors: %v", res.Errors)
	}
	if res.SnapshotsPulled != 1 {
		t.Fatalf("SnapshotsPulled = %d, want 1", res.SnapshotsPulled)
	}
	if res.ChunksFetched != 1 {
		t.Fatalf("ChunksFetched = %d, want 1", res.ChunksFetched)
	}
	if !localDS.Chunks().Exists(d) {
		t.Fatalf("expected chunk %s to exist locally after pull", d.Short())
	}
	if _, err := datastore.ReadManifest(localDS.SnapshotDir(sid), nil); err != nil {
		t.Fatalf("expected local manifest to be sealed: %v", err)
	}
}

func TestPullSnapshotHonorsArchiveFilter(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	remoteDir := t.TempDir()
	remoteDS, err := datastore.Create("remote", remoteDir, nil, logger)
	if err != nil {
		t.Fatalf("create remote datastore: %v", err)
	}

	g := datastore.Group{Type: datastore.TypeHost, ID: "pve1"}
	if err := remoteDS.CreateBackupGroup(g, "test"); err != nil {
		t.Fatalf("create remote group: %v", err)
	}
	sid := datastore.SnapshotID{Group: g, Time: time.Unix(1700000001, 0).UTC()}
	if _, err := remoteDS.CreateBackupDir(sid); err != nil {
		t.Fatalf("create remote snapshot dir: %v", err)
	}

	writeArchive := func(name string, plain []byte) datastore.FileEntry {
		d := digest.Compute(plain, nil)
		blob, err := datablob.Encode(plain, nil, true)
		if err != nil {
			t.Fatalf("encode chunk: %v", err)
		}
		if _, _, err := remoteDS.Chunks().Insert(d, blob.Marshal()); err != nil {
			t.Fatalf("insert remote chunk: %v", err)
		}
		idxPath := remoteDS.SnapshotDir(sid) + "/" + name
		w, err := backupindex.CreateDynamicWriter(idxPath)
		if err != nil {
			t.Fatalf("create dynamic writer: %v", err)
		}
		if err := w.AddChunk(uint64(len(plain)), d); err != nil {
			t.Fatalf("add chunk: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close index: %v", err)
		}
		return datastore.FileEntry{Filename: name, Size: uint64(len(plain)), Csum: d}
	}

	entries := []datastore.FileEntry{
		writeArchive("drive-scsi0.img.didx", []byte("disk content one")),
		writeArchive("drive-scsi1.img.didx", []byte("disk content two")),
	}

	manifest := datastore.Manifest{
		BackupType: g.Type,
		BackupID:   g.ID,
		BackupTime: sid.Time.Unix(),
		Files:      entries,
	}
	raw, err := manifest.Encode(nil)
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	if err := datastore.WriteManifestAtomic(remoteDS.SnapshotDir(sid), raw); err != nil {
		t.Fatalf("seal remote manifest: %v", err)
	}

	localDir := t.TempDir()
	localDS, err := datastore.Create("local", localDir, nil, logger)
	if err != nil {
		t.Fatalf("create local datastore: %v", err)
	}

	remote := &fakeRemote{ds: remoteDS}
	engine := New(localDS, remote, logger)
	engine.ArchiveFilter = "drive-scsi0*"

	res, err := engine.PullGroup(ctx, g, false)
	if err != nil {
		t.Fatalf("PullGroup: %v", err)
	}
	if res.ChunksFetched != 1 {
		t.Fatalf("ChunksFetched = %d, want 1 (only drive-scsi0 should match)", res.ChunksFetched)
	}
	if _, err := os.Stat(localDS.SnapshotDir(sid) + "/drive-scsi0.img.didx"); err != nil {
		t.Fatalf("expected drive-scsi0.img.didx to be pulled: %v", err)
	}
	if _, err := os.Stat(localDS.SnapshotDir(sid) + "/drive-scsi1.img.didx"); !os.IsNotExist(err) {
		t.Fatalf("expected drive-scsi1.img.didx to be filtered out, stat err = %v", err)
	}
}

// TestPullStoreRemovesStaleSnapshot checks that PullStore(ctx, true)
// forwards delete through to the per-group pull instead of only acting
// at the whole-group level: a group that still exists remotely must
// still have its stale local snapshots swept.
func TestPullStoreRemovesStaleSnapshot(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	remoteDir := t.TempDir()
	remoteDS, err := datastore.Create("remote", remoteDir, nil, logger)
	if err != nil {
		t.Fatalf("create remote datastore: %v", err)
	}

	g := datastore.Group{Type: datastore.TypeHost, ID: "pve1"}
	if err := remoteDS.CreateBackupGroup(g, "test"); err != nil {
		t.Fatalf("create remote group: %v", err)
	}
	keptTime := time.Unix(1700000010, 0).UTC()
	keptSid := datastore.SnapshotID{Group: g, Time: keptTime}
	if _, err := remoteDS.CreateBackupDir(keptSid); err != nil {
		t.Fatalf("create remote snapshot dir: %v", err)
	}
	manifest := datastore.Manifest{BackupType: g.Type, BackupID: g.ID, BackupTime: keptTime.Unix()}
	raw, err := manifest.Encode(nil)
	if err != nil {
		t.Fatalf("encode manifest: %v", err)
	}
	if err := datastore.WriteManifestAtomic(remoteDS.SnapshotDir(keptSid), raw); err != nil {
		t.Fatalf("seal remote manifest: %v", err)
	}

	localDir := t.TempDir()
	localDS, err := datastore.Create("local", localDir, nil, logger)
	if err != nil {
		t.Fatalf("create local datastore: %v", err)
	}
	if err := localDS.CreateBackupGroup(g, "sync"); err != nil {
		t.Fatalf("create local group: %v", err)
	}
	staleSid := datastore.SnapshotID{Group: g, Time: time.Unix(1600000000, 0).UTC()}
	if _, err := localDS.CreateBackupDir(staleSid); err != nil {
		t.Fatalf("create local stale snapshot dir: %v", err)
	}
	staleManifest := datastore.Manifest{BackupType: g.Type, BackupID: g.ID, BackupTime: staleSid.Time.Unix()}
	staleRaw, err := staleManifest.Encode(nil)
	if err != nil {
		t.Fatalf("encode stale manifest: %v", err)
	}
	if err := datastore.WriteManifestAtomic(localDS.SnapshotDir(staleSid), staleRaw); err != nil {
		t.Fatalf("seal stale local manifest: %v", err)
	}

	remote := &fakeRemote{ds: remoteDS}
	engine := New(localDS, remote, logger)

	if _, err := engine.PullStore(ctx, true); err != nil {
		t.Fatalf("PullStore: %v", err)
	}

	if _, err := datastore.ReadManifest(localDS.SnapshotDir(staleSid), nil); !errors.Is(err, backuperrs.NotFound) {
		t.Fatalf("expected stale local snapshot to be removed, ReadManifest err = %v", err)
	}
	if _, err := datastore.ReadManifest(localDS.SnapshotDir(keptSid), nil); err != nil {
		t.Fatalf("expected remotely-present snapshot to survive: %v", err)
	}

	localGroups, err := localDS.ListGroups()
	if err != nil {
		t.Fatalf("list local groups: %v", err)
	}
	found := false
	for _, lg := range localGroups {
		if lg == g {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected group %s to remain since it still exists remotely", g)
	}
}
