package backupclient

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"gastrolog/internal/backuperrs"
	"gastrolog/internal/datastore"
	"gastrolog/internal/digest"
	"gastrolog/internal/wire"
)

// LocalTransport implements Transport's read side directly against a
// DataStore on the local filesystem (or a mounted remote one), with no
// network, auth ticket, or TLS layer involved: a sync job whose source
// is a datastore reachable from the local machine's filesystem (a
// removable disk, an NFS mount) needs none of that, matching how the
// CLI's pull command sources a "remote" that happens to be local.
//
// Its write-side methods (OpenIndex, UploadChunk, ...) are not
// supported: writing goes through a real session-multiplexed Transport
// binding, which this one deliberately is not.
type LocalTransport struct {
	ds *datastore.DataStore
}

var _ Transport = (*LocalTransport)(nil)

// NewLocalTransport wraps ds for read-only use as a sync source.
func NewLocalTransport(ds *datastore.DataStore) *LocalTransport {
	return &LocalTransport{ds: ds}
}

var errWriteUnsupported = fmt.Errorf("%w: LocalTransport supports reads only", backuperrs.Protocol)

func (l *LocalTransport) OpenIndex(ctx context.Context, prefix wire.Prefix, archiveName string, size *uint64) (string, error) {
	return "", errWriteUnsupported
}

func (l *LocalTransport) KnownChunks(ctx context.Context, prefix wire.Prefix, archiveName string) ([]digest.Digest, error) {
	return nil, errWriteUnsupported
}

func (l *LocalTransport) UploadChunk(ctx context.Context, prefix wire.Prefix, wid string, d digest.Digest, plainSize, encodedSize uint64, body []byte) error {
	return errWriteUnsupported
}

func (l *LocalTransport) RegisterKnown(ctx context.Context, prefix wire.Prefix, wid string, entries []KnownEntry) error {
	return errWriteUnsupported
}

func (l *LocalTransport) CloseArchive(ctx context.Context, prefix wire.Prefix, wid string, chunkCount, size uint64, csum digest.Digest) error {
	return errWriteUnsupported
}

func (l *LocalTransport) Finish(ctx context.Context) error {
	return errWriteUnsupported
}

func (l *LocalTransport) CancelSession(ctx context.Context, prefix wire.Prefix, wid string) error {
	return errWriteUnsupported
}

// DownloadArchive reads a file (manifest or index) straight out of the
// named snapshot's directory.
func (l *LocalTransport) DownloadArchive(ctx context.Context, q wire.DownloadQuery) (io.ReadCloser, error) {
	sid := datastore.SnapshotID{
		Group: datastore.Group{Type: datastore.BackupType(q.BackupType), ID: q.BackupID},
		Time:  time.Unix(q.BackupTime, 0).UTC(),
	}

	f, err := os.Open(l.ds.SnapshotDir(sid) + "/" + q.ArchiveName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", backuperrs.NotFound, q.ArchiveName)
		}
		return nil, fmt.Errorf("%w: open %s: %v", backuperrs.IoTransient, q.ArchiveName, err)
	}
	return f, nil
}

// DownloadChunk reads a chunk's raw (still DataBlob-framed) bytes out
// of the local chunk store.
func (l *LocalTransport) DownloadChunk(ctx context.Context, d digest.Digest) ([]byte, error) {
	return l.ds.Chunks().Read(d)
}

func (l *LocalTransport) Groups(ctx context.Context) ([]wire.GroupInfo, error) {
	groups, err := l.ds.ListGroups()
	if err != nil {
		return nil, err
	}
	out := make([]wire.GroupInfo, len(groups))
	for i, g := range groups {
		out[i] = wire.GroupInfo{BackupType: string(g.Type), BackupID: g.ID}
	}
	return out, nil
}

func (l *LocalTransport) Snapshots(ctx context.Context, g wire.GroupInfo) ([]wire.SnapshotInfo, error) {
	snaps, err := l.ds.ListSnapshots(datastore.Group{Type: datastore.BackupType(g.BackupType), ID: g.BackupID})
	if err != nil {
		return nil, err
	}
	out := make([]wire.SnapshotInfo, len(snaps))
	for i, s := range snaps {
		out[i] = wire.SnapshotInfo{BackupType: string(s.Type), BackupID: s.ID, BackupTime: s.Time.Unix()}
	}
	return out, nil
}
