package backupclient

import (
	"context"
	"fmt"
	"io"

	"gastrolog/internal/datablob"
	"gastrolog/internal/digest"
	"gastrolog/internal/wire"
)

// BackupReader fetches archives and individual chunks from a remote
// datastore. Unlike BackupWriter it is stateless between calls: each
// method is a single self-contained request against the Transport.
type BackupReader struct {
	t Transport
}

// NewReader wraps t for read-side (download) calls.
func NewReader(t Transport) *BackupReader {
	return &BackupReader{t: t}
}

// DownloadIndex streams a .fidx/.didx/manifest file's raw bytes.
func (r *BackupReader) DownloadIndex(ctx context.Context, q wire.DownloadQuery) (io.ReadCloser, error) {
	rc, err := r.t.DownloadArchive(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", q.ArchiveName, err)
	}
	return rc, nil
}

// DownloadChunk fetches one chunk, decoding its DataBlob frame and
// returning the plaintext. key must match the datastore's encryption
// key (empty if unencrypted).
func (r *BackupReader) DownloadChunk(ctx context.Context, d digest.Digest, key digest.Key) ([]byte, error) {
	raw, err := r.t.DownloadChunk(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk %s: %w", d.Short(), err)
	}
	blob, err := datablob.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("decode chunk %s: %w", d.Short(), err)
	}
	if err := blob.VerifyCRC(); err != nil {
		return nil, fmt.Errorf("verify chunk %s: %w", d.Short(), err)
	}
	plain, err := blob.Decode([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("open chunk %s: %w", d.Short(), err)
	}
	return plain, nil
}

// Groups lists every backup group the remote datastore holds.
func (r *BackupReader) Groups(ctx context.Context) ([]wire.GroupInfo, error) {
	groups, err := r.t.Groups(ctx)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

// Snapshots lists every snapshot within g.
func (r *BackupReader) Snapshots(ctx context.Context, g wire.GroupInfo) ([]wire.SnapshotInfo, error) {
	snaps, err := r.t.Snapshots(ctx, g)
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %s/%s: %w", g.BackupType, g.BackupID, err)
	}
	return snaps, nil
}
