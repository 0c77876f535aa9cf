// Package backupclient implements the client side of the backup upload
// and download protocol: BackupWriter streams an archive's chunks to a
// datastore with known-chunk dedup and bounded pipelined uploads;
// BackupReader fetches a blob, an index, or a single chunk back down.
//
// Both talk to a Transport rather than a concrete HTTP/2 client: the
// wire binding (TLS, auth tickets, request routing) is out of scope
// here, so callers supply a Transport that multiplexes the calls of
// internal/wire over whatever authenticated bidirectional stream they
// already have open.
package backupclient

import (
	"context"
	"io"

	"gastrolog/internal/digest"
	"gastrolog/internal/wire"
)

// KnownEntry is one Known chunk within a coalesced run registered via a
// single PUT {prefix}_index call: Offset is that chunk's archive offset
// (fixed) or its end_offset (dynamic).
type KnownEntry struct {
	Offset uint64
	Digest digest.Digest
}

// Transport is everything BackupWriter/BackupReader need from the
// underlying session. A concrete implementation holds one long-lived
// H2 request and multiplexes these calls as streams under it, exactly
// as described in the wire protocol; CancelSession tears the whole
// thing down, which is what a dropped BackupWriter/BackupReader does.
type Transport interface {
	// OpenIndex starts a new archive write, returning its writer id.
	OpenIndex(ctx context.Context, prefix wire.Prefix, archiveName string, size *uint64) (wid string, err error)

	// KnownChunks fetches the prior snapshot's index as a digest list
	// (empty if there is no prior snapshot for this archive).
	KnownChunks(ctx context.Context, prefix wire.Prefix, archiveName string) ([]digest.Digest, error)

	// UploadChunk sends one encoded chunk body for a New entry.
	UploadChunk(ctx context.Context, prefix wire.Prefix, wid string, d digest.Digest, plainSize, encodedSize uint64, body []byte) error

	// RegisterKnown batches one coalesced run of Known entries.
	RegisterKnown(ctx context.Context, prefix wire.Prefix, wid string, entries []KnownEntry) error

	// CloseArchive finalizes wid; the server verifies csum against the
	// index it built server-side from the UploadChunk/RegisterKnown
	// calls it observed.
	CloseArchive(ctx context.Context, prefix wire.Prefix, wid string, chunkCount, size uint64, csum digest.Digest) error

	// Finish completes the whole backup session (all archives of one
	// snapshot), publishing the manifest.
	Finish(ctx context.Context) error

	// CancelSession aborts wid's in-progress write; the server discards
	// the incomplete index. Called when a BackupWriter is dropped
	// mid-stream instead of reaching CloseArchive.
	CancelSession(ctx context.Context, prefix wire.Prefix, wid string) error

	// DownloadArchive streams a blob or index (manifest, .fidx, .didx)
	// named by q back from the server.
	DownloadArchive(ctx context.Context, q wire.DownloadQuery) (io.ReadCloser, error)

	// DownloadChunk fetches one chunk's raw (still-encoded) DataBlob bytes.
	DownloadChunk(ctx context.Context, d digest.Digest) ([]byte, error)

	// Groups lists every group known to the remote datastore.
	Groups(ctx context.Context) ([]wire.GroupInfo, error)

	// Snapshots lists every snapshot within g on the remote datastore.
	Snapshots(ctx context.Context, g wire.GroupInfo) ([]wire.SnapshotInfo, error)
}
