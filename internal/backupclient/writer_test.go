package backupclient

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"gastrolog/internal/digest"
	"gastrolog/internal/wire"
)

// fakeTransport is an in-memory Transport double: it records every call
// and serves KnownChunks from a fixed prior-snapshot digest list.
type fakeTransport struct {
	mu sync.Mutex

	priorKnown []digest.Digest

	uploaded      map[digest.Digest][]byte
	known         []KnownEntry
	registerCalls int
	closed        bool
	csum          digest.Digest
	size          uint64
	count         uint64
}

func newFakeTransport(prior []digest.Digest) *fakeTransport {
	return &fakeTransport{priorKnown: prior, uploaded: map[digest.Digest][]byte{}}
}

func (f *fakeTransport) OpenIndex(ctx context.Context, prefix wire.Prefix, archiveName string, size *uint64) (string, error) {
	return "wid-1", nil
}

func (f *fakeTransport) KnownChunks(ctx context.Context, prefix wire.Prefix, archiveName string) ([]digest.Digest, error) {
	return f.priorKnown, nil
}

func (f *fakeTransport) UploadChunk(ctx context.Context, prefix wire.Prefix, wid string, d digest.Digest, plainSize, encodedSize uint64, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(body))
	copy(cp, body)
	f.uploaded[d] = cp
	return nil
}

func (f *fakeTransport) RegisterKnown(ctx context.Context, prefix wire.Prefix, wid string, entries []KnownEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known = append(f.known, entries...)
	f.registerCalls++
	return nil
}

func (f *fakeTransport) CloseArchive(ctx context.Context, prefix wire.Prefix, wid string, chunkCount, size uint64, csum digest.Digest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.csum = csum
	f.size = size
	f.count = chunkCount
	return nil
}

func (f *fakeTransport) Finish(ctx context.Context) error { return nil }

func (f *fakeTransport) CancelSession(ctx context.Context, prefix wire.Prefix, wid string) error {
	return nil
}

func (f *fakeTransport) DownloadArchive(ctx context.Context, q wire.DownloadQuery) (io.ReadCloser, error) {
	return nil, nil
}

func (f *fakeTransport) DownloadChunk(ctx context.Context, d digest.Digest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploaded[d], nil
}

func (f *fakeTransport) Groups(ctx context.Context) ([]wire.GroupInfo, error) { return nil, nil }

func (f *fakeTransport) Snapshots(ctx context.Context, g wire.GroupInfo) ([]wire.SnapshotInfo, error) {
	return nil, nil
}

func TestBackupWriterDedupsAgainstPriorSnapshot(t *testing.T) {
	ctx := context.Background()
	chunkA := []byte("alpha chunk contents")
	chunkB := []byte("bravo chunk contents, new this time")
	digA := digest.Compute(chunkA, nil)

	ft := newFakeTransport([]digest.Digest{digA})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	w, err := OpenWriter(ctx, ft, logger, wire.PrefixDynamic, "archive.img.didx", nil, 0, nil)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if err := w.Offer(chunkA); err != nil {
		t.Fatalf("Offer chunkA: %v", err)
	}
	if err := w.Offer(chunkB); err != nil {
		t.Fatalf("Offer chunkB: %v", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()

	if len(ft.known) != 1 || ft.known[0].Digest != digA {
		t.Fatalf("expected chunkA registered as known, got %+v", ft.known)
	}
	if len(ft.uploaded) != 1 {
		t.Fatalf("expected exactly one chunk uploaded, got %d", len(ft.uploaded))
	}
	if !ft.closed {
		t.Fatalf("expected CloseArchive to have been called")
	}
	if ft.count != 2 {
		t.Fatalf("chunk count = %d, want 2", ft.count)
	}
	if ft.size != uint64(len(chunkA)+len(chunkB)) {
		t.Fatalf("size = %d, want %d", ft.size, len(chunkA)+len(chunkB))
	}
}

func TestBackupWriterCoalescesConsecutiveKnownRuns(t *testing.T) {
	ctx := context.Background()
	a := []byte("chunk one")
	b := []byte("chunk two")
	digA := digest.Compute(a, nil)
	digB := digest.Compute(b, nil)

	ft := newFakeTransport([]digest.Digest{digA, digB})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	w, err := OpenWriter(ctx, ft, logger, wire.PrefixDynamic, "archive.img.didx", nil, 0, nil)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if err := w.Offer(a); err != nil {
		t.Fatalf("Offer a: %v", err)
	}
	if err := w.Offer(b); err != nil {
		t.Fatalf("Offer b: %v", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()

	if len(ft.known) != 2 {
		t.Fatalf("expected both known chunks flushed together, got %d entries across calls", len(ft.known))
	}
	if ft.registerCalls != 1 {
		t.Fatalf("expected one RegisterKnown call for the run, got %d", ft.registerCalls)
	}
	if len(ft.uploaded) != 0 {
		t.Fatalf("expected no uploads when every chunk is known, got %d", len(ft.uploaded))
	}
}

func TestBackupWriterKnownEntryOffsetIsEndOffsetForDynamic(t *testing.T) {
	ctx := context.Background()
	a := []byte("first known chunk, longer than the second")
	b := []byte("second known chunk")
	digA := digest.Compute(a, nil)
	digB := digest.Compute(b, nil)

	ft := newFakeTransport([]digest.Digest{digA, digB})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	w, err := OpenWriter(ctx, ft, logger, wire.PrefixDynamic, "archive.img.didx", nil, 0, nil)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if err := w.Offer(a); err != nil {
		t.Fatalf("Offer a: %v", err)
	}
	if err := w.Offer(b); err != nil {
		t.Fatalf("Offer b: %v", err)
	}
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()

	if len(ft.known) != 2 {
		t.Fatalf("expected 2 known entries, got %d", len(ft.known))
	}
	// Dynamic prefix: KnownEntry.Offset is the chunk's own end_offset,
	// not its start position, matching DynamicWriter.AddChunk's
	// cumulative end_offset convention.
	wantA := uint64(len(a))
	wantB := uint64(len(a) + len(b))
	if ft.known[0].Digest != digA || ft.known[0].Offset != wantA {
		t.Fatalf("known[0] = %+v, want offset %d for digest %s", ft.known[0], wantA, digA.Short())
	}
	if ft.known[1].Digest != digB || ft.known[1].Offset != wantB {
		t.Fatalf("known[1] = %+v, want offset %d for digest %s", ft.known[1], wantB, digB.Short())
	}
}

func TestBackupWriterAbortCancelsSession(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport(nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	w, err := OpenWriter(ctx, ft, logger, wire.PrefixDynamic, "archive.img.didx", nil, 0, nil)
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}
	if err := w.Offer([]byte("partial data before failure")); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if err := w.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.closed {
		t.Fatalf("Abort must not call CloseArchive")
	}
}
