package backupclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"gastrolog/internal/backupindex"
	"gastrolog/internal/backuperrs"
	"gastrolog/internal/chunker"
	"gastrolog/internal/datablob"
	"gastrolog/internal/digest"
	"gastrolog/internal/logging"
	"gastrolog/internal/wire"
)

// uploadConcurrency bounds the number of chunk uploads a BackupWriter
// keeps in flight at once.
const uploadConcurrency = 64

type writerState int

const (
	stateIdle writerState = iota
	stateOpened
	stateStreaming
	stateFinished
	stateAborted
)

// BackupWriter drives one archive's upload: it reads the prior
// snapshot's known-chunk list once at Open, then for every chunk
// offered by the caller either reuses a known digest or uploads a new
// one, folding every chunk (known or new) into the same rolling index
// checksum the server computes, so Close's csum matches regardless of
// how many chunks were reused.
//
// Consecutive Known chunks are coalesced into a single RegisterKnown
// call instead of one round trip per chunk; a run of New uploads is
// flushed to the pipeline as encountered, bounded to uploadConcurrency
// in flight at once.
type BackupWriter struct {
	t      Transport
	logger *slog.Logger
	prefix wire.Prefix
	pol    chunker.Polynomial
	key    digest.Key

	mu    sync.Mutex
	state writerState
	wid   string

	known map[digest.Digest]struct{}
	run   []KnownEntry // pending coalesced Known run, flushed before the next New or at Close

	folder     *backupindex.CsumFolder
	chunkCount uint64
	offset     uint64 // next chunk's position (fixed) or running end_offset (dynamic)

	eg      *errgroup.Group
	egCtx   context.Context
	uploads sync.Mutex // serializes UploadChunk calls against a shared Transport

	limiter *rate.Limiter // optional upload bandwidth cap, bytes/sec; nil means unbounded
}

// OpenWriter starts a new archive upload named archiveName. size is the
// archive's total plaintext size if known in advance (required for
// FixedIndex archives), nil otherwise. It fetches the prior snapshot's
// known-chunk set so subsequent Offer calls can dedup against it.
func OpenWriter(ctx context.Context, t Transport, logger *slog.Logger, prefix wire.Prefix, archiveName string, size *uint64, pol chunker.Polynomial, key digest.Key) (*BackupWriter, error) {
	wid, err := t.OpenIndex(ctx, prefix, archiveName, size)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", archiveName, err)
	}

	knownList, err := t.KnownChunks(ctx, prefix, archiveName)
	if err != nil {
		return nil, fmt.Errorf("fetch known chunks for %s: %w", archiveName, err)
	}
	known := make(map[digest.Digest]struct{}, len(knownList))
	for _, d := range knownList {
		known[d] = struct{}{}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(uploadConcurrency)

	return &BackupWriter{
		t:      t,
		logger: logging.Default(logger).With("component", logging.ComponentBackupClient, "archive", archiveName),
		prefix: prefix,
		pol:    pol,
		key:    key,
		state:  stateOpened,
		wid:    wid,
		known:  known,
		folder: backupindex.NewCsumFolder(),
		eg:     eg,
		egCtx:  egCtx,
	}, nil
}

// SetRateLimit caps upload bandwidth to bytesPerSecond, allowing bursts
// up to burstBytes. Call it before the first Offer; it has no effect
// on chunks already queued for upload.
func (w *BackupWriter) SetRateLimit(bytesPerSecond float64, burstBytes int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burstBytes)
}

// Offer submits one chunk of archive content. If its digest is already
// known to the server (either carried over from the prior snapshot or
// seen earlier in this same upload), it is coalesced into the pending
// RegisterKnown run instead of re-uploaded.
func (w *BackupWriter) Offer(plain []byte) error {
	d := digest.Compute(plain, w.key)

	w.mu.Lock()
	w.state = stateStreaming
	_, isKnown := w.known[d]
	position := w.offset
	w.offset += uint64(len(plain))
	endOffset := w.offset
	w.chunkCount++
	if w.prefix == wire.PrefixFixed {
		w.folder.FoldFixed(d)
	} else {
		w.folder.FoldDynamic(endOffset, d)
	}

	if isKnown {
		entryOffset := position
		if w.prefix != wire.PrefixFixed {
			entryOffset = endOffset // dynamic entries carry end_offset, not start offset
		}
		w.run = append(w.run, KnownEntry{Offset: entryOffset, Digest: d})
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	if err := w.flushKnown(); err != nil {
		return err
	}

	w.known[d] = struct{}{}
	blob, err := datablob.Encode(plain, w.key, true)
	if err != nil {
		return fmt.Errorf("encode chunk %s: %w", d.Short(), err)
	}
	raw := blob.Marshal()

	w.eg.Go(func() error {
		w.mu.Lock()
		limiter := w.limiter
		w.mu.Unlock()
		if limiter != nil {
			// burstBytes must be configured at least as large as the
			// chunker's max chunk size, or WaitN rejects the reservation.
			if err := limiter.WaitN(w.egCtx, len(raw)); err != nil {
				return fmt.Errorf("rate limit chunk %s: %w", d.Short(), err)
			}
		}

		w.uploads.Lock()
		defer w.uploads.Unlock()
		if err := w.t.UploadChunk(w.egCtx, w.prefix, w.wid, d, uint64(len(plain)), uint64(len(raw)), raw); err != nil {
			return fmt.Errorf("upload chunk %s: %w", d.Short(), err)
		}
		return nil
	})
	return nil
}

// flushKnown sends the pending coalesced Known run, if any.
func (w *BackupWriter) flushKnown() error {
	w.mu.Lock()
	run := w.run
	w.run = nil
	w.mu.Unlock()
	if len(run) == 0 {
		return nil
	}
	if err := w.t.RegisterKnown(w.egCtx, w.prefix, w.wid, run); err != nil {
		return fmt.Errorf("register %d known chunks: %w", len(run), err)
	}
	return nil
}

// Close waits for all in-flight uploads, flushes any trailing Known
// run, and finalizes the archive with the client-computed csum, which
// the server compares against the index it assembled from the same
// UploadChunk/RegisterKnown calls.
func (w *BackupWriter) Close(ctx context.Context) error {
	if err := w.flushKnown(); err != nil {
		return err
	}
	if err := w.eg.Wait(); err != nil {
		return err
	}

	w.mu.Lock()
	csum := w.folder.Sum()
	count := w.chunkCount
	size := w.offset
	w.state = stateFinished
	w.mu.Unlock()

	if err := w.t.CloseArchive(ctx, w.prefix, w.wid, count, size, csum); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

// Abort discards the in-progress upload. Call it instead of Close when
// streaming fails partway through; the server drops the incomplete
// index rather than leaving a dangling writer record.
func (w *BackupWriter) Abort(ctx context.Context) error {
	w.mu.Lock()
	if w.state == stateFinished || w.state == stateAborted {
		w.mu.Unlock()
		return nil
	}
	w.state = stateAborted
	w.mu.Unlock()

	w.eg.Wait() // drain in-flight uploads before telling the server to discard wid

	if err := w.t.CancelSession(ctx, w.prefix, w.wid); err != nil {
		return fmt.Errorf("%w: cancel session: %v", backuperrs.IoTransient, err)
	}
	return nil
}
