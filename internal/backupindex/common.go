// Package backupindex implements FixedIndex and DynamicIndex: the
// on-disk files that name, in order, the chunks making up one archive
// within a snapshot. A FixedIndex describes an archive chunked into
// equal-size pieces (disk images); a DynamicIndex describes one
// chunked by content-defined boundaries (everything else).
//
// Both share a 144-byte header (magic, uuid, ctime, a rolling index
// checksum, and archive size) followed by a flat array of fixed-size
// entries, so both are amenable to the same memory-mapped random-access
// reader.
package backupindex

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"os"
	"time"

	"github.com/google/uuid"

	"gastrolog/internal/backuperrs"
	"gastrolog/internal/digest"
)

// Magic values. The spec's display strings ("PROX FIDX", "PROX DIDX")
// are 9 characters with a separating space; the on-disk field is a
// fixed 8 bytes, so the space is dropped to fit.
var (
	MagicFixedIndex   = [8]byte{'P', 'R', 'O', 'X', 'F', 'I', 'D', 'X'}
	MagicDynamicIndex = [8]byte{'P', 'R', 'O', 'X', 'D', 'I', 'D', 'X'}
)

const (
	uuidSize       = 16
	ctimeSize      = 8
	csumSize       = digest.Size
	sizeFieldSize  = 8
	chunkSizeSize  = 8
	fixedReserved  = 64
	dynamicReserved = 72

	// FixedHeaderSize and DynamicHeaderSize are both 144 bytes: the
	// reserved padding differs (64 vs 72) to make up for FixedIndex's
	// extra chunk_size field, so entries start at the same offset in
	// either file kind.
	FixedHeaderSize   = 8 + uuidSize + ctimeSize + csumSize + sizeFieldSize + chunkSizeSize + fixedReserved
	DynamicHeaderSize = 8 + uuidSize + ctimeSize + csumSize + sizeFieldSize + dynamicReserved

	// FixedEntrySize is one digest.
	FixedEntrySize = digest.Size
	// DynamicEntrySize is an (end_offset, digest) pair.
	DynamicEntrySize = 8 + digest.Size
)

var (
	ErrBadMagic     = fmt.Errorf("%w: unrecognized index magic", backuperrs.Protocol)
	ErrTruncated    = fmt.Errorf("%w: index file too short", backuperrs.Protocol)
	ErrCsumMismatch = fmt.Errorf("%w: index_csum does not match contents", backuperrs.ChecksumMismatch)
)

// header is the common prefix shared by both index kinds, decoded into
// a struct for convenience; ChunkSize is zero (and unused) for dynamic
// indexes.
type header struct {
	UUID      uuid.UUID
	Ctime     time.Time
	IndexCsum digest.Digest
	Size      uint64
	ChunkSize uint64
}

// CsumFolder accumulates the rolling SHA-256 index_csum by folding each
// entry's bytes in order, exactly as the writer and reader must agree.
// Exported so backupclient can fold the same rolling csum while
// streaming, to hand the server a client-computed csum on close.
type CsumFolder struct {
	h hash.Hash
}

func NewCsumFolder() *CsumFolder {
	return &CsumFolder{h: sha256.New()}
}

// FoldDynamic folds one DynamicIndex entry: 8-byte LE end_offset then
// the 32-byte digest.
func (c *CsumFolder) FoldDynamic(endOffset uint64, d digest.Digest) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], endOffset)
	c.h.Write(buf[:])
	c.h.Write(d[:])
}

// FoldFixed folds one FixedIndex entry: just the 32-byte digest.
func (c *CsumFolder) FoldFixed(d digest.Digest) {
	c.h.Write(d[:])
}

func (c *CsumFolder) Sum() digest.Digest {
	var d digest.Digest
	copy(d[:], c.h.Sum(nil))
	return d
}

func writeAtOffset(f *os.File, offset int64, buf []byte) error {
	if _, err := f.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("%w: write at %d: %v", backuperrs.IoTransient, offset, err)
	}
	return nil
}
