package backupindex

import (
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"

	"gastrolog/internal/backuperrs"
	"gastrolog/internal/digest"
)

func encodeFixedHeader(h header) []byte {
	buf := make([]byte, FixedHeaderSize)
	copy(buf[0:8], MagicFixedIndex[:])
	uuidBytes, _ := h.UUID.MarshalBinary()
	copy(buf[8:24], uuidBytes)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.Ctime.Unix()))
	copy(buf[32:64], h.IndexCsum[:])
	binary.LittleEndian.PutUint64(buf[64:72], h.Size)
	binary.LittleEndian.PutUint64(buf[72:80], h.ChunkSize)
	// buf[80:144] stays zero (reserved)
	return buf
}

func decodeFixedHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < FixedHeaderSize {
		return h, ErrTruncated
	}
	if [8]byte(buf[0:8]) != MagicFixedIndex {
		return h, ErrBadMagic
	}
	if err := h.UUID.UnmarshalBinary(buf[8:24]); err != nil {
		return h, fmt.Errorf("%w: uuid: %v", backuperrs.Protocol, err)
	}
	h.Ctime = time.Unix(int64(binary.LittleEndian.Uint64(buf[24:32])), 0)
	copy(h.IndexCsum[:], buf[32:64])
	h.Size = binary.LittleEndian.Uint64(buf[64:72])
	h.ChunkSize = binary.LittleEndian.Uint64(buf[72:80])
	return h, nil
}

// FixedWriter builds a .fidx file for an archive chunked into equal
// pieces. AddChunk may be called out of position order (disk images
// can be written non-sequentially); Close computes the final
// index_csum by reading every entry back in position order.
type FixedWriter struct {
	f         *os.File
	finalPath string
	tmpPath   string
	chunkSize uint64
	uuid      uuid.UUID
	ctime     time.Time
	maxCount  uint64
	closed    bool
}

// CreateFixedWriter opens path+".tmp", writes a placeholder header, and
// returns a writer ready to accept AddChunk calls.
func CreateFixedWriter(path string, chunkSize uint64) (*FixedWriter, error) {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", backuperrs.IoTransient, tmpPath, err)
	}

	w := &FixedWriter{
		f:         f,
		finalPath: path,
		tmpPath:   tmpPath,
		chunkSize: chunkSize,
		uuid:      uuid.Must(uuid.NewV7()),
		ctime:     time.Now(),
	}

	placeholder := encodeFixedHeader(header{
		UUID:      w.uuid,
		Ctime:     w.ctime,
		ChunkSize: chunkSize,
	})
	if err := writeAtOffset(f, 0, placeholder); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	return w, nil
}

// AddChunk records digest d as the chunk covering byte range
// [position, position+chunkSize). position must be a multiple of the
// writer's chunk size.
func (w *FixedWriter) AddChunk(position uint64, d digest.Digest) error {
	if w.chunkSize == 0 || position%w.chunkSize != 0 {
		return fmt.Errorf("%w: position %d is not a multiple of chunk_size %d", backuperrs.Protocol, position, w.chunkSize)
	}
	index := position / w.chunkSize
	offset := int64(FixedHeaderSize) + int64(index)*FixedEntrySize
	if err := writeAtOffset(w.f, offset, d[:]); err != nil {
		return err
	}
	if index+1 > w.maxCount {
		w.maxCount = index + 1
	}
	return nil
}

// Close finalizes the index: writes the archive size, recomputes
// index_csum by walking every entry in position order, rewrites the
// header, fsyncs, and renames the temp file into place.
func (w *FixedWriter) Close(size uint64) error {
	if w.closed {
		return nil
	}
	w.closed = true

	folder := NewCsumFolder()
	entryBuf := make([]byte, FixedEntrySize)
	count := (size + w.chunkSize - 1) / w.chunkSize
	for i := uint64(0); i < count; i++ {
		offset := int64(FixedHeaderSize) + int64(i)*FixedEntrySize
		if _, err := w.f.ReadAt(entryBuf, offset); err != nil {
			w.f.Close()
			return fmt.Errorf("%w: read back entry %d: %v", backuperrs.IoTransient, i, err)
		}
		var d digest.Digest
		copy(d[:], entryBuf)
		folder.FoldFixed(d)
	}

	final := encodeFixedHeader(header{
		UUID:      w.uuid,
		Ctime:     w.ctime,
		IndexCsum: folder.Sum(),
		Size:      size,
		ChunkSize: w.chunkSize,
	})
	if err := writeAtOffset(w.f, 0, final); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("%w: fsync %s: %v", backuperrs.IoTransient, w.tmpPath, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", backuperrs.IoTransient, w.tmpPath, err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return fmt.Errorf("%w: rename into place: %v", backuperrs.IoTransient, err)
	}
	return nil
}

// Abort discards the in-progress index, removing the temp file.
func (w *FixedWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.f.Close()
	return os.Remove(w.tmpPath)
}

// FixedReader is a memory-mapped, random-access reader over a .fidx file.
type FixedReader struct {
	file   *os.File
	data   []byte
	header header
}

// OpenFixedReader maps path into memory and validates its header.
func OpenFixedReader(path string) (*FixedReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", backuperrs.NotFound, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", backuperrs.IoTransient, path, err)
	}
	if info.Size() < FixedHeaderSize {
		f.Close()
		return nil, ErrTruncated
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", backuperrs.IoTransient, path, err)
	}

	h, err := decodeFixedHeader(data)
	if err != nil {
		syscall.Munmap(data)
		f.Close()
		return nil, err
	}

	wantEntries := int64(0)
	if h.ChunkSize > 0 {
		wantEntries = int64((h.Size + h.ChunkSize - 1) / h.ChunkSize)
	}
	if int64(len(data)) < FixedHeaderSize+wantEntries*FixedEntrySize {
		syscall.Munmap(data)
		f.Close()
		return nil, ErrTruncated
	}

	return &FixedReader{file: f, data: data, header: h}, nil
}

// Count returns the number of chunk entries in the index.
func (r *FixedReader) Count() uint64 {
	if r.header.ChunkSize == 0 {
		return 0
	}
	return (r.header.Size + r.header.ChunkSize - 1) / r.header.ChunkSize
}

// Digest returns the chunk digest at entry i.
func (r *FixedReader) Digest(i uint64) digest.Digest {
	var d digest.Digest
	offset := FixedHeaderSize + int(i)*FixedEntrySize
	copy(d[:], r.data[offset:offset+FixedEntrySize])
	return d
}

func (r *FixedReader) Size() uint64        { return r.header.Size }
func (r *FixedReader) ChunkSize() uint64   { return r.header.ChunkSize }
func (r *FixedReader) UUID() uuid.UUID     { return r.header.UUID }
func (r *FixedReader) Ctime() time.Time    { return r.header.Ctime }
func (r *FixedReader) StoredCsum() digest.Digest { return r.header.IndexCsum }

// ComputeCsum recomputes index_csum by walking every entry, exactly as
// the writer folded them, returning the csum and the archive size.
// Sync uses this to decide whether a local archive matches a remote
// manifest entry without re-reading chunk bodies.
func (r *FixedReader) ComputeCsum() (digest.Digest, uint64) {
	folder := NewCsumFolder()
	for i := uint64(0); i < r.Count(); i++ {
		folder.FoldFixed(r.Digest(i))
	}
	return folder.Sum(), r.header.Size
}

// Verify reports ErrCsumMismatch if the stored index_csum does not
// match the entries actually present.
func (r *FixedReader) Verify() error {
	got, _ := r.ComputeCsum()
	if got != r.header.IndexCsum {
		return ErrCsumMismatch
	}
	return nil
}

// Close unmaps the file and releases its descriptor.
func (r *FixedReader) Close() error {
	var err error
	if r.data != nil {
		if unmapErr := syscall.Munmap(r.data); unmapErr != nil {
			err = unmapErr
		}
		r.data = nil
	}
	if r.file != nil {
		if closeErr := r.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		r.file = nil
	}
	return err
}
