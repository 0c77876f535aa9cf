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

func encodeDynamicHeader(h header) []byte {
	buf := make([]byte, DynamicHeaderSize)
	copy(buf[0:8], MagicDynamicIndex[:])
	uuidBytes, _ := h.UUID.MarshalBinary()
	copy(buf[8:24], uuidBytes)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.Ctime.Unix()))
	copy(buf[32:64], h.IndexCsum[:])
	binary.LittleEndian.PutUint64(buf[64:72], h.Size)
	// buf[72:144] stays zero (reserved)
	return buf
}

func decodeDynamicHeader(buf []byte) (header, error) {
	var h header
	if len(buf) < DynamicHeaderSize {
		return h, ErrTruncated
	}
	if [8]byte(buf[0:8]) != MagicDynamicIndex {
		return h, ErrBadMagic
	}
	if err := h.UUID.UnmarshalBinary(buf[8:24]); err != nil {
		return h, fmt.Errorf("%w: uuid: %v", backuperrs.Protocol, err)
	}
	h.Ctime = time.Unix(int64(binary.LittleEndian.Uint64(buf[24:32])), 0)
	copy(h.IndexCsum[:], buf[32:64])
	h.Size = binary.LittleEndian.Uint64(buf[64:72])
	return h, nil
}

// DynamicWriter builds a .didx file for a content-defined-chunked
// archive. Entries are appended strictly in stream order; end_offset
// must strictly increase, matching the chunker's output order.
type DynamicWriter struct {
	f          *os.File
	finalPath  string
	tmpPath    string
	uuid       uuid.UUID
	ctime      time.Time
	folder     *CsumFolder
	count      uint64
	lastOffset uint64
	closed     bool
}

// CreateDynamicWriter opens path+".tmp" and writes a placeholder header.
func CreateDynamicWriter(path string) (*DynamicWriter, error) {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", backuperrs.IoTransient, tmpPath, err)
	}

	w := &DynamicWriter{
		f:         f,
		finalPath: path,
		tmpPath:   tmpPath,
		uuid:      uuid.Must(uuid.NewV7()),
		ctime:     time.Now(),
		folder:    NewCsumFolder(),
	}

	placeholder := encodeDynamicHeader(header{UUID: w.uuid, Ctime: w.ctime})
	if err := writeAtOffset(f, 0, placeholder); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	return w, nil
}

// AddChunk appends one (end_offset, digest) entry, where length is the
// plaintext length of the chunk just appended and end_offset is the
// previous entry's end_offset (0 before the first entry) plus length.
// After the first entry end_offset must strictly increase, so a
// zero-length chunk is rejected.
func (w *DynamicWriter) AddChunk(length uint64, d digest.Digest) error {
	endOffset := w.lastOffset + length
	if endOffset <= w.lastOffset && w.count > 0 {
		return fmt.Errorf("%w: end_offset did not strictly increase", backuperrs.Protocol)
	}

	var entry [DynamicEntrySize]byte
	binary.LittleEndian.PutUint64(entry[0:8], endOffset)
	copy(entry[8:], d[:])

	offset := int64(DynamicHeaderSize) + int64(w.count)*DynamicEntrySize
	if err := writeAtOffset(w.f, offset, entry[:]); err != nil {
		return err
	}

	w.folder.FoldDynamic(endOffset, d)
	w.lastOffset = endOffset
	w.count++
	return nil
}

// Close writes the final size (the last end_offset) and index_csum,
// fsyncs, and renames the temp file into place.
func (w *DynamicWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	final := encodeDynamicHeader(header{
		UUID:      w.uuid,
		Ctime:     w.ctime,
		IndexCsum: w.folder.Sum(),
		Size:      w.lastOffset,
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
func (w *DynamicWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.f.Close()
	return os.Remove(w.tmpPath)
}

// DynamicReader is a memory-mapped, random-access reader over a .didx file.
type DynamicReader struct {
	file   *os.File
	data   []byte
	header header
	count  uint64
}

// OpenDynamicReader maps path into memory and validates its header.
func OpenDynamicReader(path string) (*DynamicReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", backuperrs.NotFound, path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", backuperrs.IoTransient, path, err)
	}
	if info.Size() < DynamicHeaderSize {
		f.Close()
		return nil, ErrTruncated
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(info.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", backuperrs.IoTransient, path, err)
	}

	h, err := decodeDynamicHeader(data)
	if err != nil {
		syscall.Munmap(data)
		f.Close()
		return nil, err
	}

	entryBytes := int64(len(data)) - DynamicHeaderSize
	if entryBytes%DynamicEntrySize != 0 {
		syscall.Munmap(data)
		f.Close()
		return nil, ErrTruncated
	}

	return &DynamicReader{file: f, data: data, header: h, count: uint64(entryBytes / DynamicEntrySize)}, nil
}

// Count returns the number of chunk entries in the index.
func (r *DynamicReader) Count() uint64 { return r.count }

// EndOffset returns entry i's end_offset.
func (r *DynamicReader) EndOffset(i uint64) uint64 {
	offset := DynamicHeaderSize + int(i)*DynamicEntrySize
	return binary.LittleEndian.Uint64(r.data[offset : offset+8])
}

// Digest returns entry i's chunk digest.
func (r *DynamicReader) Digest(i uint64) digest.Digest {
	var d digest.Digest
	offset := DynamicHeaderSize + int(i)*DynamicEntrySize + 8
	copy(d[:], r.data[offset:offset+DynamicEntrySize-8])
	return d
}

// Length returns entry i's chunk length (end_offset[i] - end_offset[i-1],
// or end_offset[0] for the first entry).
func (r *DynamicReader) Length(i uint64) uint64 {
	if i == 0 {
		return r.EndOffset(0)
	}
	return r.EndOffset(i) - r.EndOffset(i-1)
}

func (r *DynamicReader) Size() uint64              { return r.header.Size }
func (r *DynamicReader) UUID() uuid.UUID           { return r.header.UUID }
func (r *DynamicReader) Ctime() time.Time          { return r.header.Ctime }
func (r *DynamicReader) StoredCsum() digest.Digest { return r.header.IndexCsum }

// ComputeCsum recomputes index_csum by walking every entry, exactly as
// the writer folded them, returning the csum and the archive size
// (the last entry's end_offset, or 0 if empty).
func (r *DynamicReader) ComputeCsum() (digest.Digest, uint64) {
	folder := NewCsumFolder()
	var size uint64
	for i := uint64(0); i < r.count; i++ {
		end := r.EndOffset(i)
		folder.FoldDynamic(end, r.Digest(i))
		size = end
	}
	return folder.Sum(), size
}

// Verify reports ErrCsumMismatch if the stored index_csum does not
// match the entries actually present.
func (r *DynamicReader) Verify() error {
	got, _ := r.ComputeCsum()
	if got != r.header.IndexCsum {
		return ErrCsumMismatch
	}
	return nil
}

// Close unmaps the file and releases its descriptor.
func (r *DynamicReader) Close() error {
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
