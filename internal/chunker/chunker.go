// Package chunker performs content-defined chunking of dynamic-archive
// streams using a rolling Rabin hash so that small edits to a file shift
// at most the chunks touching the edit, not every chunk after it.
package chunker

import (
	"fmt"
	"io"

	resticchunker "github.com/restic/chunker"

	"gastrolog/internal/digest"
)

// Target chunk sizes, bytes. The boundary function accepts chunks
// anywhere in [MinSize, MaxSize]. TargetSize only derives those two
// bounds: the cut condition is the restic library's default split mask,
// so the average chunk size is not tuned to TargetSize.
const (
	TargetSize = 4 * 1024 * 1024
	MinSize    = TargetSize / 4
	MaxSize    = TargetSize * 4

	// readBufSize is the scratch buffer each Next() call fills; it must
	// be at least MaxSize since a single chunk can be that large.
	readBufSize = MaxSize
)

// Chunk is one content-defined slice of the input stream.
type Chunk struct {
	Data   []byte
	Offset int64
	Digest digest.Digest
}

// Polynomial is the irreducible polynomial that parameterizes the
// rolling hash. Two datastores chunking the same bytes with different
// polynomials get unrelated chunk boundaries, so the polynomial is
// fixed per datastore and persisted alongside it, not derived from the
// content being chunked.
type Polynomial = resticchunker.Pol

// NewPolynomial picks a random irreducible polynomial for a new
// datastore. Call once at datastore creation time and persist the
// result; every subsequent chunking operation against that datastore
// must reuse the same polynomial or its chunk digests will not
// deduplicate against previously stored chunks.
func NewPolynomial() (Polynomial, error) {
	pol, err := resticchunker.RandomPolynomial()
	if err != nil {
		return 0, fmt.Errorf("chunker: generate polynomial: %w", err)
	}
	return pol, nil
}

// Splitter streams content-defined chunks from r.
type Splitter struct {
	c   *resticchunker.Chunker
	key digest.Key
	buf []byte
}

// New wraps r in a Splitter using pol as the rolling-hash polynomial.
// key, if non-empty, makes each chunk's Digest an HMAC rather than a
// plain hash, matching the datastore's encryption mode.
func New(r io.Reader, pol Polynomial, key digest.Key) *Splitter {
	return &Splitter{
		c:   resticchunker.NewWithBoundaries(r, pol, MinSize, MaxSize),
		key: key,
		buf: make([]byte, readBufSize),
	}
}

// Next returns the next chunk, or io.EOF once the stream is exhausted.
func (s *Splitter) Next() (Chunk, error) {
	var offset int64
	raw, err := s.c.Next(s.buf)
	if err == io.EOF {
		return Chunk{}, io.EOF
	}
	if err != nil {
		return Chunk{}, fmt.Errorf("chunker: split failed: %w", err)
	}

	data := make([]byte, raw.Length)
	copy(data, raw.Data)
	offset = int64(raw.Start)

	return Chunk{
		Data:   data,
		Offset: offset,
		Digest: digest.Compute(data, s.key),
	}, nil
}

// SplitAll drains the full stream, invoking fn for every chunk in
// order. Next copies each chunk out of the splitter's reused read
// buffer, so fn may retain Chunk.Data after it returns.
func SplitAll(r io.Reader, pol Polynomial, key digest.Key, fn func(Chunk) error) error {
	s := New(r, pol, key)
	for {
		chunk, err := s.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
}
