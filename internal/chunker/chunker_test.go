package chunker

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"
)

func mustPolynomial(t *testing.T) Polynomial {
	t.Helper()
	pol, err := NewPolynomial()
	if err != nil {
		t.Fatalf("NewPolynomial: %v", err)
	}
	return pol
}

func TestSplitAllReassemblesInput(t *testing.T) {
	pol := mustPolynomial(t)
	data := make([]byte, 32*1024*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	var reassembled []byte
	err := SplitAll(bytes.NewReader(data), pol, nil, func(c Chunk) error {
		reassembled = append(reassembled, c.Data...)
		return nil
	})
	if err != nil {
		t.Fatalf("SplitAll: %v", err)
	}

	if !bytes.Equal(reassembled, data) {
		t.Fatalf("reassembled stream does not match input: got %d bytes, want %d", len(reassembled), len(data))
	}
}

func TestChunkSizesWithinBoundaries(t *testing.T) {
	pol := mustPolynomial(t)
	data := make([]byte, 32*1024*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	s := New(bytes.NewReader(data), pol, nil)
	var total int
	var sawFinal bool
	for {
		c, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if sawFinal {
			t.Fatal("got another chunk after a short (final) chunk")
		}
		if len(c.Data) < MinSize {
			// the last chunk of a stream may be shorter than MinSize
			sawFinal = true
		}
		if len(c.Data) > MaxSize {
			t.Fatalf("chunk of %d bytes exceeds MaxSize %d", len(c.Data), MaxSize)
		}
		total += len(c.Data)
	}
	if total != len(data) {
		t.Fatalf("total chunked bytes %d != input length %d", total, len(data))
	}
}

func TestSamePolynomialSameBoundaries(t *testing.T) {
	pol := mustPolynomial(t)
	data := make([]byte, 8*1024*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	var digestsA, digestsB [][]byte
	collect := func(dst *[][]byte) func(Chunk) error {
		return func(c Chunk) error {
			d := c.Digest
			*dst = append(*dst, d[:])
			return nil
		}
	}

	if err := SplitAll(bytes.NewReader(data), pol, nil, collect(&digestsA)); err != nil {
		t.Fatalf("SplitAll (run 1): %v", err)
	}
	if err := SplitAll(bytes.NewReader(data), pol, nil, collect(&digestsB)); err != nil {
		t.Fatalf("SplitAll (run 2): %v", err)
	}

	if len(digestsA) != len(digestsB) {
		t.Fatalf("chunk count differs between identical runs: %d vs %d", len(digestsA), len(digestsB))
	}
	for i := range digestsA {
		if !bytes.Equal(digestsA[i], digestsB[i]) {
			t.Fatalf("chunk %d digest differs between identical runs", i)
		}
	}
}

func TestDifferentPolynomialsDifferentBoundaries(t *testing.T) {
	polA := mustPolynomial(t)
	polB := mustPolynomial(t)
	if polA == polB {
		t.Skip("random polynomials collided, extremely unlikely")
	}

	data := make([]byte, 16*1024*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	var offsetsA, offsetsB []int64
	SplitAll(bytes.NewReader(data), polA, nil, func(c Chunk) error {
		offsetsA = append(offsetsA, c.Offset)
		return nil
	})
	SplitAll(bytes.NewReader(data), polB, nil, func(c Chunk) error {
		offsetsB = append(offsetsB, c.Offset)
		return nil
	})

	if len(offsetsA) == len(offsetsB) {
		same := true
		for i := range offsetsA {
			if offsetsA[i] != offsetsB[i] {
				same = false
				break
			}
		}
		if same {
			t.Fatal("different polynomials produced identical chunk boundaries")
		}
	}
}

func TestKeyedDigestsDifferFromUnkeyed(t *testing.T) {
	pol := mustPolynomial(t)
	data := make([]byte, 2*1024*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	var unkeyed, keyed [][]byte
	SplitAll(bytes.NewReader(data), pol, nil, func(c Chunk) error {
		d := c.Digest
		unkeyed = append(unkeyed, d[:])
		return nil
	})
	SplitAll(bytes.NewReader(data), pol, []byte("datastore-master-key-000000000"), func(c Chunk) error {
		d := c.Digest
		keyed = append(keyed, d[:])
		return nil
	})

	if len(unkeyed) != len(keyed) {
		t.Fatalf("keying changed chunk boundaries: %d vs %d chunks", len(unkeyed), len(keyed))
	}
	for i := range unkeyed {
		if bytes.Equal(unkeyed[i], keyed[i]) {
			t.Fatalf("chunk %d: keyed digest equals unkeyed digest", i)
		}
	}
}
