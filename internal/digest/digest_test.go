package digest

import (
	"bytes"
	"testing"
)

func TestComputeDeterministic(t *testing.T) {
	plain := []byte("the quick brown fox jumps over the lazy dog")

	d1 := Compute(plain, nil)
	d2 := Compute(plain, nil)
	if d1 != d2 {
		t.Fatalf("unkeyed digest not deterministic: %x != %x", d1, d2)
	}

	key := Key("supersecretkeymaterial")
	k1 := Compute(plain, key)
	k2 := Compute(plain, key)
	if k1 != k2 {
		t.Fatalf("keyed digest not deterministic: %x != %x", k1, k2)
	}
}

func TestComputeKeyedDiffersFromUnkeyed(t *testing.T) {
	plain := []byte("payload")
	unkeyed := Compute(plain, nil)
	keyed := Compute(plain, Key("k1"))
	if unkeyed == keyed {
		t.Fatal("keyed and unkeyed digests must differ")
	}
}

func TestComputeDifferentKeysDiffer(t *testing.T) {
	plain := []byte("payload")
	a := Compute(plain, Key("key-a"))
	b := Compute(plain, Key("key-b"))
	if a == b {
		t.Fatal("different keys must produce different digests")
	}
}

func TestParseAndString(t *testing.T) {
	d := Compute([]byte("round trip"), nil)
	s := d.String()
	if len(s) != Size*2 {
		t.Fatalf("expected %d hex chars, got %d", Size*2, len(s))
	}

	parsed, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != d {
		t.Fatalf("parsed digest mismatch: %x != %x", parsed, d)
	}
}

func TestParseInvalidLength(t *testing.T) {
	if _, err := Parse("deadbeef"); err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestShardPrefix(t *testing.T) {
	var d Digest
	d[0], d[1] = 0xab, 0xcd
	if got := d.ShardPrefix(); got != "abcd" {
		t.Fatalf("ShardPrefix() = %q, want %q", got, "abcd")
	}
}

func TestZeroIsNotComputed(t *testing.T) {
	d := Compute([]byte{}, nil)
	if bytes.Equal(d[:], Zero[:]) {
		t.Fatal("digest of empty plaintext collided with Zero (extremely unlikely, check Compute)")
	}
}
