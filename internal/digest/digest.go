// Package digest computes the content-addressed identity of a chunk.
//
// A Digest is the 32-byte value that names a chunk: two chunks with
// identical plaintext and identical key produce byte-identical digests;
// under different keys they do not. With no key, Digest is a plain
// SHA-256 of the plaintext. With a key, Digest is an HMAC-SHA256 over
// the plaintext using a subkey derived from the master key, so that a
// leaked chunk digest cannot be used to recover the encryption key.
package digest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"strings"
)

// Size is the length in bytes of a Digest.
const Size = 32

// Digest uniquely identifies a chunk's plaintext under a given Key.
type Digest [Size]byte

// Zero is the zero-value Digest, never a valid chunk identity.
var Zero Digest

// String returns the lowercase hex form, matching the on-disk chunk
// path naming scheme (spec: ".chunks/XXXX/<digest-hex>").
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Hex is an alias for String kept for call sites that read more clearly
// asking for the hex form explicitly (e.g. building filesystem paths).
func (d Digest) Hex() string { return d.String() }

// ShardPrefix returns the first two bytes of the digest as four hex
// characters, used to pick one of the 65,536 pre-created shard
// directories under .chunks/.
func (d Digest) ShardPrefix() string {
	return hex.EncodeToString(d[:2])
}

// MarshalJSON renders a Digest as its lowercase hex string, matching
// the textual form used in manifests and the chunk path scheme.
func (d Digest) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON parses a Digest from its lowercase hex string.
func (d *Digest) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return ErrInvalidLength
	}
	parsed, err := Parse(string(b[1 : len(b)-1]))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

var ErrInvalidLength = errors.New("digest: wrong length")

// Parse decodes a 64-character lowercase hex digest.
func Parse(s string) (Digest, error) {
	var d Digest
	if len(s) != Size*2 {
		return d, ErrInvalidLength
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	copy(d[:], b)
	return d, nil
}

// base32hexEncoding is the sortable, URL-safe base32hex alphabet
// without padding, for callers that want a shorter textual form than
// 64 hex chars (e.g.
// log lines) without colliding with the canonical hex path encoding.
var base32hexEncoding = base32.HexEncoding.WithPadding(base32.NoPadding)

// Short returns a lowercase, 13-character base32hex abbreviation of the
// digest, suitable for log lines where 64 hex characters is noise.
func (d Digest) Short() string {
	return strings.ToLower(base32hexEncoding.EncodeToString(d[:8]))
}

// Key is the datastore's master encryption key. A Key of length zero
// means "no encryption": digests are plain SHA-256 and DataBlob uses the
// uncompressed/compressed variants rather than the encrypted ones.
type Key []byte

// subkeyInfo is the HMAC "info" label used to derive the digest subkey
// from the master key, keeping it distinct from the subkey AEAD would
// derive for the same master key (they must never collide).
var subkeyInfo = []byte("gastrolog-backup-chunk-digest-v1")

// deriveSubkey produces a fingerprint-stable subkey for keyed digests.
// Using HMAC(masterKey, info) rather than the master key directly means
// a leaked chunk digest never discloses bytes of the master key.
func deriveSubkey(key Key) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(subkeyInfo)
	return mac.Sum(nil)
}

// Compute returns the content-addressed Digest of plain under key.
// A nil or empty key yields the unkeyed SHA-256 digest.
func Compute(plain []byte, key Key) Digest {
	var d Digest
	if len(key) == 0 {
		d = Digest(sha256.Sum256(plain))
		return d
	}
	subkey := deriveSubkey(key)
	mac := hmac.New(sha256.New, subkey)
	mac.Write(plain)
	copy(d[:], mac.Sum(nil))
	return d
}
