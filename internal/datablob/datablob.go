// Package datablob implements the on-disk chunk framing: a short magic
// and CRC header followed by an optionally compressed, optionally
// AEAD-encrypted body. Every chunk file in the store is a DataBlob.
//
// Frame layout (little-endian throughout):
//
//	magic   u64
//	crc32c  u32        // over everything after these 12 bytes
//	[nonce  u8[16]]     // encrypted variants only
//	[tag    u8[16]]     // encrypted variants only
//	body    []byte      // zstd-compressed plaintext, plaintext, or ciphertext
package datablob

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/klauspost/compress/zstd"
)

// Variant identifies which of the four frame shapes a blob uses.
type Variant uint64

// Magic values identify the four variants. These are arbitrary 8-byte
// constants chosen to be distinguishable from plausible garbage data at
// offset 0; they carry no other meaning.
const (
	VariantPlain               Variant = 0x70726f78706c696e // "proxplin" read as a big-endian u64 (stored LE, so reversed on disk)
	VariantCompressed          Variant = 0x70726f7870636d70 // "proxpcmp"
	VariantEncrypted           Variant = 0x70726f7865637270 // "proxecrp"
	VariantEncryptedCompressed Variant = 0x70726f78656370ff // "proxecp" + marker byte, distinct from VariantEncrypted
)

const (
	headerSize    = 12 // magic(8) + crc32c(4)
	nonceSize     = 16
	tagSize       = 16
	aesKeySize    = 32 // AES-256
	fallbackRatio = 0.95
)

var (
	ErrTruncated       = errors.New("datablob: truncated frame")
	ErrBadMagic        = errors.New("datablob: unrecognized magic")
	ErrChecksumFailed  = errors.New("datablob: crc32c mismatch")
	ErrCryptRequired   = errors.New("datablob: key required to decode encrypted blob")
	ErrCryptUnexpected = errors.New("datablob: key supplied but blob is not encrypted")
	ErrAuthFailed      = errors.New("datablob: AEAD authentication failed")
	ErrBadKeyLength    = errors.New("datablob: key must be 32 bytes for AES-256-GCM")
)

// Blob is a parsed, not-yet-decoded DataBlob frame.
type Blob struct {
	Variant Variant
	Nonce   []byte // nil unless encrypted
	Tag     []byte // nil unless encrypted
	Body    []byte
	raw     []byte // full encoded frame, retained for verify_crc without rebuilding
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Encode frames plain into a DataBlob. If key is non-empty the blob is
// AES-256-GCM encrypted. If compress is true and the compressed body
// would be smaller than fallbackRatio*len(plain), the compressed (or
// encrypted-compressed) variant is used; otherwise encode falls back to
// the uncompressed variant so a compressed body is never emitted longer
// than its plaintext.
func Encode(plain []byte, key []byte, compress bool) (*Blob, error) {
	body := plain
	compressed := false
	if compress {
		c, err := zstdCompress(plain)
		if err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
		if float64(len(c)) < float64(len(plain))*fallbackRatio {
			body = c
			compressed = true
		}
	}

	if len(key) == 0 {
		variant := VariantPlain
		if compressed {
			variant = VariantCompressed
		}
		return &Blob{Variant: variant, Body: body}, nil
	}

	if len(key) != aesKeySize {
		return nil, ErrBadKeyLength
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	variant := VariantEncrypted
	if compressed {
		variant = VariantEncryptedCompressed
	}

	aad := associatedData(variant)
	sealed, err := seal(key, nonce, aad, body)
	if err != nil {
		return nil, err
	}
	ciphertext, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return &Blob{Variant: variant, Nonce: nonce, Tag: tag, Body: ciphertext}, nil
}

// associatedData is the AEAD's associated data: the 8-byte magic only.
// The crc32c field is not bound, because the CRC is computed over
// everything after the 12-byte header (including the AEAD ciphertext)
// and so is not known until after sealing.
func associatedData(v Variant) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

// Marshal serializes b to its wire representation, computing the CRC.
func (b *Blob) Marshal() []byte {
	var payload []byte
	if b.Nonce != nil {
		payload = append(payload, b.Nonce...)
		payload = append(payload, b.Tag...)
	}
	payload = append(payload, b.Body...)

	crc := crc32.Checksum(payload, crc32cTable)

	out := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint64(out[0:8], uint64(b.Variant))
	binary.LittleEndian.PutUint32(out[8:12], crc)
	copy(out[headerSize:], payload)
	b.raw = out
	return out
}

// FromRaw validates magic and length bounds without decoding the body.
// Used by GC and load paths that only need to confirm a chunk file is a
// structurally valid frame.
func FromRaw(buf []byte) (*Blob, error) {
	if len(buf) < headerSize {
		return nil, ErrTruncated
	}
	variant := Variant(binary.LittleEndian.Uint64(buf[0:8]))
	rest := buf[headerSize:]

	b := &Blob{Variant: variant, raw: buf}

	switch variant {
	case VariantPlain, VariantCompressed:
		b.Body = rest
	case VariantEncrypted, VariantEncryptedCompressed:
		if len(rest) < nonceSize+tagSize {
			return nil, ErrTruncated
		}
		b.Nonce = rest[:nonceSize]
		b.Tag = rest[nonceSize : nonceSize+tagSize]
		b.Body = rest[nonceSize+tagSize:]
	default:
		return nil, ErrBadMagic
	}

	return b, nil
}

// VerifyCRC recomputes the CRC32C over the post-header payload and
// compares it to the stored value. Cheap integrity probe used during GC
// sweep and on load, independent of decryption/decompression.
func (b *Blob) VerifyCRC() error {
	if len(b.raw) < headerSize {
		return ErrTruncated
	}
	want := binary.LittleEndian.Uint32(b.raw[8:12])
	got := crc32.Checksum(b.raw[headerSize:], crc32cTable)
	if want != got {
		return ErrChecksumFailed
	}
	return nil
}

// Decode verifies the CRC, then (if encrypted) the AEAD tag, then
// decompresses (if compressed), returning the original plaintext.
func (b *Blob) Decode(key []byte) ([]byte, error) {
	if err := b.VerifyCRC(); err != nil {
		return nil, err
	}

	isEncrypted := b.Variant == VariantEncrypted || b.Variant == VariantEncryptedCompressed
	if isEncrypted && len(key) == 0 {
		return nil, ErrCryptRequired
	}
	if !isEncrypted && len(key) != 0 {
		return nil, ErrCryptUnexpected
	}

	body := b.Body
	if isEncrypted {
		if len(key) != aesKeySize {
			return nil, ErrBadKeyLength
		}
		sealed := append(append([]byte(nil), b.Body...), b.Tag...)
		plain, err := open(key, b.Nonce, associatedData(b.Variant), sealed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		body = plain
	}

	compressed := b.Variant == VariantCompressed || b.Variant == VariantEncryptedCompressed
	if compressed {
		plain, err := zstdDecompress(body)
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
		return plain, nil
	}
	return body, nil
}

func seal(key, nonce, aad, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, nonce, plain, aad), nil
}

func open(key, nonce, aad, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, sealed, aad)
}

func zstdCompress(plain []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(plain, nil), nil
}

func zstdDecompress(body []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(body, nil)
}
