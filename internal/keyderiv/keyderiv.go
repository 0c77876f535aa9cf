// Package keyderiv turns an operator-supplied passphrase into the
// 32-byte master key used for a datastore's keyed digests and chunk
// encryption. Derive also returns a PHC-format argon2id record (salt
// and parameters) from which Rederive recomputes the same key. This
// package stores nothing; cmd/backupctl's create-datastore keeps the
// derived key in the datastore definition and discards the record.
package keyderiv

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"gastrolog/internal/digest"
)

// Argon2id parameters sized for an interactive unlock (a few hundred
// milliseconds on typical server hardware), not a web login.
const (
	memoryKiB  = 256 * 1024
	iterations = 4
	threads    = 4
	keyLen     = 32
	saltLen    = 16
)

// Derive produces a new 32-byte key from passphrase and returns it
// alongside a PHC-format record that captures the salt and parameters
// needed to rederive it later.
func Derive(passphrase string) (digest.Key, string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, "", fmt.Errorf("keyderiv: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(passphrase), salt, iterations, memoryKiB, threads, keyLen)
	record := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s",
		argon2.Version, memoryKiB, iterations, threads,
		base64.RawStdEncoding.EncodeToString(salt),
	)
	return digest.Key(key), record, nil
}

// Rederive recomputes the key a passphrase produced against a
// previously stored record, without needing the original key.
func Rederive(passphrase, record string) (digest.Key, error) {
	salt, memory, iterations, lanes, err := parseRecord(record)
	if err != nil {
		return nil, err
	}
	return digest.Key(argon2.IDKey([]byte(passphrase), salt, iterations, memory, lanes, keyLen)), nil
}

// Verify reports whether passphrase rederives the same key that
// produced record, without leaking timing differences on a mismatch.
func Verify(passphrase string, key digest.Key, record string) (bool, error) {
	candidate, err := Rederive(passphrase, record)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(candidate, key) == 1, nil
}

func parseRecord(record string) (salt []byte, memory uint32, iterations uint32, lanes uint8, err error) {
	parts := strings.Split(record, "$")
	if len(parts) != 5 {
		return nil, 0, 0, 0, fmt.Errorf("keyderiv: invalid record: expected 5 fields, got %d", len(parts))
	}
	if parts[1] != "argon2id" {
		return nil, 0, 0, 0, fmt.Errorf("keyderiv: unsupported algorithm %q", parts[1])
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, 0, 0, 0, fmt.Errorf("keyderiv: parse version: %w", err)
	}
	var m, t uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return nil, 0, 0, 0, fmt.Errorf("keyderiv: parse params: %w", err)
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, 0, 0, 0, fmt.Errorf("keyderiv: decode salt: %w", err)
	}
	return salt, m, t, p, nil
}
