package datastore

import (
	"encoding/json"
	"fmt"
	"os"

	"gastrolog/internal/backuperrs"
	"gastrolog/internal/datablob"
	"gastrolog/internal/digest"
)

// ManifestFileName is the manifest's name inside a snapshot directory.
const ManifestFileName = "index.json.blob"

// FileEntry describes one archive within a snapshot's manifest.
type FileEntry struct {
	Filename  string        `json:"filename"`
	Size      uint64        `json:"size"`
	Csum      digest.Digest `json:"csum"`
	CryptMode string        `json:"crypt-mode,omitempty"`
}

// Manifest is the JSON payload stored, DataBlob-wrapped, as a
// snapshot's index.json.blob.
type Manifest struct {
	BackupType BackupType  `json:"backup-type"`
	BackupID   string      `json:"backup-id"`
	BackupTime int64       `json:"backup-time"`
	Files      []FileEntry `json:"files"`
}

// Encode serializes m to JSON and wraps it as a DataBlob, optionally
// encrypted under key.
func (m Manifest) Encode(key digest.Key) ([]byte, error) {
	plain, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("datastore: marshal manifest: %w", err)
	}
	blob, err := datablob.Encode(plain, key, true)
	if err != nil {
		return nil, fmt.Errorf("datastore: encode manifest blob: %w", err)
	}
	return blob.Marshal(), nil
}

// DecodeManifest parses a manifest's raw DataBlob bytes.
func DecodeManifest(raw []byte, key digest.Key) (Manifest, error) {
	var m Manifest
	blob, err := datablob.FromRaw(raw)
	if err != nil {
		return m, fmt.Errorf("datastore: parse manifest blob: %w", err)
	}
	plain, err := blob.Decode(key)
	if err != nil {
		return m, fmt.Errorf("datastore: decode manifest blob: %w", err)
	}
	if err := json.Unmarshal(plain, &m); err != nil {
		return m, fmt.Errorf("%w: manifest json: %v", backuperrs.Protocol, err)
	}
	return m, nil
}

// WriteManifestAtomic writes raw (already DataBlob-encoded manifest
// bytes) to <snapshotDir>/index.json.blob.tmp, fsyncs, and renames it
// into place, sealing the snapshot.
func WriteManifestAtomic(snapshotDir string, raw []byte) error {
	finalPath := snapshotDir + "/" + ManifestFileName
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", backuperrs.IoTransient, tmpPath, err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: write %s: %v", backuperrs.IoTransient, tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: fsync %s: %v", backuperrs.IoTransient, tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: close %s: %v", backuperrs.IoTransient, tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("%w: rename manifest into place: %v", backuperrs.IoTransient, err)
	}
	return nil
}

// ReadManifest loads and decodes the manifest sealed in snapshotDir.
func ReadManifest(snapshotDir string, key digest.Key) (Manifest, error) {
	raw, err := os.ReadFile(snapshotDir + "/" + ManifestFileName)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, fmt.Errorf("%w: manifest in %s", backuperrs.NotFound, snapshotDir)
		}
		return Manifest{}, fmt.Errorf("%w: read manifest: %v", backuperrs.IoTransient, err)
	}
	return DecodeManifest(raw, key)
}
