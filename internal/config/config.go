// Package config provides configuration persistence for the system.
//
// Store persists and reloads the set of datastore definitions across
// restarts. This is control-plane state, not data-plane state: it
// names which chunk stores exist, where they live on disk, and which
// encryption key and GC schedule apply to each, but it never touches
// a chunk or an index itself.
//
// Store is not accessed on the backup or restore hot path.
// Persistence must not block an in-flight upload or download.
package config

import "context"

// Store persists and loads datastore definitions.
type Store interface {
	// Load reads the configuration. Returns nil config if none exists.
	Load(ctx context.Context) (*Config, error)

	// Save persists the configuration.
	Save(ctx context.Context, cfg *Config) error
}

// Config describes every datastore definition known to the system.
type Config struct {
	Datastores []DatastoreConfig
}

// DatastoreConfig describes one chunk store to instantiate.
type DatastoreConfig struct {
	// Name is the unique identifier used in the wire protocol and CLI
	// (e.g. "/admin/datastore/{name}/...").
	Name string

	// RootPath is the datastore's root directory on disk.
	RootPath string

	// EncryptionKey is the datastore's master key, raw bytes. Empty
	// means unencrypted: digests are plain SHA-256 and chunks are
	// stored as plain or compressed DataBlobs, never encrypted ones.
	EncryptionKey []byte

	// GCSchedule is a cron expression (gocron-compatible) controlling
	// how often garbage collection runs against this datastore.
	// Empty disables scheduled GC; it can still be triggered manually.
	GCSchedule string

	// Comment is an operator-supplied note, stored verbatim and never
	// interpreted.
	Comment string
}
