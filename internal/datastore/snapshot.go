// Package datastore namespaces a chunk store into groups and
// snapshots, owns each snapshot's manifest lifecycle, and holds the
// process-wide cache of open DataStore handles.
package datastore

import (
	"fmt"
	"time"
)

// BackupType is the kind of thing a group backs up.
type BackupType string

const (
	TypeHost BackupType = "host"
	TypeVM   BackupType = "vm"
	TypeCT   BackupType = "ct"
)

func (t BackupType) Valid() bool {
	switch t {
	case TypeHost, TypeVM, TypeCT:
		return true
	default:
		return false
	}
}

// Group is the (backup_type, backup_id) prefix shared by every
// snapshot of one backup target.
type Group struct {
	Type BackupType
	ID   string
}

func (g Group) String() string {
	return fmt.Sprintf("%s/%s", g.Type, g.ID)
}

// RelPath is the group's directory relative to the datastore root.
func (g Group) RelPath() string {
	return string(g.Type) + "/" + g.ID
}

// SnapshotID is the (backup_type, backup_id, backup_time) triple
// identifying one snapshot. backup_time is truncated to whole seconds,
// matching the spec's "integer epoch second" and the RFC3339 directory
// name (which has no sub-second component).
type SnapshotID struct {
	Group
	Time time.Time
}

const snapshotTimeLayout = "2006-01-02T15:04:05Z"

// RelPath is the snapshot's directory relative to the datastore root:
// <type>/<id>/<RFC3339-Z time>.
func (s SnapshotID) RelPath() string {
	return s.Group.RelPath() + "/" + s.Time.UTC().Format(snapshotTimeLayout)
}

func (s SnapshotID) String() string { return s.RelPath() }

// ParseSnapshotTime parses the RFC3339-Z directory name back into a time.
func ParseSnapshotTime(name string) (time.Time, error) {
	t, err := time.Parse(snapshotTimeLayout, name)
	if err != nil {
		return time.Time{}, fmt.Errorf("datastore: invalid snapshot time %q: %w", name, err)
	}
	return t.UTC(), nil
}
