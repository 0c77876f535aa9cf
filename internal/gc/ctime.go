package gc

import (
	"io/fs"
	"syscall"
	"time"
)

// ctimeOf extracts ctime from a FileInfo on platforms exposing
// *syscall.Stat_t, matching chunkstore's own fileTimes helper: ctime is
// observation-only, set by the kernel on any metadata change.
func ctimeOf(info fs.FileInfo) time.Time {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(stat.Ctim.Sec, stat.Ctim.Nsec)
}
