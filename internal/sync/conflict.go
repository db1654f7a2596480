package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// conflictSuffix is appended to the basename of a locally-modified file that
// loses a concurrent-modification race, so both versions survive.
const conflictSuffix = "_your-version"

// maxConflictSuffix bounds the numeric collision-avoidance loop. More than
// 1000 parked copies of the same file is implausible; past that the base
// path is returned and the rename overwrites the oldest copy.
const maxConflictSuffix = 1000

// ConflictCallback is invoked after a conflicting local file has been parked
// at savedAsPath and the remote version downloaded to localPath. The UI layer
// implements this; the engine itself never owns a dialog.
type ConflictCallback func(localPath, savedAsPath string)

// ActivityListener receives start/stop notifications around each sync pass,
// for activity indicators.
type ActivityListener interface {
	Started()
	Stopped()
}

// noopActivity is the default ActivityListener.
type noopActivity struct{}

func (noopActivity) Started() {}
func (noopActivity) Stopped() {}

// SuffixIfAbsent returns path when no filesystem entry exists there,
// otherwise "path (1)", "path (2)", … — the smallest positive integer
// making the name free.
func SuffixIfAbsent(path string) string {
	if !entryExists(path) {
		return path
	}

	for i := 1; i <= maxConflictSuffix; i++ {
		candidate := fmt.Sprintf("%s (%d)", path, i)
		if !entryExists(candidate) {
			return candidate
		}
	}

	return path
}

// entryExists reports whether any filesystem entry (file, dir, symlink)
// exists at path. Lstat so dangling symlinks count as occupied.
func entryExists(path string) bool {
	_, err := os.Lstat(path)
	return !errors.Is(err, fs.ErrNotExist)
}
