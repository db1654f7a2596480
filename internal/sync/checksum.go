package sync

import (
	"crypto/sha1" //nolint:gosec // Content fingerprint for change detection, not authentication.
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Checksum computes the lowercase hex SHA-1 of the file contents at path.
// Uses streaming I/O (constant memory) — synced files may exceed RAM.
// The value is only ever compared for equality with a value this same
// engine wrote, so any stable digest works; SHA-1 matches what the shadow
// database has always stored.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer f.Close()

	h := sha1.New() //nolint:gosec // See package note above.
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
