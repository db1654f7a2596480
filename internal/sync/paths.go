package sync

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Normalizer converts absolute local paths into the repository-relative,
// forward-slash keys used by the shadow database. Keys never begin with a
// separator and never contain backslashes.
type Normalizer struct {
	root string
}

// NewNormalizer creates a Normalizer for the given local sync root.
// The root is cleaned once so all comparisons are against a canonical form.
func NewNormalizer(root string) *Normalizer {
	return &Normalizer{root: filepath.Clean(root)}
}

// Root returns the local sync root the normalizer strips.
func (n *Normalizer) Root() string {
	return n.root
}

// Normalize strips the sync root plus its following separator from absPath
// and rewrites the remaining separators to "/". Returns an error only when
// absPath is not under the sync root — callers always pass absolute local
// paths, so this indicates a programmer error.
func (n *Normalizer) Normalize(absPath string) (string, error) {
	cleaned := filepath.Clean(absPath)
	prefix := n.root + string(filepath.Separator)

	if !strings.HasPrefix(cleaned, prefix) {
		return "", fmt.Errorf("path %q is not under sync root %q", absPath, n.root)
	}

	return filepath.ToSlash(cleaned[len(prefix):]), nil
}
