package config

import (
	"os"
	"path/filepath"
	"strings"
)

// appDirName is the subdirectory under the user config directory.
const appDirName = "cmisync"

// DefaultConfigPath returns the platform default configuration file path,
// e.g. ~/.config/cmisync/config.toml on Linux. Falls back to the working
// directory when the user config directory cannot be determined.
func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return "config.toml"
	}

	return filepath.Join(base, appDirName, "config.toml")
}

// DatabasePath returns the shadow database file for a local sync root:
// a sibling named "<localRoot>.cmissync", so the database never lives
// inside the tree it describes.
func DatabasePath(localPath string) string {
	return strings.TrimRight(filepath.Clean(localPath), string(filepath.Separator)) + ".cmissync"
}
