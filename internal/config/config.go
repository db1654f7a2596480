// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for cmisync.
package config

import (
	"time"
)

// Config is the top-level configuration structure: global sections plus one
// [[folder]] table per registered sync folder.
type Config struct {
	Folders []Folder      `toml:"folder"`
	Logging LoggingConfig `toml:"logging"`
	Sync    SyncConfig    `toml:"sync"`
}

// Folder registers one local directory against one remote repository
// subtree.
type Folder struct {
	// CanonicalName identifies the folder in logs and on the CLI.
	CanonicalName string `toml:"canonical_name"`

	// LocalPath is the absolute path of the local sync root.
	LocalPath string `toml:"local_path"`

	// RemoteFolderPath is the repository path of the synced subtree,
	// e.g. "/Sites/docs".
	RemoteFolderPath string `toml:"remote_folder_path"`

	// URL is the AtomPub service document URL of the repository.
	URL string `toml:"url"`

	// BindingType selects the protocol binding. Only "atompub" is
	// implemented; empty means atompub.
	BindingType string `toml:"binding_type"`

	User     string `toml:"user"`
	Password string `toml:"password"`

	// RepositoryID selects the repository within the service.
	RepositoryID string `toml:"repository_id"`

	// Bidirectional enables local-to-remote pushes. When nil the default
	// (true) applies; set to false for download-only mirroring.
	Bidirectional *bool `toml:"bidirectional"`

	// PollInterval is the timer-based trigger period for the daemon,
	// e.g. "5m". Empty means DefaultPollInterval.
	PollInterval string `toml:"poll_interval"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel string `toml:"log_level"` // debug, info, warn, error
}

// SyncConfig controls sync engine behavior shared across folders.
type SyncConfig struct {
	// ConnectRetryInterval is the fixed delay between connection attempts,
	// e.g. "10s". Empty means DefaultConnectRetryInterval.
	ConnectRetryInterval string `toml:"connect_retry_interval"`
}

// Defaults applied when the corresponding setting is absent.
const (
	DefaultPollInterval         = 5 * time.Minute
	DefaultConnectRetryInterval = 10 * time.Second
)

// IsBidirectional resolves the folder's bidirectional option with its
// default.
func (f *Folder) IsBidirectional() bool {
	return f.Bidirectional == nil || *f.Bidirectional
}

// EffectivePollInterval resolves the folder's poll interval with its
// default. Validation guarantees the string parses.
func (f *Folder) EffectivePollInterval() time.Duration {
	if f.PollInterval == "" {
		return DefaultPollInterval
	}

	d, err := time.ParseDuration(f.PollInterval)
	if err != nil {
		return DefaultPollInterval
	}

	return d
}

// EffectiveConnectRetryInterval resolves the global connect retry interval
// with its default.
func (c *SyncConfig) EffectiveConnectRetryInterval() time.Duration {
	if c.ConnectRetryInterval == "" {
		return DefaultConnectRetryInterval
	}

	d, err := time.ParseDuration(c.ConnectRetryInterval)
	if err != nil {
		return DefaultConnectRetryInterval
	}

	return d
}

// FolderByName returns the folder with the given canonical name, or nil.
func (c *Config) FolderByName(name string) *Folder {
	for i := range c.Folders {
		if c.Folders[i].CanonicalName == name {
			return &c.Folders[i]
		}
	}

	return nil
}
