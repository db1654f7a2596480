package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"time"
)

// Validate checks the configuration for problems a sync run would otherwise
// hit later with a worse error message.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Folders))

	for i := range c.Folders {
		f := &c.Folders[i]

		if err := f.validate(); err != nil {
			return err
		}

		if _, dup := seen[f.CanonicalName]; dup {
			return fmt.Errorf("duplicate folder canonical_name %q", f.CanonicalName)
		}

		seen[f.CanonicalName] = struct{}{}
	}

	if c.Sync.ConnectRetryInterval != "" {
		if _, err := time.ParseDuration(c.Sync.ConnectRetryInterval); err != nil {
			return fmt.Errorf("sync.connect_retry_interval: %w", err)
		}
	}

	return validateLogLevel(c.Logging.LogLevel)
}

func (f *Folder) validate() error {
	if f.CanonicalName == "" {
		return errors.New("folder is missing canonical_name")
	}

	where := fmt.Sprintf("folder %q", f.CanonicalName)

	if f.LocalPath == "" {
		return fmt.Errorf("%s: local_path is required", where)
	}

	if !filepath.IsAbs(f.LocalPath) {
		return fmt.Errorf("%s: local_path %q must be absolute", where, f.LocalPath)
	}

	if f.RemoteFolderPath == "" {
		return fmt.Errorf("%s: remote_folder_path is required", where)
	}

	if f.RepositoryID == "" {
		return fmt.Errorf("%s: repository_id is required", where)
	}

	if f.URL == "" {
		return fmt.Errorf("%s: url is required", where)
	}

	u, err := url.Parse(f.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: url %q is not a valid absolute URL", where, f.URL)
	}

	if f.BindingType != "" && f.BindingType != "atompub" {
		return fmt.Errorf("%s: binding_type %q is not supported (only atompub)", where, f.BindingType)
	}

	if f.PollInterval != "" {
		if _, err := time.ParseDuration(f.PollInterval); err != nil {
			return fmt.Errorf("%s: poll_interval: %w", where, err)
		}
	}

	return nil
}

func validateLogLevel(level string) error {
	switch level {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.log_level %q is not one of debug, info, warn, error", level)
	}
}
