package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads, decodes, and validates the configuration at path. A missing
// file yields an empty configuration (no folders registered) rather than an
// error, so first-run commands can print guidance instead of a stack trace.
func Load(path string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var cfg Config

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Debug("no config file, starting empty", "path", path)
			return &Config{}, nil
		}

		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}

	// Typo detection: unknown keys are warned about, not fatal, so config
	// files survive version skew in both directions.
	for _, key := range md.Undecoded() {
		logger.Warn("unknown config key ignored", "key", strings.Join(key, "."))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	logger.Debug("config loaded", "path", path, "folders", len(cfg.Folders))

	return &cfg, nil
}
