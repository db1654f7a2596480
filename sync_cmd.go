package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cmisync-go/internal/config"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [folder...]",
		Short: "Run one sync pass",
		Long: `Run a single reconciliation pass for the named folders, or for every
configured folder when none are named.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), args)
		},
	}
}

// notifyConflict is the CLI's conflict callback: the engine parked the
// user's version and downloaded the server's, and the user must merge by
// hand.
func notifyConflict(localPath, savedAsPath string) {
	fmt.Fprintf(os.Stderr,
		"Conflict: %s was changed both locally and on the server.\n"+
			"Your version was saved as %s — please merge manually.\n",
		localPath, savedAsPath)
}

// selectFolders resolves CLI folder names against the configuration. No
// names selects everything.
func selectFolders(cfg *config.Config, names []string) ([]*config.Folder, error) {
	if len(cfg.Folders) == 0 {
		return nil, fmt.Errorf("no folders configured — add a [[folder]] table to %s", configPath())
	}

	if len(names) == 0 {
		folders := make([]*config.Folder, len(cfg.Folders))
		for i := range cfg.Folders {
			folders[i] = &cfg.Folders[i]
		}

		return folders, nil
	}

	folders := make([]*config.Folder, 0, len(names))

	for _, name := range names {
		f := cfg.FolderByName(name)
		if f == nil {
			return nil, fmt.Errorf("folder %q is not configured", name)
		}

		folders = append(folders, f)
	}

	return folders, nil
}

func runSync(ctx context.Context, names []string) error {
	logger := buildLogger(nil)

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	logger = buildLogger(cfg)

	folders, err := selectFolders(cfg, names)
	if err != nil {
		return err
	}

	ctx = shutdownContext(ctx, logger)

	for _, folder := range folders {
		if err := syncOneFolder(ctx, folder, cfg, logger); err != nil {
			return err
		}
	}

	return nil
}

func syncOneFolder(ctx context.Context, folder *config.Folder, cfg *config.Config, logger *slog.Logger) error {
	worker, err := newFolderWorker(folder, cfg, logger)
	if err != nil {
		return fmt.Errorf("folder %q: %w", folder.CanonicalName, err)
	}
	defer worker.Close()

	if err := worker.loop.SyncOnce(ctx); err != nil {
		return fmt.Errorf("folder %q: %w", folder.CanonicalName, err)
	}

	return nil
}
