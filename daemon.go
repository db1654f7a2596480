package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/cmisync-go/internal/config"
	"github.com/tonimelisma/cmisync-go/internal/sync"
)

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Sync continuously in the background",
		Long: `Run one sync worker per configured folder until interrupted. Each worker
re-syncs on filesystem changes (watcher) and on its poll interval, and
retries lost connections indefinitely.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(ctx context.Context) error {
	logger := buildLogger(nil)

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	logger = buildLogger(cfg)

	folders, err := selectFolders(cfg, nil)
	if err != nil {
		return err
	}

	cleanup, err := writePIDFile(daemonPIDPath())
	if err != nil {
		return err
	}
	defer cleanup()

	ctx = shutdownContext(ctx, logger)

	g, ctx := errgroup.WithContext(ctx)

	for _, folder := range folders {
		g.Go(func() error {
			return runFolderWorker(ctx, folder, cfg, logger)
		})
	}

	logger.Info("daemon started", "folders", len(folders))

	return g.Wait()
}

// runFolderWorker runs one folder's loop and watcher until ctx is done.
// Workers for different folders share nothing but the logger.
func runFolderWorker(ctx context.Context, folder *config.Folder, cfg *config.Config, logger *slog.Logger) error {
	worker, err := newFolderWorker(folder, cfg, logger)
	if err != nil {
		return fmt.Errorf("folder %q: %w", folder.CanonicalName, err)
	}
	defer worker.Close()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return worker.loop.Run(ctx)
	})

	g.Go(func() error {
		watcher, watchErr := sync.NewWatcher(folder.LocalPath, worker.loop, logger)
		if watchErr != nil {
			// A broken watcher degrades to poll-only sync.
			logger.Warn("cannot watch local folder, relying on polling",
				"folder", folder.CanonicalName, "error", watchErr)

			return nil
		}

		return watcher.Run(ctx)
	})

	return g.Wait()
}
