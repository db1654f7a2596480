package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/cmisync-go/internal/config"
	"github.com/tonimelisma/cmisync-go/internal/sync"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configured folders and their sync state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context())
		},
	}
}

func runStatus(ctx context.Context) error {
	logger := buildLogger(nil)

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	logger = buildLogger(cfg)

	if pid, running := daemonRunning(); running {
		fmt.Printf("Daemon running (PID %d)\n\n", pid)
	} else {
		fmt.Print("Daemon not running\n\n")
	}

	if len(cfg.Folders) == 0 {
		fmt.Printf("No folders configured — add a [[folder]] table to %s\n", configPath())
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FOLDER\tLOCAL PATH\tMODE\tSYNCED FILES\tSYNCED FOLDERS")

	for i := range cfg.Folders {
		folder := &cfg.Folders[i]

		files, folders := countRecords(ctx, folder, logger)

		mode := "bidirectional"
		if !folder.IsBidirectional() {
			mode = "download-only"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			folder.CanonicalName, folder.LocalPath, mode, files, folders)
	}

	return w.Flush()
}

// countRecords opens the folder's shadow database and returns its record
// counts, or "-" markers when the database cannot be opened or counted.
// Opening creates the database when it does not exist yet, so a folder that
// was never synced shows zero counts.
func countRecords(ctx context.Context, folder *config.Folder, logger *slog.Logger) (files, folders string) {
	store, err := sync.NewStore(config.DatabasePath(folder.LocalPath), folder.LocalPath, logger)
	if err != nil {
		return "-", "-"
	}
	defer store.Close()

	nFiles, nFolders, err := store.CountRecords(ctx)
	if err != nil {
		return "-", "-"
	}

	return fmt.Sprintf("%d", nFiles), fmt.Sprintf("%d", nFolders)
}
