package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runConfigShow()
		},
	})

	return cmd
}

func runConfigShow() error {
	logger := buildLogger(nil)

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	fmt.Printf("Config file: %s\n\n", configPath())

	if len(cfg.Folders) == 0 {
		fmt.Println("No folders configured.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FOLDER\tLOCAL PATH\tREMOTE PATH\tURL\tREPOSITORY\tUSER\tPASSWORD")

	for i := range cfg.Folders {
		f := &cfg.Folders[i]

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			f.CanonicalName, f.LocalPath, f.RemoteFolderPath,
			f.URL, f.RepositoryID, f.User, redact(f.Password))
	}

	return w.Flush()
}

// redact masks a secret, keeping only its presence visible.
func redact(secret string) string {
	if secret == "" {
		return "(unset)"
	}

	return "********"
}
