package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iat-toolkit/backend/internal/config"
	"github.com/iat-toolkit/backend/internal/export"
	"github.com/iat-toolkit/backend/internal/hydrate"
	"github.com/iat-toolkit/backend/internal/schema"
	"github.com/iat-toolkit/backend/internal/store"
)

var (
	exportOutputFlag    string
	exportFilesFlag     bool
	exportFilesRootFlag string
)

var exportCmd = &cobra.Command{
	Use:   "export <project-slug>",
	Short: "Package a project's data (and optionally its files) for offline export",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportOutputFlag, "output", "", "output path (.tar.gz/.tgz archive, or a directory)")
	exportCmd.Flags().BoolVar(&exportFilesFlag, "include-files", false, "also copy the project's local file tree")
	exportCmd.Flags().StringVar(&exportFilesRootFlag, "files-root", "", "project's local file tree root (required with --include-files)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	slug := args[0]
	output := exportOutputFlag
	if output == "" {
		output = slug + "-export.tar.gz"
	}

	cfg, err := config.Load(configPathFlag)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	db, err := schema.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	projectID, err := lookupProjectIDBySlug(db, slug)
	if err != nil {
		return err
	}

	var watcher *hydrate.RootWatcher
	if exportFilesFlag {
		if exportFilesRootFlag == "" {
			return fmt.Errorf("--files-root is required with --include-files")
		}
		watcher = hydrate.NewRootWatcher(exportFilesRootFlag)
		defer watcher.Close()
	}

	repo := store.New(db)
	exporter := export.New(db)
	res, err := exporter.Export(repo, export.Options{
		ProjectID:       projectID,
		OutputPath:      output,
		IncludeFiles:    exportFilesFlag,
		SourceFilesRoot: exportFilesRootFlag,
		RootWatcher:     watcher,
	})
	if err != nil {
		return fmt.Errorf("exporting project %s: %w", slug, err)
	}

	fmt.Printf("exported %s -> %s (sha256=%s)\n", slug, res.OutputPath, res.SHA256)
	return nil
}

// lookupProjectIDBySlug resolves a project by slug alone; this tool runs
// against a single local database where the project slug is effectively
// the operator-facing identifier regardless of which owner row created it.
func lookupProjectIDBySlug(db *sql.DB, slug string) (string, error) {
	var id string
	err := db.QueryRow(`SELECT id FROM projects WHERE slug = ?`, store.Slugify(slug)).Scan(&id)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("no project with slug %q", slug)
	}
	if err != nil {
		return "", fmt.Errorf("looking up project by slug: %w", err)
	}
	return id, nil
}
