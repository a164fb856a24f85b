package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/replica/internal/replica/db"
	"github.com/mschirtzinger/replica/internal/replica/migrate"
	"github.com/mschirtzinger/replica/internal/replica/schema"
	"github.com/mschirtzinger/replica/internal/ui"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	GroupID: "maint",
	Short:   "Upgrade the local database to the current app schema",
	Long: `Apply the app schema migrations to the local replica.

A fresh database is created at the current schema version. An existing one
gets every migration above its recorded version, one transaction each; the
version only advances when all steps of a migration succeeded.

Other commands migrate automatically on open. Use this one to preview the
steps with --dry-run or to keep a backup copy with --backup.`,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		store, err := db.Open(cfg.Database, db.WithLogger(logger))
		if err != nil {
			fatalf("opening replica: %v", err)
		}
		defer store.Close()
		atExit(func() { _ = store.Close() })

		res, err := migrate.Run(cmd.Context(), store, schema.SudokuSchema, schema.SudokuMigrations, migrate.Options{
			DryRun: dryRun,
			Backup: backup,
			Logger: logger,
		})
		if err != nil {
			fatalf("migration failed: %v", err)
		}

		switch {
		case res.UpToDate():
			fmt.Printf("%s Schema is up to date (v%d)\n", ui.RenderPass("✓"), res.ToVersion)
			return
		case res.Created:
			fmt.Printf("%s Created schema v%d\n", ui.RenderPass("✓"), res.ToVersion)
			return
		}

		verb := "Migrated"
		if res.DryRun {
			verb = "Would migrate"
		}
		fmt.Printf("%s %s v%d → v%d\n", ui.RenderAccent("🔄"), verb, res.FromVersion, res.ToVersion)
		for _, a := range res.Applied {
			fmt.Printf("   v%d\n", a.ToVersion)
			for _, step := range a.Steps {
				fmt.Printf("     %s\n", ui.RenderMuted(step))
			}
		}
		if res.BackupCreated != "" {
			fmt.Printf("   Backup: %s\n", res.BackupCreated)
		}
	},
}

func init() {
	migrateCmd.Flags().Bool("dry-run", false, "Show the steps without applying them")
	migrateCmd.Flags().Bool("backup", false, "Copy the database before the first change")
	rootCmd.AddCommand(migrateCmd)
}
