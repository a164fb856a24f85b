package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/replica/internal/replica/schema"
	"github.com/mschirtzinger/replica/internal/ui"
)

var seedCmd = &cobra.Command{
	Use:     "seed <fixture-file>...",
	GroupID: "maint",
	Short:   "Import fixture records as local edits",
	Long: `Import records from JSON, YAML or TOML fixture files.

A fixture maps collection names to lists of records:

  sudokus:
    - id: easy-001
      clues: 36
      puzzle: "53..7...."

Imported records are ordinary local edits: they are pushed on the next sync.
Records without an id get one derived from the file path and position, so
seeding the same file again overwrites instead of duplicating.
With --reset the replica is emptied first, like regenerating the puzzle list.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		reset, _ := cmd.Flags().GetBool("reset")
		ctx := cmd.Context()

		fixture := schema.Fixture{}
		for _, path := range args {
			f, err := schema.ReadFixtureFile(path)
			if err != nil {
				fatalf("reading %s: %v", path, err)
			}
			for collection, entities := range f {
				if _, ok := schema.SudokuSchema.Table(collection); !ok {
					fatalf("%s: unknown collection %q", path, collection)
				}
				fixture[collection] = append(fixture[collection], entities...)
			}
		}

		store, err := openStore(ctx)
		if err != nil {
			fatalf("opening replica: %v", err)
		}
		defer store.Close()

		if reset {
			if err := store.Reset(ctx); err != nil {
				fatalf("resetting replica: %v", err)
			}
		}
		n, err := store.Import(ctx, fixture)
		if err != nil {
			fatalf("importing fixtures: %v", err)
		}

		fmt.Printf("%s Imported %d record(s)\n", ui.RenderPass("✓"), n)
		collections := make([]string, 0, len(fixture))
		for c := range fixture {
			collections = append(collections, c)
		}
		sort.Strings(collections)
		for _, c := range collections {
			fmt.Printf("   %s: %d\n", c, len(fixture[c]))
		}
		fmt.Printf("   %s\n", ui.RenderMuted("Run 'replica sync' to push them."))
	},
}

func init() {
	seedCmd.Flags().Bool("reset", false, "Empty the replica before importing")
	rootCmd.AddCommand(seedCmd)
}
