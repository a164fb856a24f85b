package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/replica/internal/ui"
)

var resetCmd = &cobra.Command{
	Use:     "reset",
	GroupID: "maint",
	Short:   "Drop every local record and rewind the sync cursor",
	Long: `Delete all local records and reset the last pulled timestamp, so the
next sync pulls the full remote state.

Local edits that were not pushed yet are lost. The schema and the replica
id are kept.`,
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			fatalf("opening replica: %v", err)
		}
		defer store.Close()

		pending, err := store.CountPending(ctx)
		if err != nil {
			fatalf("counting pending edits: %v", err)
		}

		if !yes {
			if !ui.IsTerminal(os.Stdin) {
				fatalf("refusing to reset without --yes when not running interactively")
			}
			desc := "The next sync pulls everything again."
			if pending > 0 {
				desc = fmt.Sprintf("%d local edit(s) were never pushed and will be lost. %s", pending, desc)
			}
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Reset %s?", store.Path())).
				Description(desc).
				Affirmative("Reset").
				Negative("Cancel").
				Value(&confirmed).
				Run()
			if err != nil {
				fatalf("prompt failed: %v", err)
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return
			}
		}

		if err := store.Reset(ctx); err != nil {
			fatalf("resetting replica: %v", err)
		}
		fmt.Printf("%s Replica reset", ui.RenderPass("✓"))
		if pending > 0 {
			fmt.Printf(" (%s)", ui.RenderWarn(fmt.Sprintf("%d unpushed edit(s) dropped", pending)))
		}
		fmt.Println()
	},
}

func init() {
	resetCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}
