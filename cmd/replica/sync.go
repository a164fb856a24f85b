package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/replica/internal/metrics"
	replicasync "github.com/mschirtzinger/replica/internal/replica/sync"
	"github.com/mschirtzinger/replica/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Pull remote changes, then push local edits",
	Long: `Run one synchronization against the sync server.

The sync:
  1. Pulls every remote change since the last pulled timestamp
  2. Applies them to the local database in one transaction
  3. Pushes local edits made since that timestamp
  4. Saves the new cursor, only if all of the above succeeded

A conflict (the server changed a pushed record after our last pull) leaves
the cursor unchanged; run sync again to pull the newer version first.`,
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			fatalf("opening replica: %v", err)
		}
		defer store.Close()

		r, closeCursors, err := newReplica(ctx, store, metrics.Observer{})
		if err != nil {
			fatalf("creating replica: %v", err)
		}
		defer closeCursors()

		report, err := r.Sync(ctx)
		if jsonOutput {
			printReportJSON(report, err)
			if err != nil {
				exit(1)
			}
			return
		}
		if err != nil {
			printSyncError(err)
			exit(1)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), report.Duration.Round(time.Millisecond))
		printCounts("Pulled", report.Pulled)
		printCounts("Pushed", report.Pushed)
		if report.Applied.Kept > 0 {
			fmt.Printf("   Kept local: %d %s\n", report.Applied.Kept, ui.RenderMuted("(newer local edits won)"))
		}
		fmt.Printf("   Cursor: %s\n", report.Cursor)
	},
}

func init() {
	syncCmd.Flags().Bool("json", false, "Output the report as JSON")
	rootCmd.AddCommand(syncCmd)
}

func printCounts(label string, counts map[string]int) {
	if len(counts) == 0 {
		fmt.Printf("   %s: 0\n", label)
		return
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("   %s: %d %s\n", label, counts[name], ui.RenderMuted(name))
	}
}

func printSyncError(err error) {
	var conflict *replicasync.ConflictError
	var schemaErr *replicasync.SchemaError
	switch {
	case errors.As(err, &conflict):
		fmt.Fprintf(os.Stderr, "%s Push rejected, %d record(s) changed on the server since the last pull:\n", ui.RenderWarn("⚠"), len(conflict.IDs))
		for _, id := range conflict.IDs {
			fmt.Fprintf(os.Stderr, "   %s\n", id)
		}
		fmt.Fprintf(os.Stderr, "   Run 'replica sync' again to pull them first.\n")
	case errors.As(err, &schemaErr):
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
		if !schemaErr.Remote {
			fmt.Fprintf(os.Stderr, "   Run 'replica migrate' to upgrade the local database.\n")
		}
	default:
		fmt.Fprintf(os.Stderr, "%s Sync failed: %v\n", ui.RenderFail("✗"), err)
		if replicasync.IsRetryable(err) {
			fmt.Fprintf(os.Stderr, "   %s\n", ui.RenderMuted("The error is transient; the next sync will retry."))
		}
	}
}

type reportJSON struct {
	OK          bool           `json:"ok"`
	Error       string         `json:"error,omitempty"`
	Kind        string         `json:"kind"`
	Pulled      map[string]int `json:"pulled,omitempty"`
	Pushed      map[string]int `json:"pushed,omitempty"`
	Kept        int            `json:"kept_local"`
	ConflictIDs []string       `json:"conflict_ids,omitempty"`
	Advanced    bool           `json:"advanced"`
	DurationMs  int64          `json:"duration_ms"`
	Cursor      any            `json:"cursor,omitempty"`
}

func printReportJSON(report *replicasync.Report, err error) {
	out := reportJSON{OK: err == nil, Kind: metrics.Result(err)}
	if err != nil {
		out.Error = err.Error()
	}
	if report != nil {
		out.Pulled = report.Pulled
		out.Pushed = report.Pushed
		out.Kept = report.Applied.Kept
		out.ConflictIDs = report.ConflictIDs
		out.Advanced = report.Advanced
		out.DurationMs = report.Duration.Milliseconds()
		out.Cursor = report.Cursor
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(data))
}
