package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/replica/internal/replica/schema"
	"github.com/mschirtzinger/replica/internal/ui"
)

var changesCmd = &cobra.Command{
	Use:     "changes",
	GroupID: "sync",
	Short:   "List local edits that the next sync would push",
	Long: `List pending local changes, grouped by collection.

By default the listing starts at the last pulled timestamp, which is what
the next push sends. --since narrows it and accepts an RFC3339 time, unix
milliseconds, or a phrase such as "2 hours ago" or "yesterday".

Examples:
  replica changes
  replica changes --since "30 minutes ago"
  replica changes --since 2026-01-01T00:00:00Z --json`,
	Run: func(cmd *cobra.Command, args []string) {
		sinceFlag, _ := cmd.Flags().GetString("since")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		ctx := cmd.Context()

		store, err := openStore(ctx)
		if err != nil {
			fatalf("opening replica: %v", err)
		}
		defer store.Close()

		var since *time.Time
		if sinceFlag != "" {
			t, err := parseSince(sinceFlag, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			since = &t
		} else {
			cursor, err := store.LoadCursor(ctx)
			if err != nil {
				fatalf("loading cursor: %v", err)
			}
			since = cursor.LastPulledAt
		}

		changes, _, err := store.PendingChangesSince(ctx, since)
		if err != nil {
			fatalf("reading pending changes: %v", err)
		}

		if jsonOutput {
			data, err := json.MarshalIndent(changes, "", "  ")
			if err != nil {
				fatalf("encoding changes: %v", err)
			}
			fmt.Println(string(data))
			return
		}

		if changes.IsEmpty() {
			fmt.Printf("%s No pending changes\n", ui.RenderPass("✓"))
			return
		}
		fmt.Printf("\n%s %d pending change(s)", ui.RenderAccent("📝"), changes.Count())
		if since != nil {
			fmt.Printf(" since %s", since.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\n\n")

		for _, collection := range changes.Collections() {
			c := changes[collection]
			fmt.Println(ui.RenderHeader(collection))
			for _, e := range c.Created {
				fmt.Printf("  %s %s %s\n", ui.RenderPass("+"), e.ID, ui.RenderMuted(e.LastModifiedAt.Local().Format(time.TimeOnly)))
			}
			for _, e := range c.Updated {
				fmt.Printf("  %s %s %s\n", ui.RenderWarn("~"), e.ID, ui.RenderMuted(e.LastModifiedAt.Local().Format(time.TimeOnly)))
			}
			for _, id := range c.Deleted {
				fmt.Printf("  %s %s\n", ui.RenderFail("-"), id)
			}
			fmt.Println()
		}
	},
}

func init() {
	changesCmd.Flags().String("since", "", `Only show edits after this time ("2 hours ago", RFC3339, unix ms)`)
	changesCmd.Flags().Bool("json", false, "Output the change set as JSON")
	rootCmd.AddCommand(changesCmd)
}

// parseSince reads an absolute or relative time.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return schema.FromMillis(ms), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse time %q", s)
	}
	return r.Time, nil
}
