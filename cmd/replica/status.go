package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/replica/internal/replica/remote"
	"github.com/mschirtzinger/replica/internal/replica/schema"
	"github.com/mschirtzinger/replica/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show the sync cursor, schema version and pending edits",
	Long: `Display the current state of the local replica.

Shows:
  - Replica id and database location
  - Last pulled timestamp and the schema version it was synced at
  - Local schema version
  - Number of local edits not yet pushed
  - Record counts per collection

With --check, the sync server's health endpoint is queried as well.`,
	Run: func(cmd *cobra.Command, args []string) {
		check, _ := cmd.Flags().GetBool("check")
		ctx := cmd.Context()

		if _, err := os.Stat(cfg.Database); os.IsNotExist(err) {
			fmt.Printf("\n%s Replica not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'replica migrate' or 'replica sync' to create %s\n\n", cfg.Database)
			return
		}

		store, err := openStore(ctx)
		if err != nil {
			fatalf("opening replica: %v", err)
		}
		defer store.Close()

		r, closeCursors, err := newReplica(ctx, store, nil)
		if err != nil {
			fatalf("creating replica: %v", err)
		}
		defer closeCursors()

		st, err := r.Status(ctx)
		if err != nil {
			fatalf("reading status: %v", err)
		}

		lastPulled := ui.RenderMuted("never")
		if st.Cursor.LastPulledAt != nil {
			lastPulled = fmt.Sprintf("%s (%d)", st.Cursor.LastPulledAt.Local().Format("2006-01-02 15:04:05.000"), schema.Millis(*st.Cursor.LastPulledAt))
		}
		pending := strconv.Itoa(st.Pending)
		if st.Pending > 0 {
			pending = ui.RenderWarn(pending)
		}

		rows := []ui.KV{
			{Key: "Replica", Value: st.ReplicaID},
			{Key: "Database", Value: store.Path()},
			{Key: "Schema version", Value: strconv.Itoa(st.SchemaVersion)},
			{Key: "Last pulled", Value: lastPulled},
			{Key: "Cursor schema", Value: strconv.Itoa(st.Cursor.SchemaVersion)},
			{Key: "Pending edits", Value: pending},
		}
		for _, table := range schema.SudokuSchema.TableNames() {
			n, err := store.Count(ctx, table)
			if err != nil {
				fatalf("counting %s: %v", table, err)
			}
			rows = append(rows, ui.KV{Key: table, Value: strconv.Itoa(n)})
		}

		fmt.Printf("\n%s Replica Status\n\n", ui.RenderAccent("📊"))
		ui.PrintKV(os.Stdout, rows)

		if check {
			fmt.Println()
			checkRemote(ctx)
		}
		fmt.Println()
	},
}

func init() {
	statusCmd.Flags().Bool("check", false, "Also check that the sync server is reachable and compatible")
	rootCmd.AddCommand(statusCmd)
}

func checkRemote(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := remote.New(&http.Client{Timeout: cfg.Remote.Timeout}, remote.Config{
		BaseURL: cfg.Remote.URL,
		Token:   cfg.Remote.Token,
	})
	if err := client.Health(ctx); err != nil {
		fmt.Printf("%s Remote %s: %v\n", ui.RenderFail("✗"), cfg.Remote.URL, err)
		return
	}
	fmt.Printf("%s Remote %s is up\n", ui.RenderPass("✓"), cfg.Remote.URL)
}
