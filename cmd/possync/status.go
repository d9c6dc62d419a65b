package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/muntu/possync/internal/config"
	"github.com/muntu/possync/internal/store"
	possync "github.com/muntu/possync/internal/sync"
)

var (
	dbPathOverride string
	jsonOutput     bool
)

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, dlqCmd} {
		cmd.PersistentFlags().StringVar(&dbPathOverride, "db", "",
			"Database path (overrides config and POSSYNC_DB_PATH)")
		cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
			"Output in JSON format")
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync queue status",
	Long:  "Inspect the local sync queue, conflicts, and DLQ counters without the agent running.",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.GetQueueStats(context.Background(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), stats)
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "PENDING\tFAILED\tSYNCED 24H\tDEAD LETTERS\tCONFLICTS")
	fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\n",
		stats.Pending, stats.Failed, stats.Synced24h, stats.DeadLettered, stats.UnresolvedConflicts)
	w.Flush()

	if len(stats.PendingByEntity) > 0 {
		fmt.Fprintln(cmd.OutOrStdout())
		w = newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(w, "ENTITY\tPENDING\tFAILED")
		for _, entityType := range entityOrder(stats.PendingByEntity, stats.FailedByEntity) {
			fmt.Fprintf(w, "%s\t%d\t%d\n",
				entityType, stats.PendingByEntity[entityType], stats.FailedByEntity[entityType])
		}
		w.Flush()
	}

	return nil
}

// entityOrder returns the union of both breakdowns' entity types, sorted.
func entityOrder(pending, failed map[possync.EntityType]int) []possync.EntityType {
	seen := make(map[possync.EntityType]bool, len(pending)+len(failed))
	for entityType := range pending {
		seen[entityType] = true
	}
	for entityType := range failed {
		seen[entityType] = true
	}
	keys := make([]possync.EntityType, 0, len(seen))
	for entityType := range seen {
		keys = append(keys, entityType)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// openStore opens the local database using the configured or overridden
// path.
func openStore() (*store.SQLiteStore, error) {
	path := dbPathOverride
	if path == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		path = cfg.Database.Path
	}
	return store.NewSQLiteStore(path)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
