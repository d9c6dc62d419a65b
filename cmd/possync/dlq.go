package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and manage the dead letter queue",
	Long:  "List, retry, and discard mutations that exhausted their retries.",
}

func init() {
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	dlqCmd.AddCommand(dlqDiscardCmd)
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead letter entries",
	Args:  cobra.NoArgs,
	RunE:  runDLQList,
}

func runDLQList(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	items, err := db.ListDeadLetters(context.Background(), 200)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), items)
	}

	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Dead letter queue is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tOPERATION\tENTITY\tENTITY ID\tRETRIES\tMOVED\tLAST ERROR")
	for _, item := range items {
		lastError := item.LastError
		if len(lastError) > 60 {
			lastError = lastError[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			item.ID,
			item.Operation,
			item.EntityType,
			item.EntityID,
			item.RetryCount,
			item.MovedAt.Format("2006-01-02 15:04"),
			lastError,
		)
	}
	w.Flush()

	return nil
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Re-enqueue a dead letter entry with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQRetry,
}

func runDLQRetry(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	item, err := db.RetryDeadLetter(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("retry dead letter %s: %w", args[0], err)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), item)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Re-enqueued as %s (%s %s/%s)\n",
		item.ID, item.Operation, item.EntityType, item.EntityID)
	return nil
}

var dlqDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Permanently discard a dead letter entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQDiscard,
}

func runDLQDiscard(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.DiscardDeadLetter(context.Background(), args[0]); err != nil {
		return fmt.Errorf("discard dead letter %s: %w", args[0], err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s\n", args[0])
	return nil
}
