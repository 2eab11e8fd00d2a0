package main

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/stockmesh/internal/model"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and manage the outgoing sync queue",
}

var outboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats model.OutboxStats
		if err := newClient().get(context.Background(), "/v1/outbox/stats", &stats); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if jsonOutput {
			printJSON(stats)
			return nil
		}
		fmt.Printf("Pending: %d\n", stats.Pending)
		fmt.Printf("Dead:    %d\n", stats.Dead)
		fmt.Printf("Synced:  %d\n", stats.Synced)
		if stats.OldestUnsent != nil {
			fmt.Printf("Oldest unsent: %s\n", stats.OldestUnsent.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var outboxDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		var dead []model.OutboxRecord
		if err := newClient().get(context.Background(), "/v1/outbox/dead", &dead); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if jsonOutput {
			printJSON(dead)
			return nil
		}
		printOutboxTable(dead)
		return nil
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Return a dead letter to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/outbox/" + url.PathEscape(args[0]) + "/retry"
		if err := newClient().post(context.Background(), path, nil, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Requeued %s\n", args[0])
		return nil
	},
}

func init() {
	outboxCmd.AddCommand(outboxStatsCmd)
	outboxCmd.AddCommand(outboxDeadCmd)
	outboxCmd.AddCommand(outboxRetryCmd)
}
