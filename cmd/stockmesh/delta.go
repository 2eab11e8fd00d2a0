package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/stockmesh/internal/model"
)

var deltaCmd = &cobra.Command{
	Use:   "delta <product-id> <change>",
	Short: "Record a stock movement",
	Long: `delta appends a stock movement to this device's ledger. The change is a
signed quantity: "delta sku-123 -2 --reason sale" records a two-unit sale.
The movement syncs to the site hub in the background.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		change, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("change must be a signed integer: %q", args[1])
		}
		reason, _ := cmd.Flags().GetString("reason")
		reference, _ := cmd.Flags().GetString("reference")

		body := map[string]any{
			"product_id":   args[0],
			"change":       change,
			"reason":       reason,
			"reference_id": reference,
		}
		var rec model.DeltaRecord
		if err := newClient().post(context.Background(), "/v1/deltas", body, &rec); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			printJSON(rec)
			return nil
		}
		fmt.Printf("Recorded %s: %+d %s (%s, seq %d)\n",
			rec.ProductID, rec.Change, rec.Reason, rec.ID, rec.OriginSequence)
		return nil
	},
}

var deltasCmd = &cobra.Command{
	Use:   "deltas",
	Short: "List recent ledger entries on this device",
	RunE: func(cmd *cobra.Command, args []string) error {
		product, _ := cmd.Flags().GetString("product")
		unsynced, _ := cmd.Flags().GetBool("unsynced")

		query := url.Values{}
		if product != "" {
			query.Set("product_id", product)
		}
		if unsynced {
			query.Set("synced", "false")
		}
		path := "/v1/deltas"
		if len(query) > 0 {
			path += "?" + query.Encode()
		}

		var deltas []model.DeltaRecord
		if err := newClient().get(context.Background(), path, &deltas); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if jsonOutput {
			printJSON(deltas)
			return nil
		}
		printDeltaTable(deltas)
		return nil
	},
}

func init() {
	deltaCmd.Flags().String("reason", string(model.ReasonAdjustment), "Movement reason (sale, void, adjustment, transfer_in, transfer_out, receive)")
	deltaCmd.Flags().String("reference", "", "Business reference, e.g. a receipt number")

	deltasCmd.Flags().String("product", "", "Filter by product ID")
	deltasCmd.Flags().Bool("unsynced", false, "Only entries not yet confirmed by the hub")
}
