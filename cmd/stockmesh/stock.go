package main

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
)

// inventoryRow mirrors the daemon's inventory response.
type inventoryRow struct {
	ProductID  string `json:"product_id"`
	Quantity   int64  `json:"quantity"`
	Generation int64  `json:"generation"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

var stockCmd = &cobra.Command{
	Use:   "stock [product-id]",
	Short: "Show merged stock levels",
	Long: `stock lists the site-wide merged quantity for every known product, or for
one product when an ID is given. Quantities can be negative when sales ran
ahead of recorded receipts.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		if len(args) == 1 {
			var row inventoryRow
			path := "/v1/inventory/" + url.PathEscape(args[0])
			if err := newClient().get(ctx, path, &row); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if jsonOutput {
				printJSON(row)
				return nil
			}
			printStockRow(row)
			return nil
		}

		var rows []inventoryRow
		if err := newClient().get(ctx, "/v1/inventory", &rows); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if jsonOutput {
			printJSON(rows)
			return nil
		}
		printStockTable(rows)
		return nil
	},
}
