package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/alfredjeanlab/stockmesh/internal/model"
	"github.com/alfredjeanlab/stockmesh/internal/ui"
)

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func printStockRow(row inventoryRow) {
	fmt.Printf("Product:    %s\n", row.ProductID)
	fmt.Printf("Quantity:   %s\n", renderQuantity(row.Quantity))
	if row.Generation > 0 {
		fmt.Printf("Generation: %d\n", row.Generation)
	}
	if row.UpdatedAt != "" {
		fmt.Printf("Updated:    %s\n", row.UpdatedAt)
	}
}

func printStockTable(rows []inventoryRow) {
	if len(rows) == 0 {
		fmt.Println("No stock recorded yet.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PRODUCT\tQUANTITY\tGENERATION")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\n", r.ProductID, renderQuantity(r.Quantity), r.Generation)
	}
	w.Flush()
}

// renderQuantity flags negative stock, which means sales outran recorded
// receipts and a recount or receiving entry is due.
func renderQuantity(q int64) string {
	s := fmt.Sprintf("%d", q)
	if q < 0 {
		return ui.RenderDegraded(s)
	}
	return s
}

func printDeltaTable(deltas []model.DeltaRecord) {
	if len(deltas) == 0 {
		fmt.Println("No ledger entries.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPRODUCT\tCHANGE\tREASON\tSEQ\tSYNCED\tAT")
	for _, d := range deltas {
		synced := "no"
		if d.Synced {
			synced = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%+d\t%s\t%d\t%s\t%s\n",
			d.ID, d.ProductID, d.Change, d.Reason, d.OriginSequence,
			synced, d.OccurredAt.Format("01-02 15:04:05"))
	}
	w.Flush()
}

func printOutboxTable(dead []model.OutboxRecord) {
	if len(dead) == 0 {
		fmt.Println("No dead letters.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENTITY\tATTEMPTS\tLAST ERROR")
	for _, r := range dead {
		errMsg := r.LastError
		if len(errMsg) > 60 {
			errMsg = errMsg[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s/%s\t%d\t%s\n", r.ID, r.EntityType, r.EntityID, r.Attempts, errMsg)
	}
	w.Flush()
}
