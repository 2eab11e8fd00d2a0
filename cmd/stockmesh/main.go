package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/stockmesh/internal/ui"
)

var (
	serverAddr string
	jsonOutput bool
)

var rootCmd = &cobra.Command{
	Use:   "stockmesh",
	Short: "Offline-first inventory sync for multi-register sites",
	Long: `stockmesh keeps stock counts consistent across the registers of a site
that is only intermittently online. Each device records stock movements in a
local ledger and syncs them to an elected hub when connectivity allows.

Run "stockmesh serve" on every device; the other commands talk to the local
daemon over its HTTP API.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !ui.ShouldUseColor() {
			ui.ForceNoColor()
		}
	},
}

func defaultServer() string {
	if addr := os.Getenv("STOCKMESH_SERVER"); addr != "" {
		return addr
	}
	return "http://127.0.0.1:8844"
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", defaultServer(), "Daemon API address (env: STOCKMESH_SERVER)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output JSON instead of tables")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stockCmd)
	rootCmd.AddCommand(deltaCmd)
	rootCmd.AddCommand(deltasCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
