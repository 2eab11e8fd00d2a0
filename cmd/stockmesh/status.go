package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/stockmesh/internal/server"
	"github.com/alfredjeanlab/stockmesh/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show this device's sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st server.Status
		if err := newClient().get(context.Background(), "/v1/status", &st); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if jsonOutput {
			printJSON(st)
			return nil
		}
		printStatus(st)
		return nil
	},
}

func printStatus(st server.Status) {
	fmt.Printf("Device:   %s\n", st.DeviceID)
	fmt.Printf("Site:     %s\n", st.SiteID)
	fmt.Printf("Role:     %s (term %d)\n", renderRole(st.Role), st.Term)
	if st.Leader != "" {
		fmt.Printf("Hub:      %s\n", st.Leader)
	}
	fmt.Printf("Session:  %s\n", renderSession(st.Session))
	fmt.Printf("Health:   %s\n", renderHealth(st.Health))
	if st.OfflineFor != "" {
		fmt.Printf("Offline:  %s\n", st.OfflineFor)
	}
	if st.Outbox != nil {
		fmt.Printf("Outbox:   %d pending, %d dead\n", st.Outbox.Pending, st.Outbox.Dead)
	}
	fmt.Printf("Unsynced: %d deltas\n", st.UnsyncedDeltas)
	fmt.Printf("Uptime:   %s\n", st.Uptime)
	if len(st.Peers) > 0 {
		fmt.Printf("Peers:    %d connected\n", len(st.Peers))
		for _, p := range st.Peers {
			fmt.Printf("  %s  seq=%d  last seen %s\n",
				p.DeviceID, p.LastSequence, p.LastSeenAt.Format("15:04:05"))
		}
	}
}

func renderRole(role string) string {
	switch role {
	case "primary":
		return ui.RenderHealthy(role)
	case "candidate":
		return ui.RenderDegraded(role)
	case "offline":
		return ui.RenderOffline(role)
	default:
		return role
	}
}

func renderHealth(health string) string {
	switch health {
	case "healthy":
		return ui.RenderHealthy(health)
	case "offline":
		return ui.RenderOffline(health)
	default:
		return ui.RenderDegraded(health)
	}
}

func renderSession(state string) string {
	switch state {
	case "ready":
		return ui.RenderHealthy(state)
	case "disconnected":
		return ui.RenderOffline(state)
	default:
		return ui.RenderDegraded(state)
	}
}
