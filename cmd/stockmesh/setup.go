package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/stockmesh/internal/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create this device's identity file",
	Long: `setup writes the device identity file used by the daemon. Run it once per
device. The generated device ID names this device's slice of the ledger, so
re-running setup on a device that already has an identity is refused.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		tenant, _ := cmd.Flags().GetString("tenant")
		site, _ := cmd.Flags().GetString("site")
		token, _ := cmd.Flags().GetString("token")
		priority, _ := cmd.Flags().GetInt("priority")
		force, _ := cmd.Flags().GetBool("force")

		if tenant == "" || site == "" {
			return fmt.Errorf("--tenant and --site are required")
		}

		if !force {
			if existing, err := config.LoadDevice(); err == nil {
				return fmt.Errorf("device already configured as %s (use --force to replace)", existing.DeviceID)
			}
		}

		dev, err := config.NewDevice(name, tenant, site, priority)
		if err != nil {
			return err
		}
		dev.Token = token
		if err := config.SaveDevice(dev); err != nil {
			return err
		}

		path, _ := config.DevicePath()
		fmt.Printf("Device %s registered for site %s\n", dev.DeviceID, dev.SiteID)
		fmt.Printf("Identity written to %s\n", path)
		return nil
	},
}

func init() {
	setupCmd.Flags().String("name", "", "Human-readable device name")
	setupCmd.Flags().String("tenant", "", "Tenant ID")
	setupCmd.Flags().String("site", "", "Site ID")
	setupCmd.Flags().String("token", "", "Site sync token")
	setupCmd.Flags().Int("priority", 0, "Election priority (higher wins)")
	setupCmd.Flags().Bool("force", false, "Replace an existing identity")
}
