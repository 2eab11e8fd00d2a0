package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/alfredjeanlab/stockmesh/internal/idgen"
)

// Device is the persistent identity of this terminal. It is written once by
// `stockmesh setup` and survives reinstalls of the daemon so the device keeps
// its ledger sequence namespace.
type Device struct {
	DeviceID string `toml:"device_id"`
	Name     string `toml:"name,omitempty"`
	TenantID string `toml:"tenant_id"`
	SiteID   string `toml:"site_id"`
	Token    string `toml:"token,omitempty"`
	// Priority biases the election; back-office machines typically carry a
	// higher value than battery-powered registers.
	Priority int `toml:"priority"`
}

// DevicePath returns the location of the device identity file, honoring
// STOCKMESH_DEVICE_FILE for tests and containers.
func DevicePath() (string, error) {
	if p := os.Getenv("STOCKMESH_DEVICE_FILE"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".local", "state", "stockmesh")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "device.toml"), nil
}

// LoadDevice reads the device identity file.
func LoadDevice() (*Device, error) {
	path, err := DevicePath()
	if err != nil {
		return nil, err
	}
	var d Device
	if _, err := toml.DecodeFile(path, &d); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no device identity at %s (run `stockmesh setup` first)", path)
		}
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if d.DeviceID == "" || d.SiteID == "" || d.TenantID == "" {
		return nil, fmt.Errorf("device identity at %s is incomplete", path)
	}
	return &d, nil
}

// SaveDevice writes the device identity file with restrictive permissions
// (it may contain the device token).
func SaveDevice(d *Device) error {
	path, err := DevicePath()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(d)
}

// NewDevice creates an identity with a fresh device ID.
func NewDevice(name, tenantID, siteID string, priority int) (*Device, error) {
	id, err := idgen.Generate(idgen.PrefixDevice)
	if err != nil {
		return nil, err
	}
	return &Device{
		DeviceID: id,
		Name:     name,
		TenantID: tenantID,
		SiteID:   siteID,
		Priority: priority,
	}, nil
}
