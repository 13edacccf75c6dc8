// Package hub defines the domain model for a discovered hub and its
// configuration: devices, per-device commands, and activities.
package hub

import (
	"fmt"
	"time"
)

// Command group vocabulary. Hubs that omit the group are assumed to drive
// the device over IR.
const (
	GroupIR        = "IRCommand"
	GroupIP        = "IPCommand"
	GroupBluetooth = "BluetoothCommand"
)

// Hub is a controller device found on the local network. Identity is the
// hub-reported ID, never the network address — addresses change on DHCP
// renewal while the ID is stable across reboots.
type Hub struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Address         string `json:"address"`
	Port            int    `json:"port"`
	RemoteID        string `json:"remote_id,omitempty"`
	ProductID       string `json:"product_id,omitempty"`
	FirmwareVersion string `json:"fw_version,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

// Validate checks the required Hub fields.
func (h Hub) Validate() error {
	if h.ID == "" {
		return NewError(CategoryValidation, "hub id is required", nil)
	}
	if h.Name == "" {
		return NewError(CategoryValidation, "hub name is required", nil)
	}
	if h.Address == "" {
		return NewError(CategoryValidation, "hub address is required", nil)
	}
	return nil
}

// Device is a controllable appliance registered on a hub.
type Device struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Type     string    `json:"type"`
	Commands []Command `json:"commands"`
}

func (d Device) Validate() error {
	if d.ID == "" || d.Name == "" || d.Type == "" {
		return NewError(CategoryValidation,
			fmt.Sprintf("device %q: id, name and type are required", d.ID), nil)
	}
	for _, c := range d.Commands {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Command is a single controllable function of a device.
type Command struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Label    string `json:"label"`
	DeviceID string `json:"device_id"`
	Group    string `json:"group"`
}

func (c Command) Validate() error {
	if c.ID == "" || c.Name == "" || c.Label == "" || c.DeviceID == "" {
		return NewError(CategoryValidation,
			fmt.Sprintf("command %q: id, name, label and device_id are required", c.ID), nil)
	}
	switch c.Group {
	case GroupIR, GroupIP, GroupBluetooth:
		return nil
	default:
		return NewError(CategoryValidation,
			fmt.Sprintf("command %q: unknown group %q", c.ID, c.Group), nil)
	}
}

// Activity is a pre-configured scene the hub can run as a unit.
type Activity struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Running bool   `json:"running"`
}

func (a Activity) Validate() error {
	if a.ID == "" || a.Name == "" || a.Type == "" {
		return NewError(CategoryValidation,
			fmt.Sprintf("activity %q: id, name and type are required", a.ID), nil)
	}
	return nil
}

// ConfigTTL is how long a cached device/activity snapshot stays valid.
const ConfigTTL = 24 * time.Hour

// CachedConfig is an immutable snapshot of a hub's devices and activities.
// Both collections are always captured together so they stay in sync.
type CachedConfig struct {
	Devices    []Device   `json:"devices"`
	Activities []Activity `json:"activities"`
	CachedAt   time.Time  `json:"cached_at"`
}

// Expired reports whether the snapshot is older than ttl at time now.
// A snapshot aged exactly ttl is still honored.
func (c *CachedConfig) Expired(now time.Time, ttl time.Duration) bool {
	if c == nil {
		return true
	}
	return now.Sub(c.CachedAt) > ttl
}
