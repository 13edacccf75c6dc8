package hub

import (
	"errors"
	"testing"
	"time"
)

func TestHubValidate(t *testing.T) {
	valid := Hub{ID: "h-1", Name: "Living Room", Address: "192.168.1.20", Port: 8088}

	tests := []struct {
		name    string
		mutate  func(*Hub)
		wantErr bool
	}{
		{"valid", func(h *Hub) {}, false},
		{"missing id", func(h *Hub) { h.ID = "" }, true},
		{"missing name", func(h *Hub) { h.Name = "" }, true},
		{"missing address", func(h *Hub) { h.Address = "" }, true},
		{"optional fields empty", func(h *Hub) { h.RemoteID, h.ProductID = "", "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := valid
			tt.mutate(&h)
			err := h.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && CategoryOf(err) != CategoryValidation {
				t.Errorf("category = %q, want %q", CategoryOf(err), CategoryValidation)
			}
		})
	}
}

func TestCommandValidateGroup(t *testing.T) {
	base := Command{ID: "c-1", Name: "VolumeUp", Label: "Volume Up", DeviceID: "d-1"}

	tests := []struct {
		group   string
		wantErr bool
	}{
		{GroupIR, false},
		{GroupIP, false},
		{GroupBluetooth, false},
		{"", true},
		{"RFCommand", true},
	}

	for _, tt := range tests {
		t.Run("group="+tt.group, func(t *testing.T) {
			c := base
			c.Group = tt.group
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDeviceValidateChecksCommands(t *testing.T) {
	d := Device{
		ID: "d-1", Name: "TV", Type: "Television",
		Commands: []Command{
			{ID: "c-1", Name: "PowerOn", Label: "Power On", DeviceID: "d-1", Group: GroupIR},
			{ID: "c-2", Name: "", Label: "Broken", DeviceID: "d-1", Group: GroupIR},
		},
	}
	if err := d.Validate(); err == nil {
		t.Error("expected error for device with invalid command")
	}

	// Empty command list is fine.
	d.Commands = nil
	if err := d.Validate(); err != nil {
		t.Errorf("device with no commands: %v", err)
	}
}

func TestCachedConfigExpired(t *testing.T) {
	now := time.Now()
	cfg := &CachedConfig{CachedAt: now.Add(-ConfigTTL)}

	// Exactly at the TTL boundary minus a millisecond: still honored.
	if cfg.Expired(now.Add(-time.Millisecond), ConfigTTL) {
		t.Error("snapshot at TTL-1ms treated as expired")
	}
	// One millisecond past the TTL: treated as absent.
	if !cfg.Expired(now.Add(time.Millisecond), ConfigTTL) {
		t.Error("snapshot at TTL+1ms treated as valid")
	}

	var nilCfg *CachedConfig
	if !nilCfg.Expired(now, ConfigTTL) {
		t.Error("nil snapshot must read as expired")
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := NewError(CategoryConnection, "connect to hub", cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
	if CategoryOf(err) != CategoryConnection {
		t.Errorf("category = %q", CategoryOf(err))
	}
	if CategoryOf(cause) != "" {
		t.Errorf("plain error should have empty category, got %q", CategoryOf(cause))
	}
}
