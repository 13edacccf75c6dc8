// Package protocol defines the JSON wire format spoken with a hub over its
// persistent control connection, and the UDP announcement format used for
// discovery. Every record type has its own validation function; malformed
// records are rejected on the first missing required field, never accepted
// partially.
package protocol

import (
	"encoding/json"
	"fmt"

	"hubctl/internal/hub"
)

// Message types carried in the envelope.
const (
	MsgGetDevices         = "get_devices"
	MsgGetActivities      = "get_activities"
	MsgGetCurrentActivity = "get_current_activity"
	MsgStartActivity      = "start_activity"
	MsgStopActivity       = "stop_activity"
	MsgHoldAction         = "hold_action"
)

// Hold action statuses. A button press is always emulated as a press
// followed by a release with identical command fields.
const (
	HoldPress   = "press"
	HoldRelease = "release"
)

// Envelope frames every request and response on the control connection.
// Responses echo the id of the request they answer.
type Envelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HoldAction is the payload of a hold_action message.
type HoldAction struct {
	DeviceID string `json:"device_id"`
	Command  string `json:"command"`
	Status   string `json:"status"`
}

// ActivityRequest is the payload of start_activity.
type ActivityRequest struct {
	ActivityID string `json:"activity_id"`
}

// CurrentActivityResponse answers get_current_activity. An empty or "-1"
// activity id means nothing is running.
type CurrentActivityResponse struct {
	ActivityID string `json:"activity_id"`
}

// commandRecord is a device command as the hub reports it. The group is
// optional on the wire and defaults to IR.
type commandRecord struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Label string `json:"label"`
	Group string `json:"group,omitempty"`
}

// deviceRecord is a device as the hub reports it.
type deviceRecord struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Commands []commandRecord `json:"commands"`
}

// activityRecord is an activity as the hub reports it.
type activityRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// ParseDevices decodes a get_devices response payload into domain devices.
// Returns a Validation error on the first malformed record.
func ParseDevices(payload []byte) ([]hub.Device, error) {
	var resp struct {
		Devices []deviceRecord `json:"devices"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, hub.NewError(hub.CategoryValidation, "decode devices response", err)
	}

	devices := make([]hub.Device, 0, len(resp.Devices))
	for _, rec := range resp.Devices {
		dev := hub.Device{
			ID:       rec.ID,
			Name:     rec.Name,
			Type:     rec.Type,
			Commands: make([]hub.Command, 0, len(rec.Commands)),
		}
		for _, cr := range rec.Commands {
			group := cr.Group
			if group == "" {
				// TODO: the IR default is unverified for network and
				// Bluetooth controlled device types.
				group = hub.GroupIR
			}
			dev.Commands = append(dev.Commands, hub.Command{
				ID:       cr.ID,
				Name:     cr.Name,
				Label:    cr.Label,
				DeviceID: rec.ID,
				Group:    group,
			})
		}
		if err := dev.Validate(); err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

// ParseActivities decodes a get_activities response payload.
func ParseActivities(payload []byte) ([]hub.Activity, error) {
	var resp struct {
		Activities []activityRecord `json:"activities"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, hub.NewError(hub.CategoryValidation, "decode activities response", err)
	}

	activities := make([]hub.Activity, 0, len(resp.Activities))
	for _, rec := range resp.Activities {
		act := hub.Activity{ID: rec.ID, Name: rec.Name, Type: rec.Type}
		if err := act.Validate(); err != nil {
			return nil, err
		}
		activities = append(activities, act)
	}
	return activities, nil
}

// announcement is the UDP datagram a hub broadcasts about itself.
type announcement struct {
	ID           string `json:"id"`
	FriendlyName string `json:"friendly_name"`
	IP           string `json:"ip"`
	Port         int    `json:"port"`
	RemoteID     string `json:"remote_id"`
	ProductID    string `json:"product_id"`
	Info         *struct {
		FWVersion       string `json:"fw_version"`
		ProtocolVersion string `json:"protocol_version"`
	} `json:"info"`
}

// ParseAnnouncement decodes and validates one discovery datagram. Records
// missing the hub id, address, name, or the firmware info block are rejected
// with a Validation error.
func ParseAnnouncement(data []byte) (hub.Hub, error) {
	var a announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return hub.Hub{}, hub.NewError(hub.CategoryValidation, "decode announcement", err)
	}
	if a.Info == nil {
		return hub.Hub{}, hub.NewError(hub.CategoryValidation,
			fmt.Sprintf("announcement %q: missing info block", a.ID), nil)
	}

	h := hub.Hub{
		ID:              a.ID,
		Name:            a.FriendlyName,
		Address:         a.IP,
		Port:            a.Port,
		RemoteID:        a.RemoteID,
		ProductID:       a.ProductID,
		FirmwareVersion: a.Info.FWVersion,
		ProtocolVersion: a.Info.ProtocolVersion,
	}
	if err := h.Validate(); err != nil {
		return hub.Hub{}, err
	}
	return h, nil
}

// MarshalPayload encodes a request payload, panicking only on programmer
// error (unmarshalable types never appear on these structs).
func MarshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal payload: %v", err))
	}
	return data
}
