package mqtt

import (
	"encoding/json"
	"errors"
	"testing"

	"hubctl/internal/hub"
	"hubctl/internal/session"
)

func TestBuildStatePayload(t *testing.T) {
	data := buildStatePayload(session.LoadingState{
		Stage:    session.StageLoadingDevices,
		Progress: 0.5,
		Message:  "loading devices",
	})

	var got statePayload
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Stage != "loading-devices" || got.Progress != 0.5 {
		t.Errorf("got %+v", got)
	}
	if got.Error != "" {
		t.Errorf("error field populated without a cause: %q", got.Error)
	}
}

func TestBuildStatePayloadWithError(t *testing.T) {
	data := buildStatePayload(session.LoadingState{
		Stage: session.StageError,
		Err:   errors.New("hub unreachable"),
	})

	var got statePayload
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Error != "hub unreachable" {
		t.Errorf("error = %q", got.Error)
	}
}

func TestBuildActivityPayload(t *testing.T) {
	if got := string(buildActivityPayload(nil)); got != `{"running":false}` {
		t.Errorf("nil activity payload = %s", got)
	}

	data := buildActivityPayload(&hub.Activity{ID: "42", Name: "Watch Movie", Type: "VirtualTelevisionN", Running: true})
	var got hub.Activity
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "42" || !got.Running {
		t.Errorf("got %+v", got)
	}
}

func TestParseActivityRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantID  string
		stop    bool
		wantErr bool
	}{
		{"start", `{"id":"42"}`, "42", false, false},
		{"stop", `{"stop":true}`, "", true, false},
		{"empty", `{}`, "", false, true},
		{"garbage", `{"id":`, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := parseActivityRequest([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if req.ID != tt.wantID || req.Stop != tt.stop {
				t.Errorf("got %+v", req)
			}
		})
	}
}

func TestParseCommandRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid", `{"device_id":"d-1","command":"PowerOn"}`, false},
		{"missing command", `{"device_id":"d-1"}`, true},
		{"missing device", `{"command":"PowerOn"}`, true},
		{"garbage", `not json`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseCommandRequest([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFindCommand(t *testing.T) {
	devices := []hub.Device{
		{ID: "d-1", Name: "TV", Type: "Television", Commands: []hub.Command{
			{ID: "c-1", Name: "PowerOn", Label: "Power On", DeviceID: "d-1", Group: hub.GroupIR},
		}},
	}

	if cmd, ok := findCommand(devices, "d-1", "PowerOn"); !ok || cmd.ID != "c-1" {
		t.Errorf("got %+v, ok=%v", cmd, ok)
	}
	if _, ok := findCommand(devices, "d-1", "PowerOff"); ok {
		t.Error("found a command that does not exist")
	}
	if _, ok := findCommand(devices, "d-2", "PowerOn"); ok {
		t.Error("found a command on the wrong device")
	}
}
