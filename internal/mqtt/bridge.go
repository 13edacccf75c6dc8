// Package mqtt exposes the session over an MQTT broker: loading states,
// discovered hubs, and the connected hub's configuration are published as
// retained topics, and set-topics accept activity and command requests.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"hubctl/internal/hub"
	"hubctl/internal/session"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the session coordinator to an MQTT broker.
type Bridge struct {
	client pahomqtt.Client
	coord  *session.Coordinator
	prefix string
	logger *slog.Logger
	unsub  func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *session.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		coord:  coord,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("hubctl").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publish(b.prefix+"/bridge/state", []byte("online"), true)
			b.publishSnapshot()
			b.subscribeSetTopics()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to session state updates and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Subscribe(b.handleState)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publish(b.prefix+"/bridge/state", []byte("offline"), true)
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleState(st session.LoadingState) {
	b.publish(b.prefix+"/state", buildStatePayload(st), true)
	if st.Stage == session.StageConnected {
		b.publishSnapshot()
	}
}

// publishSnapshot pushes everything the coordinator currently knows.
func (b *Bridge) publishSnapshot() {
	b.publish(b.prefix+"/state", buildStatePayload(b.coord.State()), true)
	b.publish(b.prefix+"/hubs", mustJSON(b.coord.Hubs()), true)
	if h := b.coord.ConnectedHub(); h != nil {
		b.publish(b.prefix+"/hub", mustJSON(h), true)
		b.publish(b.prefix+"/devices", mustJSON(b.coord.Devices()), true)
		b.publish(b.prefix+"/activities", mustJSON(b.coord.Activities()), true)
	}
	b.publish(b.prefix+"/activity", buildActivityPayload(b.coord.CurrentActivity()), true)
}

func (b *Bridge) subscribeSetTopics() {
	b.client.Subscribe(b.prefix+"/activity/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleActivitySet(msg.Payload())
	})
	b.client.Subscribe(b.prefix+"/command/set", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommandSet(msg.Payload())
	})
	b.client.Subscribe(b.prefix+"/discover/set", 1, func(_ pahomqtt.Client, _ pahomqtt.Message) {
		b.handleDiscoverSet()
	})
}

func (b *Bridge) handleActivitySet(payload []byte) {
	req, err := parseActivityRequest(payload)
	if err != nil {
		b.logger.Warn("invalid activity request", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if req.Stop {
		if err := b.coord.StopActivity(ctx); err != nil {
			b.logger.Warn("stop activity failed", "err", err)
		}
		return
	}
	if err := b.coord.StartActivity(ctx, req.ID); err != nil {
		b.logger.Warn("start activity failed", "activity", req.ID, "err", err)
		return
	}
	b.publish(b.prefix+"/activity", buildActivityPayload(b.coord.CurrentActivity()), true)
}

func (b *Bridge) handleCommandSet(payload []byte) {
	req, err := parseCommandRequest(payload)
	if err != nil {
		b.logger.Warn("invalid command request", "err", err)
		return
	}

	cmd, ok := findCommand(b.coord.Devices(), req.DeviceID, req.Command)
	if !ok {
		b.logger.Warn("command not found", "device", req.DeviceID, "command", req.Command)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.coord.ExecuteCommand(ctx, cmd); err != nil {
		b.logger.Warn("command failed", "device", req.DeviceID, "command", req.Command, "err", err)
	}
}

func (b *Bridge) handleDiscoverSet() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	hubs, err := b.coord.Discover(ctx)
	if err != nil {
		b.logger.Warn("discovery failed", "err", err)
		return
	}
	b.publish(b.prefix+"/hubs", mustJSON(hubs), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// activityRequest is the activity/set payload: {"id":"42"} starts an
// activity, {"stop":true} stops the running one.
type activityRequest struct {
	ID   string `json:"id"`
	Stop bool   `json:"stop"`
}

func parseActivityRequest(payload []byte) (activityRequest, error) {
	var req activityRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, err
	}
	if !req.Stop && req.ID == "" {
		return req, fmt.Errorf("activity request needs an id or stop flag")
	}
	return req, nil
}

// commandRequest is the command/set payload.
type commandRequest struct {
	DeviceID string `json:"device_id"`
	Command  string `json:"command"`
}

func parseCommandRequest(payload []byte) (commandRequest, error) {
	var req commandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, err
	}
	if req.DeviceID == "" || req.Command == "" {
		return req, fmt.Errorf("command request needs device_id and command")
	}
	return req, nil
}

func findCommand(devices []hub.Device, deviceID, name string) (hub.Command, bool) {
	for _, d := range devices {
		if d.ID != deviceID {
			continue
		}
		for _, c := range d.Commands {
			if c.Name == name {
				return c, true
			}
		}
	}
	return hub.Command{}, false
}

type statePayload struct {
	Stage    string  `json:"stage"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
	Error    string  `json:"error,omitempty"`
}

func buildStatePayload(st session.LoadingState) []byte {
	p := statePayload{
		Stage:    string(st.Stage),
		Progress: st.Progress,
		Message:  st.Message,
	}
	if st.Err != nil {
		p.Error = st.Err.Error()
	}
	return mustJSON(p)
}

// buildActivityPayload renders the current activity topic. No running
// activity publishes {"running":false} rather than an empty payload so
// consumers can distinguish "off" from "unknown".
func buildActivityPayload(a *hub.Activity) []byte {
	if a == nil {
		return []byte(`{"running":false}`)
	}
	return mustJSON(a)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
