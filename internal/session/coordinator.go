package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"hubctl/internal/hub"
)

// Discoverer finds hubs on the network.
type Discoverer interface {
	Discover(ctx context.Context) ([]hub.Hub, error)
}

// Controller is the per-hub client surface the coordinator drives.
// *client.Client satisfies it.
type Controller interface {
	Connect(ctx context.Context) error
	GetDevices(ctx context.Context) ([]hub.Device, error)
	GetActivities(ctx context.Context) ([]hub.Activity, error)
	GetCurrentActivity(ctx context.Context) (*hub.Activity, error)
	StartActivity(ctx context.Context, activityID string) error
	StopActivity(ctx context.Context) error
	ExecuteCommand(ctx context.Context, cmd hub.Command) error
	Refresh(ctx context.Context) (*hub.CachedConfig, error)
	ClearCache()
	Disconnect()
	Hub() hub.Hub
}

// ClientFactory creates a controller for a discovered hub.
type ClientFactory func(h hub.Hub) Controller

// Coordinator drives the session state machine. It serializes
// stage-changing operations: a second operation started while one is in
// flight fails immediately with a state error instead of queueing.
type Coordinator struct {
	discovery Discoverer
	newClient ClientFactory
	bus       *Bus
	logger    *slog.Logger

	mu         sync.Mutex
	busy       bool
	client     Controller
	hubs       []hub.Hub
	devices    []hub.Device
	activities []hub.Activity
	current    *hub.Activity
}

// NewCoordinator wires a coordinator onto a discoverer and client factory.
func NewCoordinator(d Discoverer, factory ClientFactory, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		discovery: d,
		newClient: factory,
		bus:       NewBus(logger),
		logger:    logger.With("component", "session"),
	}
}

// Subscribe registers a handler for state updates.
func (c *Coordinator) Subscribe(h Handler) func() { return c.bus.Subscribe(h) }

// State returns the latest published state.
func (c *Coordinator) State() LoadingState { return c.bus.Latest() }

// Hubs returns the hubs found by the last discovery.
func (c *Coordinator) Hubs() []hub.Hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hubs
}

// Devices returns the connected hub's devices.
func (c *Coordinator) Devices() []hub.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices
}

// Activities returns the connected hub's activities.
func (c *Coordinator) Activities() []hub.Activity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activities
}

// CurrentActivity returns the activity known to be running, or nil.
func (c *Coordinator) CurrentActivity() *hub.Activity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ConnectedHub returns the hub of the live session, or nil.
func (c *Coordinator) ConnectedHub() *hub.Hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	h := c.client.Hub()
	return &h
}

// begin claims the single operation slot.
func (c *Coordinator) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return hub.NewError(hub.CategoryState, "another operation is in progress", nil)
	}
	c.busy = true
	return nil
}

func (c *Coordinator) end() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

func (c *Coordinator) publish(stage Stage, progress float64, msg string) {
	c.bus.publish(LoadingState{Stage: stage, Progress: progress, Message: msg})
}

// fail publishes the error stage and returns err unchanged.
func (c *Coordinator) fail(err error, msg string) error {
	c.logger.Error(msg, "err", err)
	c.bus.publish(LoadingState{Stage: StageError, Progress: 0, Message: msg, Err: err})
	return err
}

// controller returns the live client or a state error.
func (c *Coordinator) controller() (Controller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, hub.NewError(hub.CategoryState, "no hub connected", nil)
	}
	return c.client, nil
}

// Discover scans for hubs and records the result. A standalone discovery
// returns the session to where it was: connected stays connected, anything
// else goes back to initial.
func (c *Coordinator) Discover(ctx context.Context) ([]hub.Hub, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.end()
	return c.discover(ctx)
}

func (c *Coordinator) discover(ctx context.Context) ([]hub.Hub, error) {
	c.publish(StageDiscovering, 0.1, "scanning for hubs")
	hubs, err := c.discovery.Discover(ctx)
	if err != nil {
		return nil, c.fail(err, "discovery failed")
	}

	c.mu.Lock()
	c.hubs = hubs
	connected := c.client != nil
	c.mu.Unlock()

	if connected {
		c.publish(StageConnected, 1, fmt.Sprintf("found %d hubs", len(hubs)))
	} else {
		c.publish(StageInitial, 0, fmt.Sprintf("found %d hubs", len(hubs)))
	}
	return hubs, nil
}

// Connect brings up a full session with the given hub: connect, load
// devices, load activities, fetch the current activity. Any step failing
// tears the session down and lands in the error stage.
func (c *Coordinator) Connect(ctx context.Context, h hub.Hub) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()
	return c.connect(ctx, h)
}

func (c *Coordinator) connect(ctx context.Context, h hub.Hub) error {
	c.mu.Lock()
	if c.client != nil {
		c.client.Disconnect()
		c.client = nil
	}
	c.mu.Unlock()

	c.publish(StageConnecting, 0.25, "connecting to "+h.Name)
	cl := c.newClient(h)
	if err := cl.Connect(ctx); err != nil {
		return c.fail(err, "connect failed")
	}

	c.publish(StageLoadingDevices, 0.5, "loading devices")
	devices, err := cl.GetDevices(ctx)
	if err != nil {
		cl.Disconnect()
		return c.fail(err, "loading devices failed")
	}

	c.publish(StageLoadingActivities, 0.75, "loading activities")
	activities, err := cl.GetActivities(ctx)
	if err != nil {
		cl.Disconnect()
		return c.fail(err, "loading activities failed")
	}

	current, err := cl.GetCurrentActivity(ctx)
	if err != nil {
		cl.Disconnect()
		return c.fail(err, "fetching current activity failed")
	}

	c.mu.Lock()
	c.client = cl
	c.devices = devices
	c.activities = activities
	c.current = current
	c.mu.Unlock()

	c.publish(StageConnected, 1, "connected to "+h.Name)
	c.logger.Info("session established", "hub", h.ID, "devices", len(devices), "activities", len(activities))
	return nil
}

// AutoConnect discovers hubs and, when exactly one is found, connects to
// it. With several hubs on the network the caller must pick one and call
// Connect; the found hubs stay available through Hubs().
func (c *Coordinator) AutoConnect(ctx context.Context) error {
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	hubs, err := c.discover(ctx)
	if err != nil {
		return err
	}
	if len(hubs) != 1 {
		return hub.NewError(hub.CategoryState,
			fmt.Sprintf("%d hubs found, explicit selection required", len(hubs)), nil)
	}
	return c.connect(ctx, hubs[0])
}

// excursion runs op under a transient stage. Success returns the session to
// connected; failure publishes the error stage but leaves the session up so
// the caller can retry. A teardown racing the operation wins: once the
// client is gone nothing more is published.
func (c *Coordinator) excursion(stage Stage, msg string, op func(Controller) error) error {
	cl, err := c.controller()
	if err != nil {
		return err
	}
	if err := c.begin(); err != nil {
		return err
	}
	defer c.end()

	c.publish(stage, 0.5, msg)
	opErr := op(cl)

	c.mu.Lock()
	live := c.client == cl
	c.mu.Unlock()
	if !live {
		return opErr
	}
	if opErr != nil {
		return c.fail(opErr, msg+" failed")
	}
	c.publish(StageConnected, 1, "connected to "+cl.Hub().Name)
	return nil
}

// StartActivity starts an activity and waits for the hub to confirm it.
func (c *Coordinator) StartActivity(ctx context.Context, activityID string) error {
	return c.excursion(StageStartingActivity, "starting activity", func(cl Controller) error {
		if err := cl.StartActivity(ctx, activityID); err != nil {
			return err
		}
		current, err := cl.GetCurrentActivity(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.client == cl {
			c.current = current
		}
		c.mu.Unlock()
		return nil
	})
}

// StopActivity stops the running activity.
func (c *Coordinator) StopActivity(ctx context.Context) error {
	return c.excursion(StageStoppingActivity, "stopping activity", func(cl Controller) error {
		if err := cl.StopActivity(ctx); err != nil {
			return err
		}
		c.mu.Lock()
		if c.client == cl {
			c.current = nil
		}
		c.mu.Unlock()
		return nil
	})
}

// ExecuteCommand sends a single device command.
func (c *Coordinator) ExecuteCommand(ctx context.Context, cmd hub.Command) error {
	return c.excursion(StageExecutingCommand, "executing "+cmd.Name, func(cl Controller) error {
		return cl.ExecuteCommand(ctx, cmd)
	})
}

// Refresh forces a fresh device/activity fetch, bypassing the cache.
func (c *Coordinator) Refresh(ctx context.Context) error {
	return c.excursion(StageRefreshing, "refreshing configuration", func(cl Controller) error {
		snap, err := cl.Refresh(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.client == cl {
			c.devices = snap.Devices
			c.activities = snap.Activities
		}
		c.mu.Unlock()
		return nil
	})
}

// ClearCache discards the connected hub's cached configuration.
func (c *Coordinator) ClearCache() error {
	cl, err := c.controller()
	if err != nil {
		return err
	}
	cl.ClearCache()
	return nil
}

// Disconnect ends the session and returns to the initial stage. Safe to
// call without a session. An operation in flight finishes against the old
// client but publishes no further state for it.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	cl := c.client
	c.client = nil
	c.devices = nil
	c.activities = nil
	c.current = nil
	c.mu.Unlock()

	if cl != nil {
		cl.Disconnect()
	}
	c.publish(StageInitial, 0, "disconnected")
}
