// Package client implements one hub's command surface on top of a
// transport connection, plus a short-lived read-through cache of the hub's
// device/activity configuration.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hubctl/internal/hub"
	"hubctl/internal/protocol"
	"hubctl/internal/store"
)

// DefaultPort is the control port hubs listen on when the announcement
// does not carry one.
const DefaultPort = 8088

// Conn is the transport surface the client needs. *transport.Transport
// satisfies it.
type Conn interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msgType string, payload json.RawMessage) (json.RawMessage, error)
	Disconnect() error
}

// Config holds client tuning knobs. Zero values take the defaults below.
type Config struct {
	HoldDuration    time.Duration // press-to-release delay (default 100ms)
	ConfirmInterval time.Duration // activity confirmation poll interval (default 500ms)
	ConfirmTimeout  time.Duration // activity confirmation ceiling (default 10s)
	CacheTTL        time.Duration // config snapshot TTL (default 24h)
	AutoRetry       bool          // retry failed command execution
	MaxRetries      int           // extra attempts when AutoRetry is on (default 2)
	CommandRate     rate.Limit    // outbound command pacing (default 20/s)
	CommandBurst    int           // pacing burst (default 5)
}

func (c Config) withDefaults() Config {
	if c.HoldDuration == 0 {
		c.HoldDuration = 100 * time.Millisecond
	}
	if c.ConfirmInterval == 0 {
		c.ConfirmInterval = 500 * time.Millisecond
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 10 * time.Second
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = hub.ConfigTTL
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.CommandRate == 0 {
		c.CommandRate = rate.Every(50 * time.Millisecond)
	}
	if c.CommandBurst == 0 {
		c.CommandBurst = 5
	}
	return c
}

// URL builds the websocket control URL for a hub.
func URL(h hub.Hub) string {
	port := h.Port
	if port == 0 {
		port = DefaultPort
	}
	return fmt.Sprintf("ws://%s:%d/hub", h.Address, port)
}

// Client is one hub session. It exclusively owns its Conn and its cached
// configuration snapshot.
type Client struct {
	hub     hub.Hub
	conn    Conn
	store   store.Store
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	connected bool
	cache     *hub.CachedConfig
}

// New creates a client for the given hub. st may be nil when snapshot
// persistence is not wanted (e.g. verification-only clients).
func New(h hub.Hub, conn Conn, st store.Store, cfg Config, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		hub:     h,
		conn:    conn,
		store:   st,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.CommandRate, cfg.CommandBurst),
		logger:  logger.With("component", "client", "hub", h.ID),
		now:     time.Now,
	}
}

// Hub returns the hub this client controls.
func (c *Client) Hub() hub.Hub { return c.hub }

// Connected reports whether Connect succeeded and Disconnect has not run.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect opens the control connection.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.conn.Connect(ctx); err != nil {
		if hub.CategoryOf(err) != "" {
			return err
		}
		return hub.NewError(hub.CategoryConnection, "connect to hub "+c.hub.ID, err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Disconnect tears down the transport and drops the in-memory cache and
// connected flag. Safe to call twice.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.connected = false
	c.cache = nil
	c.mu.Unlock()
	if err := c.conn.Disconnect(); err != nil {
		c.logger.Warn("disconnect", "err", err)
	}
}

// GetDevices returns the hub's devices, from cache when fresh.
func (c *Client) GetDevices(ctx context.Context) ([]hub.Device, error) {
	cfg, err := c.config(ctx)
	if err != nil {
		return nil, err
	}
	return cfg.Devices, nil
}

// GetActivities returns the hub's activities, from cache when fresh.
func (c *Client) GetActivities(ctx context.Context) ([]hub.Activity, error) {
	cfg, err := c.config(ctx)
	if err != nil {
		return nil, err
	}
	return cfg.Activities, nil
}

// config returns a fresh snapshot: in-memory cache first, then the
// persisted snapshot, then a live fetch. Storage failures are logged and
// treated as cache misses, never as errors.
func (c *Client) config(ctx context.Context) (*hub.CachedConfig, error) {
	c.mu.Lock()
	connected := c.connected
	cached := c.cache
	c.mu.Unlock()
	if !connected {
		return nil, hub.NewError(hub.CategoryState, "not connected", nil)
	}

	now := c.now()
	if !cached.Expired(now, c.cfg.CacheTTL) {
		return cached, nil
	}

	if c.store != nil {
		snap, err := c.store.GetConfig(c.hub.ID)
		switch {
		case err == nil && !snap.Expired(now, c.cfg.CacheTTL):
			c.mu.Lock()
			c.cache = snap
			c.mu.Unlock()
			return snap, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			c.logger.Warn("config cache read failed, fetching live", "err", err)
		}
	}

	return c.fetchConfig(ctx)
}

// fetchConfig requests devices and activities from the hub and writes both
// collections into the cache together so they stay in sync.
func (c *Client) fetchConfig(ctx context.Context) (*hub.CachedConfig, error) {
	devPayload, err := c.conn.Send(ctx, protocol.MsgGetDevices, nil)
	if err != nil {
		return nil, hub.NewError(hub.CategoryHubCommunication, "get devices", err)
	}
	actPayload, err := c.conn.Send(ctx, protocol.MsgGetActivities, nil)
	if err != nil {
		return nil, hub.NewError(hub.CategoryHubCommunication, "get activities", err)
	}

	devices, err := protocol.ParseDevices(devPayload)
	if err != nil {
		return nil, err
	}
	activities, err := protocol.ParseActivities(actPayload)
	if err != nil {
		return nil, err
	}

	snap := &hub.CachedConfig{Devices: devices, Activities: activities, CachedAt: c.now()}
	c.mu.Lock()
	c.cache = snap
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.SaveConfig(c.hub.ID, snap); err != nil {
			c.logger.Warn("config cache write failed", "err", err)
		}
	}
	return snap, nil
}

// Refresh discards the cached snapshot and fetches a fresh one.
func (c *Client) Refresh(ctx context.Context) (*hub.CachedConfig, error) {
	c.mu.Lock()
	connected := c.connected
	c.cache = nil
	c.mu.Unlock()
	if !connected {
		return nil, hub.NewError(hub.CategoryState, "not connected", nil)
	}
	return c.fetchConfig(ctx)
}

// ClearCache discards all cached configuration immediately, in memory and
// in the store.
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.DeleteConfig(c.hub.ID); err != nil {
			c.logger.Warn("config cache delete failed", "err", err)
		}
	}
}

// GetCurrentActivity returns the running activity with its running flag
// set, or nil when nothing is running or the reported id is unknown. Never
// served from cache.
func (c *Client) GetCurrentActivity(ctx context.Context) (*hub.Activity, error) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return nil, hub.NewError(hub.CategoryState, "not connected", nil)
	}

	payload, err := c.conn.Send(ctx, protocol.MsgGetCurrentActivity, nil)
	if err != nil {
		return nil, hub.NewError(hub.CategoryHubCommunication, "get current activity", err)
	}
	var cur protocol.CurrentActivityResponse
	if err := json.Unmarshal(payload, &cur); err != nil {
		return nil, hub.NewError(hub.CategoryValidation, "decode current activity", err)
	}
	if cur.ActivityID == "" || cur.ActivityID == "-1" {
		return nil, nil
	}

	activities, err := c.GetActivities(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range activities {
		if a.ID == cur.ActivityID {
			a.Running = true
			return &a, nil
		}
	}
	c.logger.Warn("hub reports unknown activity", "activity", cur.ActivityID)
	return nil, nil
}

// StartActivity sends the start request, then polls the current activity
// until the hub confirms it is running. A confirmation timeout is reported
// distinctly: the command was sent, only confirmation failed.
func (c *Client) StartActivity(ctx context.Context, activityID string) error {
	if !c.Connected() {
		return hub.NewError(hub.CategoryState, "not connected", nil)
	}
	payload := protocol.MarshalPayload(protocol.ActivityRequest{ActivityID: activityID})
	if _, err := c.conn.Send(ctx, protocol.MsgStartActivity, payload); err != nil {
		return hub.NewError(hub.CategoryActivityStart, "send start request", err)
	}
	return c.awaitActivity(ctx, hub.CategoryActivityStart, func(cur *hub.Activity) bool {
		return cur != nil && cur.ID == activityID
	})
}

// StopActivity sends the stop request and polls until no activity is
// running.
func (c *Client) StopActivity(ctx context.Context) error {
	if !c.Connected() {
		return hub.NewError(hub.CategoryState, "not connected", nil)
	}
	if _, err := c.conn.Send(ctx, protocol.MsgStopActivity, nil); err != nil {
		return hub.NewError(hub.CategoryActivityStop, "send stop request", err)
	}
	return c.awaitActivity(ctx, hub.CategoryActivityStop, func(cur *hub.Activity) bool {
		return cur == nil
	})
}

func (c *Client) awaitActivity(ctx context.Context, cat hub.Category, reached func(*hub.Activity) bool) error {
	ticker := time.NewTicker(c.cfg.ConfirmInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.cfg.ConfirmTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			cur, err := c.GetCurrentActivity(ctx)
			if err != nil {
				c.logger.Warn("confirmation poll failed", "err", err)
				continue
			}
			if reached(cur) {
				return nil
			}
		case <-deadline.C:
			return hub.NewError(cat, "timeout waiting for confirmation", nil)
		case <-ctx.Done():
			return hub.NewError(cat, "confirmation canceled", ctx.Err())
		}
	}
}

// ExecuteCommand emulates a physical button press: one hold message, the
// configured hold delay, then one matching release message. The pairing is
// a wire protocol requirement; sending only one half or reversing the
// order makes the hub reject or mis-execute the command.
func (c *Client) ExecuteCommand(ctx context.Context, cmd hub.Command) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return hub.NewError(hub.CategoryState, "not connected", nil)
	}
	if err := cmd.Validate(); err != nil {
		return err
	}

	attempts := 1
	if c.cfg.AutoRetry {
		attempts += c.cfg.MaxRetries
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = c.pressAndRelease(ctx, cmd)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt < attempts {
			c.logger.Warn("command failed, retrying", "command", cmd.Name, "attempt", attempt, "err", lastErr)
		}
	}
	return lastErr
}

func (c *Client) pressAndRelease(ctx context.Context, cmd hub.Command) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return hub.NewError(hub.CategoryCommandExecution, "rate limit wait", err)
	}

	press := protocol.MarshalPayload(protocol.HoldAction{
		DeviceID: cmd.DeviceID, Command: cmd.Name, Status: protocol.HoldPress,
	})
	release := protocol.MarshalPayload(protocol.HoldAction{
		DeviceID: cmd.DeviceID, Command: cmd.Name, Status: protocol.HoldRelease,
	})

	if _, err := c.conn.Send(ctx, protocol.MsgHoldAction, press); err != nil {
		return hub.NewError(hub.CategoryCommandExecution, "send press for "+cmd.Name, err)
	}

	hold := time.NewTimer(c.cfg.HoldDuration)
	defer hold.Stop()
	select {
	case <-hold.C:
	case <-ctx.Done():
		// A dangling press leaves the hub holding a button; pair it with a
		// release even when the caller gave up.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _ = c.conn.Send(rctx, protocol.MsgHoldAction, release)
		cancel()
		return hub.NewError(hub.CategoryCommandExecution, "command canceled", ctx.Err())
	}

	if _, err := c.conn.Send(ctx, protocol.MsgHoldAction, release); err != nil {
		return hub.NewError(hub.CategoryCommandExecution, "send release for "+cmd.Name, err)
	}
	return nil
}
