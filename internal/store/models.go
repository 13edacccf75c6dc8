package store

import (
	"time"

	"hubctl/internal/hub"
)

// HubCache is the persisted list of known hubs with its capture time.
type HubCache struct {
	Hubs      []hub.Hub `json:"hubs"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the cache is older than ttl at time now.
func (c *HubCache) Expired(now time.Time, ttl time.Duration) bool {
	if c == nil {
		return true
	}
	return now.Sub(c.UpdatedAt) > ttl
}

// Validate checks every cached hub record. A single structurally invalid
// record invalidates the whole cache.
func (c *HubCache) Validate() error {
	for _, h := range c.Hubs {
		if err := h.Validate(); err != nil {
			return err
		}
	}
	return nil
}
