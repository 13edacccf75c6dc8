package store

import (
	"errors"

	"hubctl/internal/hub"
)

// ErrNotFound is returned when a requested cache record does not exist.
var ErrNotFound = errors.New("not found")

// Store persists the two expiring cache records: the list of known hubs and,
// per hub, its devices+activities snapshot. Each record is a timestamped
// blob invalidated wholesale — readers never trust a record partially.
type Store interface {
	// Known-hub cache
	SaveHubs(cache *HubCache) error
	GetHubs() (*HubCache, error)
	DeleteHubs() error

	// Per-hub configuration snapshots
	SaveConfig(hubID string, cfg *hub.CachedConfig) error
	GetConfig(hubID string) (*hub.CachedConfig, error)
	DeleteConfig(hubID string) error

	// Close the store
	Close() error
}
