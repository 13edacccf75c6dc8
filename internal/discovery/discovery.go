// Package discovery finds hubs on the local network. Hubs announce
// themselves with periodic UDP broadcasts; a scan passively listens for
// those announcements. Results are cached in the store so later lookups
// can skip the scan when a cached hub still answers.
package discovery

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"hubctl/internal/hub"
	"hubctl/internal/protocol"
	"hubctl/internal/store"
)

// DefaultListenAddr is the UDP address hubs broadcast announcements to.
const DefaultListenAddr = ":5224"

// Verifier checks that a previously known hub is still reachable at its
// recorded address.
type Verifier func(ctx context.Context, h hub.Hub) error

// Config holds discovery tuning knobs. Zero values take the defaults below.
type Config struct {
	ListenAddr    string        // announcement listen address (default :5224)
	ScanTimeout   time.Duration // scan ceiling (default 5s)
	SettleWindow  time.Duration // quiet period after the last new hub (default 500ms)
	VerifyTimeout time.Duration // per-hub verification budget (default 3s)
	CacheTTL      time.Duration // known-hub cache TTL (default 24h)
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.ScanTimeout == 0 {
		c.ScanTimeout = 5 * time.Second
	}
	if c.SettleWindow == 0 {
		c.SettleWindow = 500 * time.Millisecond
	}
	if c.VerifyTimeout == 0 {
		c.VerifyTimeout = 3 * time.Second
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 24 * time.Hour
	}
	return c
}

// flight is one in-progress discovery shared by all concurrent callers.
type flight struct {
	done chan struct{}
	hubs []hub.Hub
	err  error
}

// Service answers "which hubs are out there" from the cache when it can and
// from a live scan when it must.
type Service struct {
	cfg    Config
	store  store.Store
	verify Verifier
	logger *slog.Logger

	// listenPacket is swapped in tests for a loopback listener.
	listenPacket func() (net.PacketConn, error)

	mu     sync.Mutex
	flight *flight
}

// New creates a discovery service. st may be nil to disable caching; verify
// may be nil to skip cached-hub verification and always trust the cache age.
func New(cfg Config, st store.Store, verify Verifier, logger *slog.Logger) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:    cfg,
		store:  st,
		verify: verify,
		logger: logger.With("component", "discovery"),
	}
	s.listenPacket = func() (net.PacketConn, error) {
		return net.ListenPacket("udp4", cfg.ListenAddr)
	}
	return s
}

// Discover returns the known hubs. Concurrent callers share a single
// in-progress discovery. Cancelling the caller's context abandons the wait
// but lets the shared discovery run to completion, so its results still
// land in the cache for the next caller.
func (s *Service) Discover(ctx context.Context) ([]hub.Hub, error) {
	s.mu.Lock()
	f := s.flight
	if f == nil {
		f = &flight{done: make(chan struct{})}
		s.flight = f
		go s.run(f)
	}
	s.mu.Unlock()

	select {
	case <-f.done:
		return f.hubs, f.err
	case <-ctx.Done():
		return nil, hub.NewError(hub.CategoryHubCommunication, "discovery abandoned", ctx.Err())
	}
}

func (s *Service) run(f *flight) {
	f.hubs, f.err = s.discover()
	s.mu.Lock()
	s.flight = nil
	s.mu.Unlock()
	close(f.done)
}

func (s *Service) discover() ([]hub.Hub, error) {
	if hubs, ok := s.cachedHubs(); ok {
		s.logger.Debug("serving hubs from cache", "count", len(hubs))
		return hubs, nil
	}

	hubs, err := s.scan()
	if err != nil {
		return nil, err
	}
	if s.store != nil {
		// An empty scan still stamps the cache with a fresh timestamp.
		cache := &store.HubCache{Hubs: hubs, UpdatedAt: time.Now()}
		if err := s.store.SaveHubs(cache); err != nil {
			s.logger.Warn("hub cache write failed", "err", err)
		}
	}
	if len(hubs) == 0 {
		return nil, hub.NewError(hub.CategoryHubCommunication, "no hubs found", nil)
	}
	return hubs, nil
}

// cachedHubs returns the cached hub list when it is fresh, structurally
// valid, and every hub in it still verifies. Any storage failure is a cache
// miss, never an error.
func (s *Service) cachedHubs() ([]hub.Hub, bool) {
	if s.store == nil {
		return nil, false
	}
	cache, err := s.store.GetHubs()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("hub cache read failed, scanning", "err", err)
		}
		return nil, false
	}
	if cache.Expired(time.Now(), s.cfg.CacheTTL) || len(cache.Hubs) == 0 {
		return nil, false
	}
	if err := cache.Validate(); err != nil {
		// One corrupt record poisons the whole cache.
		s.logger.Warn("discarding corrupt hub cache", "err", err)
		if err := s.store.DeleteHubs(); err != nil {
			s.logger.Warn("hub cache delete failed", "err", err)
		}
		return nil, false
	}
	if s.verify == nil {
		return cache.Hubs, true
	}

	// Hubs that fail verification are dropped; as long as at least one still
	// answers, the scan is skipped.
	verified := make([]hub.Hub, 0, len(cache.Hubs))
	for _, h := range cache.Hubs {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.VerifyTimeout)
		err := s.verify(ctx, h)
		cancel()
		if err != nil {
			s.logger.Info("dropping cached hub, verification failed", "hub", h.ID, "err", err)
			continue
		}
		verified = append(verified, h)
	}
	if len(verified) == 0 {
		return nil, false
	}
	return verified, true
}

// scan listens for announcement datagrams until the ceiling elapses, or
// until a settle window passes with no new hub after at least one was
// heard. Hubs are deduplicated by their reported id.
func (s *Service) scan() ([]hub.Hub, error) {
	conn, err := s.listenPacket()
	if err != nil {
		return nil, hub.NewError(hub.CategoryConnection, "open announcement listener", err)
	}
	defer conn.Close()

	ceiling := time.Now().Add(s.cfg.ScanTimeout)
	var settle time.Time
	seen := make(map[string]bool)
	var hubs []hub.Hub
	buf := make([]byte, 4096)

	for {
		deadline := ceiling
		if !settle.IsZero() && settle.Before(deadline) {
			deadline = settle
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, hub.NewError(hub.CategoryConnection, "set listener deadline", err)
		}

		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return nil, hub.NewError(hub.CategoryConnection, "read announcement", err)
		}

		h, err := protocol.ParseAnnouncement(buf[:n])
		if err != nil {
			s.logger.Debug("ignoring malformed announcement", "from", addr, "err", err)
			continue
		}
		if seen[h.ID] {
			continue
		}
		seen[h.ID] = true
		hubs = append(hubs, h)
		s.logger.Info("hub announced", "hub", h.ID, "name", h.Name, "address", h.Address)
		settle = time.Now().Add(s.cfg.SettleWindow)
	}

	return hubs, nil
}
