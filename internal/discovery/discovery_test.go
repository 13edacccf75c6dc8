package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hubctl/internal/hub"
	"hubctl/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is an in-memory store.Store for tests.
type memStore struct {
	mu      sync.Mutex
	hubs    *store.HubCache
	configs map[string]*hub.CachedConfig
}

func newMemStore() *memStore {
	return &memStore{configs: make(map[string]*hub.CachedConfig)}
}

func (m *memStore) SaveHubs(cache *store.HubCache) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hubs = cache
	return nil
}

func (m *memStore) GetHubs() (*store.HubCache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hubs == nil {
		return nil, store.ErrNotFound
	}
	return m.hubs, nil
}

func (m *memStore) DeleteHubs() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hubs = nil
	return nil
}

func (m *memStore) SaveConfig(hubID string, cfg *hub.CachedConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[hubID] = cfg
	return nil
}

func (m *memStore) GetConfig(hubID string) (*hub.CachedConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[hubID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cfg, nil
}

func (m *memStore) DeleteConfig(hubID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs, hubID)
	return nil
}

func (m *memStore) Close() error { return nil }

func announceJSON(id, name, ip string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"friendly_name":%q,"ip":%q,"port":8088,"info":{"fw_version":"4.15.250","protocol_version":"1.0"}}`,
		id, name, ip))
}

// useLoopbackListener rewires the service onto a fresh loopback UDP socket
// and returns a sender aimed at it.
func useLoopbackListener(t *testing.T, s *Service) func(data []byte) {
	t.Helper()
	addrCh := make(chan net.Addr, 1)
	s.listenPacket = func() (net.PacketConn, error) {
		conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		addrCh <- conn.LocalAddr()
		return conn, nil
	}
	return func(data []byte) {
		var addr net.Addr
		select {
		case addr = <-addrCh:
			addrCh <- addr
		case <-time.After(2 * time.Second):
			t.Error("listener never opened")
			return
		}
		conn, err := net.Dial("udp4", addr.String())
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		if _, err := conn.Write(data); err != nil {
			t.Error(err)
		}
	}
}

func fastService(t *testing.T, st store.Store, verify Verifier) *Service {
	t.Helper()
	return New(Config{
		ScanTimeout:  2 * time.Second,
		SettleWindow: 100 * time.Millisecond,
	}, st, verify, newTestLogger())
}

func TestScanCollectsAndDeduplicates(t *testing.T) {
	st := newMemStore()
	s := fastService(t, st, nil)
	send := useLoopbackListener(t, s)

	go func() {
		time.Sleep(20 * time.Millisecond)
		send(announceJSON("h-1", "Den", "10.0.0.5"))
		send([]byte(`{"id":"broken"`)) // malformed, ignored
		// Duplicate id from a different address still counts as one hub.
		send(announceJSON("h-1", "Den", "10.0.0.77"))
		send(announceJSON("h-2", "Bedroom", "10.0.0.9"))
	}()

	start := time.Now()
	hubs, err := s.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(hubs) != 2 || hubs[0].ID != "h-1" || hubs[1].ID != "h-2" {
		t.Fatalf("got %+v", hubs)
	}
	// The settle window should end the scan well before the ceiling.
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("scan took %v, settle window did not kick in", elapsed)
	}

	cache, err := st.GetHubs()
	if err != nil {
		t.Fatal(err)
	}
	if len(cache.Hubs) != 2 {
		t.Errorf("cached %d hubs, want 2", len(cache.Hubs))
	}
	if time.Since(cache.UpdatedAt) > time.Minute {
		t.Errorf("cache timestamp not refreshed: %v", cache.UpdatedAt)
	}
}

func TestNoHubsFound(t *testing.T) {
	st := newMemStore()
	s := New(Config{ScanTimeout: 100 * time.Millisecond}, st, nil, newTestLogger())
	useLoopbackListener(t, s)

	_, err := s.Discover(context.Background())
	if hub.CategoryOf(err) != hub.CategoryHubCommunication {
		t.Errorf("category = %q, want hub_communication", hub.CategoryOf(err))
	}

	// The empty result is still written back with a fresh timestamp.
	cache, err := st.GetHubs()
	if err != nil {
		t.Fatal(err)
	}
	if len(cache.Hubs) != 0 {
		t.Errorf("cached %d hubs after an empty scan", len(cache.Hubs))
	}
	if time.Since(cache.UpdatedAt) > time.Minute {
		t.Errorf("cache timestamp not refreshed: %v", cache.UpdatedAt)
	}
}

func TestCachedHubsSkipScan(t *testing.T) {
	st := newMemStore()
	st.SaveHubs(&store.HubCache{
		Hubs:      []hub.Hub{{ID: "h-1", Name: "Den", Address: "10.0.0.5", Port: 8088}},
		UpdatedAt: time.Now(),
	})

	var verified atomic.Int32
	verify := func(ctx context.Context, h hub.Hub) error {
		verified.Add(1)
		return nil
	}
	s := fastService(t, st, verify)
	var scanned atomic.Bool
	s.listenPacket = func() (net.PacketConn, error) {
		scanned.Store(true)
		return nil, errors.New("should not scan")
	}

	hubs, err := s.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(hubs) != 1 || hubs[0].ID != "h-1" {
		t.Fatalf("got %+v", hubs)
	}
	if verified.Load() != 1 {
		t.Errorf("verify called %d times, want 1", verified.Load())
	}
	if scanned.Load() {
		t.Error("scan ran despite a fresh verified cache")
	}
}

func TestVerificationFailureForcesScan(t *testing.T) {
	st := newMemStore()
	st.SaveHubs(&store.HubCache{
		Hubs:      []hub.Hub{{ID: "h-1", Name: "Den", Address: "10.0.0.5"}},
		UpdatedAt: time.Now(),
	})
	verify := func(ctx context.Context, h hub.Hub) error {
		return errors.New("unreachable")
	}
	s := New(Config{ScanTimeout: time.Second, SettleWindow: 50 * time.Millisecond}, st, verify, newTestLogger())
	send := useLoopbackListener(t, s)

	go func() {
		time.Sleep(20 * time.Millisecond)
		send(announceJSON("h-1", "Den", "10.0.0.42"))
	}()

	hubs, err := s.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(hubs) != 1 || hubs[0].Address != "10.0.0.42" {
		t.Fatalf("got %+v, want rediscovered address", hubs)
	}
}

func TestUnverifiableHubsAreDroppedFromCacheResult(t *testing.T) {
	st := newMemStore()
	st.SaveHubs(&store.HubCache{
		Hubs: []hub.Hub{
			{ID: "h-1", Name: "Den", Address: "10.0.0.5"},
			{ID: "h-2", Name: "Bedroom", Address: "10.0.0.9"},
		},
		UpdatedAt: time.Now(),
	})
	verify := func(ctx context.Context, h hub.Hub) error {
		if h.ID == "h-2" {
			return errors.New("unreachable")
		}
		return nil
	}
	s := fastService(t, st, verify)
	var scanned atomic.Bool
	s.listenPacket = func() (net.PacketConn, error) {
		scanned.Store(true)
		return nil, errors.New("should not scan")
	}

	hubs, err := s.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(hubs) != 1 || hubs[0].ID != "h-1" {
		t.Fatalf("got %+v, want only the verified hub", hubs)
	}
	if scanned.Load() {
		t.Error("scan ran although one cached hub verified")
	}
}

func TestCorruptCacheIsDiscardedWholesale(t *testing.T) {
	st := newMemStore()
	st.SaveHubs(&store.HubCache{
		Hubs: []hub.Hub{
			{ID: "h-1", Name: "Den", Address: "10.0.0.5"},
			{ID: "h-2"}, // missing name and address
		},
		UpdatedAt: time.Now(),
	})
	s := New(Config{ScanTimeout: time.Second, SettleWindow: 50 * time.Millisecond}, st, nil, newTestLogger())
	send := useLoopbackListener(t, s)

	go func() {
		time.Sleep(20 * time.Millisecond)
		send(announceJSON("h-3", "Kitchen", "10.0.0.7"))
	}()

	hubs, err := s.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(hubs) != 1 || hubs[0].ID != "h-3" {
		t.Fatalf("got %+v", hubs)
	}

	cache, err := st.GetHubs()
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range cache.Hubs {
		if h.ID == "h-1" || h.ID == "h-2" {
			t.Errorf("corrupt cache record %q survived", h.ID)
		}
	}
}

func TestExpiredCacheForcesScan(t *testing.T) {
	st := newMemStore()
	st.SaveHubs(&store.HubCache{
		Hubs:      []hub.Hub{{ID: "h-1", Name: "Den", Address: "10.0.0.5"}},
		UpdatedAt: time.Now().Add(-25 * time.Hour),
	})
	s := New(Config{ScanTimeout: time.Second, SettleWindow: 50 * time.Millisecond}, st, nil, newTestLogger())
	send := useLoopbackListener(t, s)

	go func() {
		time.Sleep(20 * time.Millisecond)
		send(announceJSON("h-1", "Den", "10.0.0.5"))
	}()

	if _, err := s.Discover(context.Background()); err != nil {
		t.Fatal(err)
	}
	cache, _ := st.GetHubs()
	if cache == nil || time.Since(cache.UpdatedAt) > time.Minute {
		t.Error("cache timestamp not refreshed by rescan")
	}
}

func TestConcurrentCallersShareOneScan(t *testing.T) {
	s := New(Config{ScanTimeout: 200 * time.Millisecond}, nil, nil, newTestLogger())
	var opens atomic.Int32
	s.listenPacket = func() (net.PacketConn, error) {
		opens.Add(1)
		return net.ListenPacket("udp4", "127.0.0.1:0")
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Discover(context.Background())
			if hub.CategoryOf(err) != hub.CategoryHubCommunication {
				t.Errorf("category = %q", hub.CategoryOf(err))
			}
		}()
	}
	wg.Wait()

	if n := opens.Load(); n != 1 {
		t.Errorf("listener opened %d times, want 1", n)
	}
}

func TestCallerCancellationAbandonsWait(t *testing.T) {
	s := New(Config{ScanTimeout: 500 * time.Millisecond}, nil, nil, newTestLogger())
	useLoopbackListener(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := s.Discover(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 300*time.Millisecond {
		t.Errorf("cancelled caller waited %v", elapsed)
	}
}
