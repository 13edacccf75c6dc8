// Package session coordinates one control session: discovery, connection
// bring-up, and the operations available once connected. Session progress is
// published as a stream of loading states that UIs can subscribe to.
package session

import (
	"log/slog"
	"sync"
)

// Stage identifies where in its lifecycle the session currently is.
type Stage string

// Lifecycle stages. The bring-up sequence runs initial, discovering,
// connecting, loading-devices, loading-activities, connected; any failure
// lands in error. The remaining stages are transient excursions from
// connected and return there when the operation finishes.
const (
	StageInitial           Stage = "initial"
	StageDiscovering       Stage = "discovering"
	StageConnecting        Stage = "connecting"
	StageLoadingDevices    Stage = "loading-devices"
	StageLoadingActivities Stage = "loading-activities"
	StageConnected         Stage = "connected"
	StageError             Stage = "error"

	StageExecutingCommand Stage = "executing-command"
	StageStartingActivity Stage = "starting-activity"
	StageStoppingActivity Stage = "stopping-activity"
	StageRefreshing       Stage = "refreshing"
)

// LoadingState is one published snapshot of session progress.
type LoadingState struct {
	Stage    Stage   `json:"stage"`
	Progress float64 `json:"progress"` // fraction in [0,1]
	Message  string  `json:"message,omitempty"`
	Err      error   `json:"-"`
}

// Handler is a callback for state updates.
type Handler func(LoadingState)

// Bus publishes loading states to subscribers and remembers the latest one
// so late subscribers can catch up. Within a single operation progress never
// moves backwards; a regressing update keeps the previous progress value.
type Bus struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	nextID   uint64
	latest   LoadingState
	logger   *slog.Logger
}

// NewBus creates a state bus starting at the initial stage.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[uint64]Handler),
		latest:   LoadingState{Stage: StageInitial},
		logger:   logger,
	}
}

// Subscribe registers a handler for state updates.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// Latest returns the most recently published state.
func (b *Bus) Latest() LoadingState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest
}

// publish records st as the latest state and fans it out to subscribers.
// Handlers are called synchronously; a panicking handler is recovered.
func (b *Bus) publish(st LoadingState) {
	b.mu.Lock()
	if st.Stage == b.latest.Stage && st.Progress < b.latest.Progress {
		st.Progress = b.latest.Progress
	}
	b.latest = st
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("state handler panic", "stage", st.Stage, "panic", r)
				}
			}()
			h(st)
		}()
	}
}
