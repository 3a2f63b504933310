// Package status models the engine's connection lifecycle as a validated
// state machine. The projection's network quality and syncing flags are
// derived from the current state, so every chat shows a consistent
// connectivity picture.
package status

import (
	"fmt"
	"sync"

	"github.com/tarekmestiri/souqtalk/internal/bus"
	"github.com/tarekmestiri/souqtalk/internal/chatstate"
	"github.com/tarekmestiri/souqtalk/internal/faults"
	"go.uber.org/zap"
)

// State is a connection lifecycle stage.
type State string

const (
	StateBooting      State = "booting"
	StateConnecting   State = "connecting"
	StateSyncing      State = "syncing"
	StateReady        State = "ready"
	StateReconnecting State = "reconnecting"
	StateDegraded     State = "degraded"
	StateError        State = "error"
)

var validTransitions = map[State][]State{
	StateBooting:      {StateConnecting, StateError},
	StateConnecting:   {StateSyncing, StateReconnecting, StateError},
	StateSyncing:      {StateReady, StateDegraded, StateReconnecting, StateError},
	StateReady:        {StateSyncing, StateDegraded, StateReconnecting, StateError},
	StateReconnecting: {StateConnecting, StateError},
	StateDegraded:     {StateReady, StateSyncing, StateReconnecting, StateError},
	StateError:        {StateConnecting},
}

// Machine tracks the connection state and pushes the derived network
// picture onto the chat projection.
type Machine struct {
	mu      sync.Mutex
	current State
	bus     *bus.Bus
	chats   *chatstate.Store
	logger  *zap.Logger
}

// NewMachine creates a machine in the Booting state.
func NewMachine(b *bus.Bus, chats *chatstate.Store, logger *zap.Logger) *Machine {
	return &Machine{current: StateBooting, bus: b, chats: chats, logger: logger}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Set transitions to the given state, rejecting transitions the lifecycle
// does not allow.
func (m *Machine) Set(to State) error {
	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !allowed(from, to) {
		m.mu.Unlock()
		return faults.New(faults.StateConflict, "status.set",
			fmt.Errorf("no transition %s -> %s", from, to))
	}
	m.current = to
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("connection state changed",
			zap.String("from", string(from)),
			zap.String("to", string(to)))
	}
	if m.bus != nil {
		m.bus.Emit(bus.KindSessionStatus, map[string]string{
			"from": string(from),
			"to":   string(to),
		})
	}
	if m.chats != nil {
		m.chats.SetNetwork(NetworkQuality(to), to == StateSyncing)
	}
	return nil
}

// NetworkQuality maps a connection state to the quality shown per chat.
func NetworkQuality(s State) string {
	switch s {
	case StateReady, StateSyncing:
		return "good"
	case StateDegraded:
		return "poor"
	}
	return "offline"
}

func allowed(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
