// Package connectivity tracks device network reachability and emits
// transition events to subscribers.
package connectivity

import (
	"sync"

	"github.com/kimhsiao/exposurelog/internal/broadcast"
	"github.com/kimhsiao/exposurelog/internal/logging"
)

// Type is the kind of the active network connection.
type Type string

const (
	TypeWiFi     Type = "wifi"
	TypeCellular Type = "cellular"
	TypeOther    Type = "other"
	TypeNone     Type = "none"
)

// ParseType maps a config string to a Type, defaulting to TypeOther.
func ParseType(s string) Type {
	switch Type(s) {
	case TypeWiFi, TypeCellular, TypeNone:
		return Type(s)
	default:
		return TypeOther
	}
}

// State is a connectivity snapshot as reported by the platform.
type State struct {
	IsConnected    bool `json:"is_connected"`
	ConnectionType Type `json:"connection_type"`
}

// Offline is the state of a device with no network.
var Offline = State{IsConnected: false, ConnectionType: TypeNone}

// IsWiFi reports whether the device is connected over WiFi.
func (s State) IsWiFi() bool {
	return s.IsConnected && s.ConnectionType == TypeWiFi
}

// Transition describes a change between two states.
type Transition struct {
	Previous State
	Current  State
}

// CameOnline reports an offline→online transition.
func (t Transition) CameOnline() bool {
	return !t.Previous.IsConnected && t.Current.IsConnected
}

// WentOffline reports an online→offline transition.
func (t Transition) WentOffline() bool {
	return t.Previous.IsConnected && !t.Current.IsConnected
}

// BecameWiFi reports that WiFi is now active and was not before.
func (t Transition) BecameWiFi() bool {
	return t.Current.IsWiFi() && !t.Previous.IsWiFi()
}

// Monitor holds the current connectivity state. The platform feeds it via
// Update; consumers read it with Current or Subscribe to transitions.
type Monitor struct {
	mu        sync.RWMutex
	state     State
	listeners broadcast.Set[Transition]
}

// NewMonitor creates a Monitor starting in the given state.
func NewMonitor(initial State) *Monitor {
	return &Monitor{state: initial}
}

// Current returns the latest known state.
func (m *Monitor) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOnline is shorthand for Current().IsConnected.
func (m *Monitor) IsOnline() bool {
	return m.Current().IsConnected
}

// Update records a new state and notifies subscribers if it differs from
// the previous one. It returns true when a transition was emitted.
func (m *Monitor) Update(s State) bool {
	if !s.IsConnected {
		s.ConnectionType = TypeNone
	}

	m.mu.Lock()
	prev := m.state
	if prev == s {
		m.mu.Unlock()
		return false
	}
	m.state = s
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{
		"was_connected":   prev.IsConnected,
		"is_connected":    s.IsConnected,
		"connection_type": string(s.ConnectionType),
	})

	m.listeners.Notify(Transition{Previous: prev, Current: s})
	return true
}

// Subscribe registers fn for every future transition.
func (m *Monitor) Subscribe(fn func(Transition)) (unsubscribe func()) {
	return m.listeners.Add(fn)
}
