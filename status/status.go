// Package status implements the Machine Status Manager (spec.md §4.8): a
// lightweight pull-based aggregator of the latest known state per port,
// read by the REST layer and never written back to a Controller.
package status

import (
	"sync"
	"time"

	"github.com/rsteckler/AxioCNC-sub004/machine"
	"github.com/rsteckler/AxioCNC-sub004/protocol"
	"github.com/rsteckler/AxioCNC-sub004/workflow"
)

// ControllerState mirrors the subset of parser/status state clients poll
// for most often (spec.md §4.8).
type ControllerState struct {
	ActiveState string
	MPos        protocol.Position
	WPos        protocol.Position
}

// Entry is the latest known state for one port.
type Entry struct {
	Connected        bool
	ControllerType   string
	IsHomed          bool
	IsJobRunning     bool
	HomingInProgress bool
	ControllerState  ControllerState
	WorkflowState    workflow.State
	LastUpdate       time.Time
}

// Manager aggregates the latest Entry per port. It subscribes to every
// Controller's event stream via hub.Hub (Manager implements hub.Session)
// and never issues commands of its own.
type Manager struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{entries: make(map[string]Entry)}
}

// ID implements hub.Session.
func (m *Manager) ID() string { return "status-manager" }

// Deliver implements hub.Session: applies one Controller event to the
// aggregated Entry for its port.
func (m *Manager) Deliver(e machine.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.entries[e.Port]
	entry.WorkflowState = e.WorkflowState
	entry.IsHomed = e.Homed
	entry.HomingInProgress = e.HomingInProgress
	entry.IsJobRunning = e.WorkflowState == workflow.Running
	entry.LastUpdate = time.Now()

	switch e.Name {
	case machine.EventSerialOpen:
		entry.Connected = true
	case machine.EventSerialClose:
		entry.Connected = false
	case machine.EventMachineStatus:
		if e.Status != nil {
			entry.ControllerState.ActiveState = e.Status.State
			if e.Status.MPos != nil {
				entry.ControllerState.MPos = *e.Status.MPos
			}
			if e.Status.WPos != nil {
				entry.ControllerState.WPos = *e.Status.WPos
			}
		}
	}

	m.entries[e.Port] = entry
}

// Get returns the latest Entry for port, or ok=false if nothing has been
// recorded for it yet (no session has opened it).
func (m *Manager) Get(port string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[port]
	return e, ok
}

// All returns a copy of every known port's Entry, keyed by port.
func (m *Manager) All() map[string]Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Entry, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}
