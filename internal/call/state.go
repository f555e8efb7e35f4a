package call

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pmoura/chirp/internal/bus"
)

// Status represents a call lifecycle state.
type Status string

const (
	Idle       Status = "IDLE"
	Initiating Status = "INITIATING"
	Ringing    Status = "RINGING"
	Connecting Status = "CONNECTING"
	Connected  Status = "CONNECTED"
	Ended      Status = "ENDED"
	Failed     Status = "FAILED"
)

// validTransitions defines allowed state transitions. Incoming calls enter
// at Ringing directly; Ended and Failed always route back to Idle after
// cleanup.
var validTransitions = map[Status][]Status{
	Idle:       {Initiating, Ringing},
	Initiating: {Ringing, Ended, Failed},
	Ringing:    {Connecting, Ended, Failed},
	Connecting: {Connected, Ended, Failed},
	Connected:  {Ended, Failed},
	Ended:      {Idle},
	Failed:     {Idle},
}

// Machine tracks and enforces call state transitions.
type Machine struct {
	mu      sync.RWMutex
	current Status
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Idle.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current status.
func (m *Machine) Current() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new status. Returns error if transition is invalid.
func (m *Machine) Transition(to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid call transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Emit(bus.KindCallStatus, StatusChange{From: from, To: to})
	}
	return nil
}

// StatusChange is the payload for call status events.
type StatusChange struct {
	From Status
	To   Status
}
