// Package tracker implements per-device enter/exit detection.
package tracker

import (
	"sync"

	"geotrack/internal/model"
)

type State int

const (
	Unknown State = iota
	Inside
	Outside
)

func (s State) String() string {
	switch s {
	case Inside:
		return "inside"
	case Outside:
		return "outside"
	default:
		return "unknown"
	}
}

func stateFor(inside bool) State {
	if inside {
		return Inside
	}
	return Outside
}

// Machine is the two-state containment machine for a single stream of
// observations. The zero value starts in Unknown.
type Machine struct {
	state State
}

// Next returns the state and transition that observing inside would produce
// without applying it.
func (m *Machine) Next(inside bool) (State, model.TransitionType, bool) {
	next := stateFor(inside)
	if m.state == Unknown || m.state == next {
		return next, "", false
	}
	if inside {
		return next, model.TransitionEntered, true
	}
	return next, model.TransitionExited, true
}

// Observe applies one observation. The first observation never emits.
func (m *Machine) Observe(inside bool) (model.TransitionType, bool) {
	next, tr, ok := m.Next(inside)
	m.state = next
	return tr, ok
}

type entry struct {
	mu      sync.Mutex
	machine Machine
}

// Tracker keeps one Machine per device. Each device has its own lock, so
// updates for one device are serialized while different devices proceed
// independently.
type Tracker struct {
	mu      sync.RWMutex
	devices map[string]*entry
}

func New() *Tracker {
	return &Tracker{devices: make(map[string]*entry)}
}

func (t *Tracker) entry(deviceID string) *entry {
	t.mu.RLock()
	e, ok := t.devices[deviceID]
	t.mu.RUnlock()
	if ok {
		return e
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.devices[deviceID]; ok {
		return e
	}
	e = &entry{}
	t.devices[deviceID] = e
	return e
}

// Observe feeds one containment observation for deviceID. persist runs while
// the device is locked, before the new state is committed; if persist fails
// the device state is left unchanged and the error is returned. A nil
// persist always commits.
func (t *Tracker) Observe(deviceID string, inside bool, persist func() error) (model.TransitionType, bool, error) {
	e := t.entry(deviceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	next, tr, changed := e.machine.Next(inside)
	if persist != nil {
		if err := persist(); err != nil {
			return "", false, err
		}
	}
	e.machine.state = next
	return tr, changed, nil
}

// State returns the current state of deviceID, Unknown if never observed.
func (t *Tracker) State(deviceID string) State {
	t.mu.RLock()
	e, ok := t.devices[deviceID]
	t.mu.RUnlock()
	if !ok {
		return Unknown
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.machine.state
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.devices)
}

// Reset forgets every device, as a process restart would.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.devices = make(map[string]*entry)
	t.mu.Unlock()
}

// Replay feeds an ordered sequence of containment observations through m
// and returns the index and type of each transition. A zero Machine treats
// the first observation as a seed; a Machine that already observed a prior
// row reports a crossing at index 0.
func (m *Machine) Replay(observations []bool) []Step {
	var out []Step
	for i, inside := range observations {
		if tr, ok := m.Observe(inside); ok {
			out = append(out, Step{Index: i, Type: tr})
		}
	}
	return out
}

type Step struct {
	Index int
	Type  model.TransitionType
}
