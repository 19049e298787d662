package core

import (
	"fmt"
	"sync"
)

// ClusterState is the lifecycle position of one instance.
type ClusterState int32

const (
	StateUninitialized ClusterState = iota
	StateInitialized
	StateStarting
	StateReady
	StateStopping
	StateStopped
	StateFailed
)

func (s ClusterState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ClusterState(%d)", int32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s ClusterState) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// canTransition reports whether from -> to is allowed. States advance one
// step at a time; Failed is reachable from every non-terminal state.
func canTransition(from, to ClusterState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return to == from+1 && to <= StateStopped
}

// stateMachine holds exactly one ClusterState. The zero value is
// StateUninitialized.
type stateMachine struct {
	mu     sync.Mutex
	state  ClusterState
	reason error
}

// get returns the current state and, for StateFailed, the failure reason.
func (m *stateMachine) get() (ClusterState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.reason
}

// advance moves to the given state or returns ErrInvalidTransition.
func (m *stateMachine) advance(to ClusterState) error {
	if to == StateFailed {
		return ErrInvalidTransition.With("use fail to enter %s", StateFailed)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !canTransition(m.state, to) {
		return ErrInvalidTransition.With("%s -> %s", m.state, to)
	}
	m.state = to
	return nil
}

// fail moves to StateFailed. Failing a terminal state keeps it and reports
// false.
func (m *stateMachine) fail(reason error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return false
	}
	m.state = StateFailed
	m.reason = reason
	return true
}
