// Package barrier implements per-phase rendezvous: a barrier opens for
// a snapshot of participating agents, releases once every participant
// has acknowledged, or times out at a deadline.
package barrier

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is a barrier's lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusReleased  Status = "released"
	StatusTimedOut  Status = "timed_out"
)

// DefaultDeadline is the barrier wait default (spec §4.C6).
const DefaultDeadline = 120 * time.Second

// ErrNotFound is returned for operations on an unknown barrier id.
var ErrNotFound = errors.New("barrier: not found")

// Barrier is a single phase-transition rendezvous.
type Barrier struct {
	ID                   string
	PhaseIndex           int
	RequiredAgentIDs     []string
	AcknowledgedAgentIDs []string
	Deadline             time.Time
	Status               Status
}

// acked reports whether agentID has already acknowledged.
func (b *Barrier) acked(agentID string) bool {
	for _, a := range b.AcknowledgedAgentIDs {
		if a == agentID {
			return true
		}
	}
	return false
}

// satisfied reports whether every required agent has acknowledged.
func (b *Barrier) satisfied() bool {
	for _, req := range b.RequiredAgentIDs {
		if !b.acked(req) {
			return false
		}
	}
	return true
}

// Manager tracks all barriers opened during a session.
type Manager struct {
	mu       sync.Mutex
	barriers map[string]*Barrier
	nextID   int
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{barriers: map[string]*Barrier{}}
}

// OpenBarrier creates a barrier for phaseIndex requiring acks from
// participants, with the given deadline duration from now.
func (m *Manager) OpenBarrier(phaseIndex int, participants []string, deadline time.Duration) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	m.nextID++
	id := fmt.Sprintf("barrier-%d-%d", phaseIndex, m.nextID)
	m.barriers[id] = &Barrier{
		ID:               id,
		PhaseIndex:       phaseIndex,
		RequiredAgentIDs: append([]string(nil), participants...),
		Deadline:         time.Now().UTC().Add(deadline),
		Status:           StatusOpen,
	}
	return id
}

// RecordAck is idempotent: acknowledging twice, or acknowledging after
// release, is not an error.
func (m *Manager) RecordAck(barrierID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.barriers[barrierID]
	if !ok {
		return ErrNotFound
	}
	if b.Status != StatusOpen {
		return nil
	}
	if !b.acked(agentID) {
		b.AcknowledgedAgentIDs = append(b.AcknowledgedAgentIDs, agentID)
	}
	if b.satisfied() {
		b.Status = StatusReleased
	}
	return nil
}

// RemoveParticipant drops agentID from a barrier's required set, used
// when the agent goes down mid-barrier so it no longer blocks release.
func (m *Manager) RemoveParticipant(barrierID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.barriers[barrierID]
	if !ok {
		return ErrNotFound
	}
	if b.Status != StatusOpen {
		return nil
	}
	for i, a := range b.RequiredAgentIDs {
		if a == agentID {
			b.RequiredAgentIDs = append(b.RequiredAgentIDs[:i], b.RequiredAgentIDs[i+1:]...)
			break
		}
	}
	if b.satisfied() {
		b.Status = StatusReleased
	}
	return nil
}

// Status returns the current status of barrierID.
func (m *Manager) Status(barrierID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.barriers[barrierID]
	if !ok {
		return "", ErrNotFound
	}
	return b.Status, nil
}

// Stragglers returns the required agents that never acknowledged.
func (m *Manager) Stragglers(barrierID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.barriers[barrierID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []string
	for _, req := range b.RequiredAgentIDs {
		if !b.acked(req) {
			out = append(out, req)
		}
	}
	return out, nil
}

// CheckTimeouts transitions any still-open barrier past its deadline
// to timed_out and returns the ids that just transitioned. A barrier
// is never retried once it leaves open (spec §4.C6).
func (m *Manager) CheckTimeouts(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var timedOut []string
	for id, b := range m.barriers {
		if b.Status == StatusOpen && now.After(b.Deadline) {
			b.Status = StatusTimedOut
			timedOut = append(timedOut, id)
		}
	}
	return timedOut
}

// PhaseIndexOf returns the phase index a barrier was opened for, used
// by the objective's BarrierReleased callback.
func (m *Manager) PhaseIndexOf(barrierID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.barriers[barrierID]
	if !ok {
		return 0, ErrNotFound
	}
	return b.PhaseIndex, nil
}

// Snapshot returns a copy of every barrier opened this session, for
// read-only introspection (e.g. the monitoring API).
func (m *Manager) Snapshot() []Barrier {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Barrier, 0, len(m.barriers))
	for _, b := range m.barriers {
		cp := *b
		cp.RequiredAgentIDs = append([]string(nil), b.RequiredAgentIDs...)
		cp.AcknowledgedAgentIDs = append([]string(nil), b.AcknowledgedAgentIDs...)
		out = append(out, cp)
	}
	return out
}

// ReleasedOrTimedOutForPhase reports whether at least one barrier was
// opened for phaseIndex and none of them is still open, satisfying
// invariant I3.
func (m *Manager) ReleasedOrTimedOutForPhase(phaseIndex int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, b := range m.barriers {
		if b.PhaseIndex != phaseIndex {
			continue
		}
		found = true
		if b.Status == StatusOpen {
			return false
		}
	}
	return found
}
