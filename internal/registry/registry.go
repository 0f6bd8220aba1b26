// Package registry tracks agents that have joined the session, their
// heartbeat liveness, and their pending task ownership, reaping
// unresponsive agents and surfacing their orphaned work.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is an agent's lifecycle state.
type State string

const (
	StateRegistered State = "registered"
	StateActive     State = "active"
	StateDraining   State = "draining"
	StateDown       State = "down"
	StateRetired    State = "retired"
)

// MissedHeartbeatsBeforeDown is the reap threshold (spec §4.C4).
const MissedHeartbeatsBeforeDown = 3

// ErrCapacityExceeded is returned by Register once max_parallel_agents
// active/registered agents already exist.
var ErrCapacityExceeded = errors.New("registry: max_parallel_agents exceeded")

// ErrNotFound is returned for operations on an unknown agent id.
var ErrNotFound = errors.New("registry: agent not found")

// Agent is one participant in the session.
type Agent struct {
	ID              string
	Type            string
	State           State
	LastHeartbeatAt time.Time
	LastCheckinAt   time.Time
	AssignedPhases  []string
	CurrentTask     any
	ToolCallCount   uint64
	PendingTasks    []string
}

// DownEvent is emitted when Reap transitions an agent to down.
type DownEvent struct {
	AgentID      string
	OrphanTasks  []string
}

// Registry is the coordinator's in-memory view of session agents; it
// is authoritative only while the coordinator holds its lease.
type Registry struct {
	mu               sync.Mutex
	agents           map[string]*Agent
	nextID           int
	maxParallel      int
	heartbeatInterval time.Duration
}

// New creates a Registry admitting at most maxParallel agents, with
// the given expected heartbeat cadence used by Reap.
func New(maxParallel int, heartbeatInterval time.Duration) *Registry {
	return &Registry{
		agents:            map[string]*Agent{},
		maxParallel:       maxParallel,
		heartbeatInterval: heartbeatInterval,
	}
}

// Register admits a new agent and returns its assigned id.
func (r *Registry) Register(agentType string, assignedPhases []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.countLive() >= r.maxParallel {
		return "", ErrCapacityExceeded
	}

	r.nextID++
	id := fmt.Sprintf("agent-%d", r.nextID)
	now := time.Now().UTC()
	r.agents[id] = &Agent{
		ID:              id,
		Type:            agentType,
		State:           StateRegistered,
		LastHeartbeatAt: now,
		AssignedPhases:  append([]string(nil), assignedPhases...),
	}
	return id, nil
}

func (r *Registry) countLive() int {
	n := 0
	for _, a := range r.agents {
		if a.State == StateRegistered || a.State == StateActive || a.State == StateDraining {
			n++
		}
	}
	return n
}

// RecordHeartbeat updates liveness and transitions registered → active
// on first contact.
func (r *Registry) RecordHeartbeat(agentID, phase string, toolCallCount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.LastHeartbeatAt = time.Now().UTC()
	a.ToolCallCount = toolCallCount
	if a.State == StateRegistered {
		a.State = StateActive
	}
	return nil
}

// RecordCheckin timestamps the agent's most recent check-in.
func (r *Registry) RecordCheckin(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.LastCheckinAt = time.Now().UTC()
	return nil
}

// Reap marks agents down after MissedHeartbeatsBeforeDown consecutive
// missed heartbeats (spec §4.C4, §8 P4) and returns one DownEvent per
// newly-downed agent, carrying its pending tasks for orphan recovery.
func (r *Registry) Reap(now time.Time) []DownEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []DownEvent
	for _, a := range r.agents {
		if a.State == StateDown || a.State == StateRetired || a.State == StateDraining {
			continue
		}
		missed := int(now.Sub(a.LastHeartbeatAt) / r.heartbeatInterval)
		if missed < MissedHeartbeatsBeforeDown {
			continue
		}
		events = append(events, r.downTransition(a))
	}
	return events
}

// ForceDown transitions agentID to down outside the heartbeat-missed
// path, used by the coordinator when a sender exceeds the invalid
// message rate (spec §7, InvalidMessage: ">10 in 60s ⇒ agent marked
// down").
func (r *Registry) ForceDown(agentID string) (DownEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return DownEvent{}, ErrNotFound
	}
	if a.State == StateDown || a.State == StateRetired {
		return DownEvent{AgentID: a.ID}, nil
	}
	return r.downTransition(a), nil
}

// downTransition must be called with r.mu held.
func (r *Registry) downTransition(a *Agent) DownEvent {
	orphaned := a.PendingTasks
	a.PendingTasks = nil
	a.State = StateDown
	return DownEvent{AgentID: a.ID, OrphanTasks: orphaned}
}

// Get returns a copy of the agent record.
func (r *Registry) Get(agentID string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return *a, nil
}

// Active returns a snapshot of all agents not down or retired, used to
// populate Barrier.required_agent_ids.
func (r *Registry) Active() []Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		if a.State == StateActive || a.State == StateRegistered {
			out = append(out, *a)
		}
	}
	return out
}

// AssignTask appends taskID to the agent's pending task queue (I5).
func (r *Registry) AssignTask(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.PendingTasks = append(a.PendingTasks, taskID)
	return nil
}

// CompleteTask removes taskID from the agent's pending task queue.
func (r *Registry) CompleteTask(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	for i, t := range a.PendingTasks {
		if t == taskID {
			a.PendingTasks = append(a.PendingTasks[:i], a.PendingTasks[i+1:]...)
			break
		}
	}
	return nil
}

// Retire transitions an agent to retired, e.g. on graceful drain.
func (r *Registry) Retire(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.State = StateRetired
	return nil
}
