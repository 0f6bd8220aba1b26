// Package objective models the session's goal, its ordered phases,
// success criteria, and file/tool boundaries, and enforces that the
// current phase index only ever moves forward.
package objective

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Lifecycle is the objective's top-level state.
type Lifecycle string

const (
	LifecycleDraft     Lifecycle = "draft"
	LifecycleRunning   Lifecycle = "running"
	LifecycleCompleted Lifecycle = "completed"
	LifecycleFailed    Lifecycle = "failed"
	LifecycleCancelled Lifecycle = "cancelled"
)

// ErrBarrierOpen is returned by Advance when the current phase's
// barrier has not yet released.
var ErrBarrierOpen = errors.New("barrier open")

// ErrInvalidIndex is returned by MarkCriterion for an out-of-range index.
var ErrInvalidIndex = errors.New("invalid criterion index")

// ErrTerminal is returned by operations attempted after the objective
// has reached a terminal lifecycle state.
var ErrTerminal = errors.New("objective is in a terminal state")

// Criterion is one textual success predicate.
type Criterion struct {
	Text string `json:"text"`
	Met  bool   `json:"met"`
}

// Boundaries bounds what agents working this objective may touch.
type Boundaries struct {
	AllowedGlobs   []string `json:"allowed_globs"`
	ForbiddenTools []string `json:"forbidden_tools"`
}

// Objective is the coordinator's single source of truth for session
// goal and progress; the coordinator serializes it to the pop:objective
// key on each tick.
type Objective struct {
	SessionID         string      `json:"session_id"`
	Description       string      `json:"description"`
	SuccessCriteria   []Criterion `json:"success_criteria"`
	Phases            []string    `json:"phases"`
	CurrentPhaseIndex int         `json:"current_phase_index"`
	Boundaries        Boundaries  `json:"boundaries"`
	Lifecycle         Lifecycle   `json:"lifecycle"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Create builds a new draft objective. phases must be non-empty.
func Create(sessionID, description string, criteria []string, phases []string, boundaries Boundaries) (*Objective, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("objective: session_id is required")
	}
	if len(phases) == 0 {
		return nil, fmt.Errorf("objective: phases must be non-empty")
	}
	crit := make([]Criterion, len(criteria))
	for i, c := range criteria {
		crit[i] = Criterion{Text: c}
	}
	now := time.Now().UTC()
	return &Objective{
		SessionID:       sessionID,
		Description:     description,
		SuccessCriteria: crit,
		Phases:          phases,
		Boundaries:      boundaries,
		Lifecycle:       LifecycleDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Start transitions draft → running.
func (o *Objective) Start() {
	if o.Lifecycle == LifecycleDraft {
		o.Lifecycle = LifecycleRunning
		o.UpdatedAt = time.Now().UTC()
	}
}

// CurrentPhase returns the name of the phase at CurrentPhaseIndex.
func (o *Objective) CurrentPhase() string {
	return o.Phases[o.CurrentPhaseIndex]
}

// AllCriteriaMet reports whether every success criterion is satisfied.
func (o *Objective) AllCriteriaMet() bool {
	for _, c := range o.SuccessCriteria {
		if !c.Met {
			return false
		}
	}
	return true
}

// MarkCriterion sets the met status of the criterion at index.
func (o *Objective) MarkCriterion(index int, met bool) error {
	if index < 0 || index >= len(o.SuccessCriteria) {
		return ErrInvalidIndex
	}
	o.SuccessCriteria[index].Met = met
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// BarrierReleased is satisfied by anything that can report whether the
// barrier guarding a phase transition has released (I3); the
// coordinator supplies its Sync Barrier Manager here, kept out of this
// package's import graph to avoid a dependency cycle.
type BarrierReleased func(phaseIndex int) bool

// Advance moves to the next phase. On the last phase it marks the
// objective completed if every success criterion is met, and otherwise
// leaves it on that phase, still running. It fails with ErrBarrierOpen if
// barrierReleased reports the current phase's barrier has not yet
// released or timed out (I3), and with ErrTerminal once the objective
// has already reached a terminal lifecycle.
func (o *Objective) Advance(barrierReleased BarrierReleased) (newPhaseIndex int, completed bool, err error) {
	if o.Lifecycle == LifecycleCompleted || o.Lifecycle == LifecycleFailed || o.Lifecycle == LifecycleCancelled {
		return o.CurrentPhaseIndex, o.Lifecycle == LifecycleCompleted, ErrTerminal
	}
	if barrierReleased != nil && !barrierReleased(o.CurrentPhaseIndex) {
		return o.CurrentPhaseIndex, false, ErrBarrierOpen
	}

	o.UpdatedAt = time.Now().UTC()
	if o.CurrentPhaseIndex+1 >= len(o.Phases) {
		if o.AllCriteriaMet() {
			o.Lifecycle = LifecycleCompleted
			return o.CurrentPhaseIndex, true, nil
		}
		return o.CurrentPhaseIndex, false, nil
	}

	o.CurrentPhaseIndex++
	return o.CurrentPhaseIndex, false, nil
}

// Fail transitions the objective to failed, per the session timeout
// and irrecoverable-store-reset termination paths.
func (o *Objective) Fail() {
	o.Lifecycle = LifecycleFailed
	o.UpdatedAt = time.Now().UTC()
}

// Cancel transitions the objective to cancelled.
func (o *Objective) Cancel() {
	o.Lifecycle = LifecycleCancelled
	o.UpdatedAt = time.Now().UTC()
}

// Serialize marshals the objective for storage under pop:objective.
func (o *Objective) Serialize() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("objective: serialize: %w", err)
	}
	return data, nil
}

// Deserialize parses bytes previously produced by Serialize.
func Deserialize(data []byte) (*Objective, error) {
	var o Objective
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("objective: deserialize: %w", err)
	}
	return &o, nil
}
