// Package codec implements the Power Mode message envelope: a closed
// variant type covering every wire message in the system plus
// serialize/parse with schema-version-aware forward compatibility.
package codec

import "time"

// Kind identifies which variant an Envelope's Body holds.
type Kind string

const (
	KindHeartbeat         Kind = "HEARTBEAT"
	KindCheckin           Kind = "CHECKIN"
	KindInsight           Kind = "INSIGHT"
	KindTaskAssign        Kind = "TASK_ASSIGN"
	KindTaskComplete      Kind = "TASK_COMPLETE"
	KindSyncRequest       Kind = "SYNC_REQUEST"
	KindSyncAck           Kind = "SYNC_ACK"
	KindPhaseAdvance      Kind = "PHASE_ADVANCE"
	KindCourseCorrect     Kind = "COURSE_CORRECT"
	KindDriftAlert        Kind = "DRIFT_ALERT"
	KindAgentDown         Kind = "AGENT_DOWN"
	KindHumanEscalate     Kind = "HUMAN_ESCALATE"
	KindObjectiveComplete Kind = "OBJECTIVE_COMPLETE"
	KindObjectiveFailed   Kind = "OBJECTIVE_FAILED"
)

// SchemaVersion is bumped whenever a required field is added to an
// existing variant. Decode copies it onto the Envelope without checking
// it; forward compatibility is handled by ignoring unrecognized
// optional fields.
const SchemaVersion = 1

// Sender identifies the coordinator as a message's sender when it is
// not a specific agent id.
const CoordinatorSender = "coordinator"

// Body is implemented by every message variant.
type Body interface {
	Kind() Kind
	// Validate reports codec.ErrInvalidMessage (wrapped) if a field the
	// variant requires is missing.
	Validate() error
}

// Envelope is the outer wrapper carried on every channel, matching
// spec §3 "Message": session_id, sent_at, sender, seq, plus a typed
// Body.
type Envelope struct {
	SchemaVersion int       `json:"schema_version"`
	SessionID     string    `json:"session_id"`
	Sender        string    `json:"sender"`
	Seq           uint64    `json:"seq"`
	SentAt        time.Time `json:"sent_at"`
	Kind          Kind      `json:"kind"`
	Body          Body      `json:"body"`
}

// Heartbeat is emitted by an agent every check-in push phase.
type Heartbeat struct {
	Phase           string `json:"phase"`
	ToolCallCount   uint64 `json:"tool_call_count"`
	CurrentTaskID   string `json:"current_task_id,omitempty"`
}

func (Heartbeat) Kind() Kind { return KindHeartbeat }
func (h Heartbeat) Validate() error {
	if h.Phase == "" {
		return fieldErr(KindHeartbeat, "phase")
	}
	return nil
}

// Checkin carries the periodic progress report.
type Checkin struct {
	ProgressNote string           `json:"progress_note"`
	FilesTouched []string         `json:"files_touched,omitempty"`
	Insights     []InsightPayload `json:"insights,omitempty"`
}

func (Checkin) Kind() Kind      { return KindCheckin }
func (Checkin) Validate() error { return nil }

// InsightPayload is the inline form of an insight carried inside a
// Checkin; it mirrors Insight minus the envelope fields.
type InsightPayload struct {
	ID       string    `json:"id"`
	Phase    string    `json:"phase"`
	Tags     []string  `json:"tags"`
	Payload  string    `json:"payload"`
	TTL      time.Duration `json:"ttl"`
	CreatedAt time.Time `json:"created_at"`
}

// Insight is the standalone routable message (spec §3 "Insight").
type Insight struct {
	ID            string        `json:"id"`
	SourceAgentID string        `json:"source_agent_id"`
	Phase         string        `json:"phase"`
	CreatedAt     time.Time     `json:"created_at"`
	Tags          []string      `json:"tags"`
	Payload       string        `json:"payload"`
	TTL           time.Duration `json:"ttl"`
}

func (Insight) Kind() Kind { return KindInsight }
func (i Insight) Validate() error {
	if i.ID == "" {
		return fieldErr(KindInsight, "id")
	}
	if i.SourceAgentID == "" {
		return fieldErr(KindInsight, "source_agent_id")
	}
	if len(i.Tags) == 0 {
		return fieldErr(KindInsight, "tags")
	}
	return nil
}

// TaskAssign dispatches a task to an agent.
type TaskAssign struct {
	TaskID   string    `json:"task_id"`
	AgentID  string    `json:"agent_id"`
	Payload  string    `json:"payload"`
	Deadline time.Time `json:"deadline,omitempty"`
}

func (TaskAssign) Kind() Kind { return KindTaskAssign }
func (t TaskAssign) Validate() error {
	if t.TaskID == "" {
		return fieldErr(KindTaskAssign, "task_id")
	}
	if t.AgentID == "" {
		return fieldErr(KindTaskAssign, "agent_id")
	}
	return nil
}

// TaskComplete reports the outcome of an assigned task.
type TaskComplete struct {
	TaskID string `json:"task_id"`
	Result string `json:"result,omitempty"`
	OK     bool   `json:"ok"`
}

func (TaskComplete) Kind() Kind { return KindTaskComplete }
func (t TaskComplete) Validate() error {
	if t.TaskID == "" {
		return fieldErr(KindTaskComplete, "task_id")
	}
	return nil
}

// SyncRequest asks participants to acknowledge a phase barrier.
type SyncRequest struct {
	BarrierID  string `json:"barrier_id"`
	PhaseIndex int    `json:"phase_index"`
}

func (SyncRequest) Kind() Kind { return KindSyncRequest }
func (s SyncRequest) Validate() error {
	if s.BarrierID == "" {
		return fieldErr(KindSyncRequest, "barrier_id")
	}
	return nil
}

// SyncAck acknowledges a SyncRequest.
type SyncAck struct {
	BarrierID string `json:"barrier_id"`
}

func (SyncAck) Kind() Kind { return KindSyncAck }
func (s SyncAck) Validate() error {
	if s.BarrierID == "" {
		return fieldErr(KindSyncAck, "barrier_id")
	}
	return nil
}

// PhaseAdvance announces the objective moved to a new phase.
type PhaseAdvance struct {
	NewPhaseIndex int `json:"new_phase_index"`
}

func (PhaseAdvance) Kind() Kind      { return KindPhaseAdvance }
func (PhaseAdvance) Validate() error { return nil }

// CourseCorrect tells an agent it crossed a guardrail.
type CourseCorrect struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

func (CourseCorrect) Kind() Kind { return KindCourseCorrect }
func (c CourseCorrect) Validate() error {
	if c.AgentID == "" {
		return fieldErr(KindCourseCorrect, "agent_id")
	}
	if c.Reason == "" {
		return fieldErr(KindCourseCorrect, "reason")
	}
	return nil
}

// DriftAlert reports an agent's sustained divergence from its boundaries.
type DriftAlert struct {
	AgentID  string `json:"agent_id"`
	Evidence string `json:"evidence,omitempty"`
}

func (DriftAlert) Kind() Kind { return KindDriftAlert }
func (d DriftAlert) Validate() error {
	if d.AgentID == "" {
		return fieldErr(KindDriftAlert, "agent_id")
	}
	return nil
}

// AgentDown announces an agent was reaped.
type AgentDown struct {
	AgentID string `json:"agent_id"`
}

func (AgentDown) Kind() Kind { return KindAgentDown }
func (a AgentDown) Validate() error {
	if a.AgentID == "" {
		return fieldErr(KindAgentDown, "agent_id")
	}
	return nil
}

// HumanEscalate routes something to the human escalation sink.
type HumanEscalate struct {
	Category string `json:"category"`
	Context  string `json:"context,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
}

func (HumanEscalate) Kind() Kind { return KindHumanEscalate }
func (h HumanEscalate) Validate() error {
	if h.Category == "" {
		return fieldErr(KindHumanEscalate, "category")
	}
	return nil
}

// ObjectiveComplete/ObjectiveFailed close out the session.
type ObjectiveComplete struct {
	Summary string `json:"summary"`
}

func (ObjectiveComplete) Kind() Kind { return KindObjectiveComplete }
func (o ObjectiveComplete) Validate() error {
	if o.Summary == "" {
		return fieldErr(KindObjectiveComplete, "summary")
	}
	return nil
}

type ObjectiveFailed struct {
	Summary string `json:"summary"`
}

func (ObjectiveFailed) Kind() Kind { return KindObjectiveFailed }
func (o ObjectiveFailed) Validate() error {
	if o.Summary == "" {
		return fieldErr(KindObjectiveFailed, "summary")
	}
	return nil
}
