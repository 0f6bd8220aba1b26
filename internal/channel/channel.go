// Package channel centralizes the fixed pub/sub channel and key names
// shared by the agent-side check-in hook and the coordinator loop, so
// neither has to hardcode the wire vocabulary.
package channel

import "fmt"

const (
	Broadcast   = "pop:broadcast"
	Heartbeat   = "pop:heartbeat"
	Results     = "pop:results"
	Insights    = "pop:insights"
	Coordinator = "pop:coordinator"
	Human       = "pop:human"
)

// Agent returns an agent's direct inbound channel name.
func Agent(agentID string) string {
	return fmt.Sprintf("pop:agent:%s", agentID)
}

const (
	KeyObjective        = "pop:objective"
	KeyCoordinatorLease = "pop:coordinator:lease"
	KeyTasksOrphaned    = "pop:tasks:orphaned"
	KeyOrphanedInsights = "pop:orphaned_insights"
)

// KeyAgentState is the hash key for an agent's state snapshot.
func KeyAgentState(agentID string) string {
	return fmt.Sprintf("pop:state:%s", agentID)
}

// KeyCompleted is the string key holding a session's completion summary.
func KeyCompleted(sessionID string) string {
	return fmt.Sprintf("pop:completed:%s", sessionID)
}

// KeyPattern is the hash key for one cross-session learning pattern.
func KeyPattern(id string) string {
	return fmt.Sprintf("pop:patterns:%s", id)
}

// KeyHumanAck is set once a human acknowledges a paused agent's
// escalation, clearing the guardrail's dispatch pause.
func KeyHumanAck(agentID string) string {
	return fmt.Sprintf("pop:human:ack:%s", agentID)
}
