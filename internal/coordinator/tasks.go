package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/popkit/power-mode/internal/channel"
	"github.com/popkit/power-mode/internal/codec"
	"github.com/popkit/power-mode/internal/insight"
	"github.com/popkit/power-mode/internal/registry"
)

// taskRecord is the coordinator's in-memory bookkeeping for one
// assigned unit of work, enough to evaluate phase-advance criteria
// (spec §4.C9 "Phase advance criteria") and to drive failover
// reassignment (spec §4.C9 "Failover handling").
type taskRecord struct {
	ID             string
	PhaseIndex     int
	AgentID        string
	RequiredType   string
	Payload        string
	CriterionIndex *int
	Done           bool
	OK             bool
}

// RegisterAgent admits a new agent into the session's registry (spec
// §4.C4 "register"), the one Agent Registry operation the data model
// reserves to the coordinator rather than the wire protocol: an agent
// joins a session through whatever out-of-core mechanism started it
// (spec §1 "the agent implementations themselves" are an external
// collaborator), then calls this before its first heartbeat.
func (c *Coordinator) RegisterAgent(agentType string, assignedPhases []string) (string, error) {
	id, err := c.registry.Register(agentType, assignedPhases)
	if err != nil {
		return "", fmt.Errorf("coordinator: register agent: %w", err)
	}
	c.logger.Info("coordinator: agent registered", zap.String("agent_id", id), zap.String("type", agentType))
	return id, nil
}

// AssignTask dispatches a TASK_ASSIGN to agentID for the given phase,
// optionally mapped to one of the objective's success criteria so that
// a later TASK_COMPLETE(ok=true) marks it met (spec §4.C9 "TASK_COMPLETE
// → objective.mark_criterion if mapped").
func (c *Coordinator) AssignTask(ctx context.Context, phaseIndex int, agentID, requiredType, payload string, criterionIndex *int, deadline time.Time) (string, error) {
	taskID := uuid.New().String()

	c.tasksMu.Lock()
	c.tasks[taskID] = &taskRecord{
		ID:             taskID,
		PhaseIndex:     phaseIndex,
		AgentID:        agentID,
		RequiredType:   requiredType,
		Payload:        payload,
		CriterionIndex: criterionIndex,
	}
	c.tasksMu.Unlock()

	if err := c.registry.AssignTask(agentID, taskID); err != nil {
		return "", fmt.Errorf("coordinator: assign task: %w", err)
	}

	c.publishToAgent(ctx, agentID, codec.KindTaskAssign, codec.TaskAssign{
		TaskID:   taskID,
		AgentID:  agentID,
		Payload:  payload,
		Deadline: deadline,
	})
	return taskID, nil
}

func (c *Coordinator) handleTaskComplete(ctx context.Context, sender string, tc codec.TaskComplete) {
	c.tasksMu.Lock()
	t, ok := c.tasks[tc.TaskID]
	if !ok {
		c.tasksMu.Unlock()
		c.logger.Debug("coordinator: task_complete for unknown task", zap.String("task_id", tc.TaskID))
		return
	}
	t.Done = true
	t.OK = tc.OK
	criterionIndex := t.CriterionIndex
	c.tasksMu.Unlock()

	if err := c.registry.CompleteTask(sender, tc.TaskID); err != nil {
		c.logger.Debug("coordinator: complete_task on unknown agent", zap.String("agent_id", sender))
	}

	if tc.OK && criterionIndex != nil {
		c.objMu.Lock()
		_ = c.obj.MarkCriterion(*criterionIndex, true)
		c.objMu.Unlock()
	}
}

// allTasksSettledForPhase reports whether every task assigned for
// phaseIndex has reached a terminal TASK_COMPLETE, success or failure.
// A phase with no tasks assigned is vacuously settled. Per spec
// §4.C9's "or the coordinator accepts a human ack for outstanding
// failures" clause, a failed task (ok=false) still counts as settled
// here rather than blocking the phase forever: the core has no
// built-in task retry, so stalling indefinitely on a single failure
// would defeat forward progress; the coordinator still exposes the
// failure via HUMAN_ESCALATE/guardrail pausing where applicable.
func (c *Coordinator) allTasksSettledForPhase(phaseIndex int) bool {
	c.tasksMu.Lock()
	defer c.tasksMu.Unlock()
	for _, t := range c.tasks {
		if t.PhaseIndex == phaseIndex && !t.Done {
			return false
		}
	}
	return true
}

// handleInsight runs guardrail checks naming forbidden tools (an
// insight's payload is as much free text as a check-in's progress
// note), computes the routing decision, publishes it, and records the
// I4/I9 side effects (orphaning, escalation, pattern persistence).
func (c *Coordinator) handleInsight(ctx context.Context, in codec.Insight) {
	if c.guard != nil {
		tv := c.guard.CheckToolUsage(in.SourceAgentID, matchForbiddenTools(in.Payload, c.guard.ForbiddenTools()))
		c.applyVerdict(ctx, in.SourceAgentID, tv)
	}

	active := activeIDs(c.registry.Active())
	decision := c.router.Route(insight.Insight{
		ID:            in.ID,
		SourceAgentID: in.SourceAgentID,
		Phase:         in.Phase,
		Tags:          in.Tags,
	}, active)

	c.incrInsightEmitted()

	for _, rid := range decision.Recipients {
		c.publishToAgent(ctx, rid, codec.KindInsight, in)
	}
	if decision.ToCoordinator {
		c.logger.Info("coordinator: blocker insight received",
			zap.String("insight_id", in.ID), zap.String("source_agent_id", in.SourceAgentID))
	}
	if decision.Escalate {
		c.publish(ctx, channel.Human, codec.KindHumanEscalate, codec.HumanEscalate{
			Category: "question",
			Context:  in.Payload,
			AgentID:  in.SourceAgentID,
		})
		c.incrHumanEscalations()
	}
	if decision.Orphan {
		c.orphanInsight(ctx, in)
	}
	if hasTag(in.Tags, insight.TagPattern) {
		c.persistPattern(ctx, in)
	}
}

func activeIDs(agents []registry.Agent) []string {
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids
}

// RegisterInsightInterest exposes the router's subscription API so an
// agent can declare the tags it wants routed to it; typically called
// once at registration time by whatever drives the agent side of a
// session.
func (c *Coordinator) RegisterInsightInterest(agentID string, filter insight.TagFilter) {
	c.router.RegisterInterest(agentID, filter)
}

// handleBarrierTimeout records a barrier-miss insight for every
// straggler once a barrier transitions to timed_out (spec §4.C6).
func (c *Coordinator) handleBarrierTimeout(ctx context.Context, barrierID string) {
	stragglers, err := c.barriers.Stragglers(barrierID)
	if err != nil {
		return
	}
	for _, agentID := range stragglers {
		in := codec.Insight{
			ID:            fmt.Sprintf("barrier-miss-%s-%s", barrierID, agentID),
			SourceAgentID: codec.CoordinatorSender,
			CreatedAt:     time.Now().UTC(),
			Tags:          []string{"barrier-miss"},
			Payload:       fmt.Sprintf("agent %s did not acknowledge barrier %s before its deadline", agentID, barrierID),
			TTL:           24 * time.Hour,
		}
		c.publish(ctx, channel.Insights, codec.KindInsight, in)
	}
}

// handleAgentDown broadcasts AGENT_DOWN, drops the agent from routing
// and any still-open barrier, and attempts to reassign its orphaned
// work (spec §4.C4, §4.C9 "Failover handling").
func (c *Coordinator) handleAgentDown(ctx context.Context, ev registry.DownEvent) {
	c.publish(ctx, channel.Broadcast, codec.KindAgentDown, codec.AgentDown{AgentID: ev.AgentID})
	c.router.Unregister(ev.AgentID)

	c.barrierMu.Lock()
	barrierIDs := make([]string, 0, len(c.phaseBarrier))
	for _, bid := range c.phaseBarrier {
		barrierIDs = append(barrierIDs, bid)
	}
	c.barrierMu.Unlock()
	for _, bid := range barrierIDs {
		_ = c.barriers.RemoveParticipant(bid, ev.AgentID)
	}

	for _, taskID := range ev.OrphanTasks {
		c.reassignOrphan(ctx, taskID)
	}
}

// reassignOrphan finds an active agent whose type matches the task's
// required type (or any active agent if unconstrained) and hands it
// TASK_ASSIGN; if none is eligible the task is pushed onto
// pop:tasks:orphaned and a HUMAN_ESCALATE(category="no-available-agent")
// is raised, per spec §4.C9.
func (c *Coordinator) reassignOrphan(ctx context.Context, taskID string) {
	c.tasksMu.Lock()
	t, ok := c.tasks[taskID]
	c.tasksMu.Unlock()
	if !ok {
		return
	}

	var target *registry.Agent
	for _, a := range c.registry.Active() {
		a := a
		if t.RequiredType == "" || a.Type == t.RequiredType {
			target = &a
			break
		}
	}

	if target == nil {
		if err := c.backend.LPush(ctx, channel.KeyTasksOrphaned, []byte(taskID)); err != nil {
			c.logger.Warn("coordinator: failed to retain orphan task", zap.String("task_id", taskID), zap.Error(err))
		}
		c.publish(ctx, channel.Human, codec.KindHumanEscalate, codec.HumanEscalate{
			Category: "no-available-agent",
			Context:  taskID,
		})
		c.incrHumanEscalations()
		return
	}

	c.tasksMu.Lock()
	t.AgentID = target.ID
	c.tasksMu.Unlock()

	if err := c.registry.AssignTask(target.ID, taskID); err != nil {
		c.logger.Warn("coordinator: failed to reassign orphan task", zap.String("task_id", taskID), zap.Error(err))
		return
	}

	c.publishToAgent(ctx, target.ID, codec.KindTaskAssign, codec.TaskAssign{
		TaskID:  taskID,
		AgentID: target.ID,
		Payload: t.Payload,
	})
	c.incrOrphanReassignment()
}
