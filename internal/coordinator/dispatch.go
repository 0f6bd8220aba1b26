package coordinator

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/popkit/power-mode/internal/channel"
	"github.com/popkit/power-mode/internal/codec"
	"github.com/popkit/power-mode/internal/guardrail"
)

// dispatch routes one decoded envelope by kind (spec §4.C9 "for each
// message: dispatch by type"). The coordinator only ever receives the
// agent-emitted variants plus SYNC_ACK/HUMAN_ESCALATE; everything else
// it dispatches itself and is logged if ever observed inbound (e.g. a
// second coordinator's broadcast during a lease handover race).
func (c *Coordinator) dispatch(ctx context.Context, env *codec.Envelope) {
	switch body := env.Body.(type) {
	case codec.Heartbeat:
		if err := c.registry.RecordHeartbeat(env.Sender, body.Phase, body.ToolCallCount); err != nil {
			c.logger.Debug("coordinator: heartbeat from unregistered agent", zap.String("agent_id", env.Sender))
		} else {
			c.snapshotAgentState(ctx, env.Sender)
		}
	case codec.Checkin:
		c.handleCheckin(ctx, env.Sender, body)
	case codec.Insight:
		c.handleInsight(ctx, body)
	case codec.TaskComplete:
		c.handleTaskComplete(ctx, env.Sender, body)
	case codec.SyncAck:
		if err := c.barriers.RecordAck(body.BarrierID, env.Sender); err != nil {
			c.logger.Debug("coordinator: sync ack for unknown barrier", zap.String("barrier_id", body.BarrierID))
		}
	case codec.HumanEscalate:
		c.incrHumanEscalations()
		c.logger.Info("coordinator: human escalation received",
			zap.String("category", body.Category), zap.String("agent_id", body.AgentID))
	default:
		c.logger.Debug("coordinator: ignoring unexpected inbound kind", zap.String("kind", string(env.Kind)))
	}
}

func (c *Coordinator) handleCheckin(ctx context.Context, sender string, ci codec.Checkin) {
	if err := c.registry.RecordCheckin(sender); err != nil {
		c.logger.Debug("coordinator: check-in from unregistered agent", zap.String("agent_id", sender))
	} else {
		c.snapshotAgentState(ctx, sender)
	}
	c.incrCheckinCount(sender)

	c.enforceGuardrails(ctx, sender, ci.FilesTouched, checkinText(ci))

	for _, ip := range ci.Insights {
		c.handleInsight(ctx, codec.Insight{
			ID:            ip.ID,
			SourceAgentID: sender,
			Phase:         ip.Phase,
			CreatedAt:     ip.CreatedAt,
			Tags:          ip.Tags,
			Payload:       ip.Payload,
			TTL:           ip.TTL,
		})
	}
}

// checkinText concatenates the free-text surfaces a CHECKIN carries,
// used only for the forbidden-tool substring scan (spec §4.C7): the
// wire schema has no structured tool-name field on CHECKIN, so the
// guardrail looks for a mention in the progress note or any inline
// insight payload.
func checkinText(ci codec.Checkin) string {
	var b strings.Builder
	b.WriteString(ci.ProgressNote)
	for _, ip := range ci.Insights {
		b.WriteByte(' ')
		b.WriteString(ip.Payload)
	}
	return b.String()
}

// enforceGuardrails runs the protected-path, drift, and forbidden-tool
// checks and turns any verdict into the corresponding dispatched
// message (spec §4.C7).
func (c *Coordinator) enforceGuardrails(ctx context.Context, agentID string, filesTouched []string, text string) {
	if c.guard == nil {
		return
	}

	c.objMu.Lock()
	boundaryGlobs := append([]string(nil), c.obj.Boundaries.AllowedGlobs...)
	c.objMu.Unlock()

	v := c.guard.CheckFilesTouched(agentID, filesTouched, boundaryGlobs)
	c.applyVerdict(ctx, agentID, v)

	tv := c.guard.CheckToolUsage(agentID, matchForbiddenTools(text, c.guard.ForbiddenTools()))
	c.applyVerdict(ctx, agentID, tv)
}

func matchForbiddenTools(text string, forbidden []string) []string {
	lower := strings.ToLower(text)
	var found []string
	for _, t := range forbidden {
		if t != "" && strings.Contains(lower, strings.ToLower(t)) {
			found = append(found, t)
		}
	}
	return found
}

func (c *Coordinator) applyVerdict(ctx context.Context, agentID string, v guardrail.Verdict) {
	// Escalate is independent of Paused: the verdict that crosses the
	// violation threshold carries both set at once (Engine.applyEscalation),
	// and the HUMAN_ESCALATE it mandates must still reach pop:human even
	// though dispatch to the agent itself is about to be paused.
	if v.Escalate {
		c.publish(ctx, channel.Human, codec.KindHumanEscalate, codec.HumanEscalate{
			Category: v.EscalateReason,
			AgentID:  agentID,
		})
		c.incrHumanEscalations()
	}
	if v.Paused {
		return
	}
	if v.CourseCorrect {
		c.publishToAgent(ctx, agentID, codec.KindCourseCorrect, codec.CourseCorrect{
			AgentID: agentID,
			Reason:  v.Reason,
		})
	}
	if v.DriftAlert {
		c.publishToAgent(ctx, agentID, codec.KindDriftAlert, codec.DriftAlert{
			AgentID:  agentID,
			Evidence: v.DriftEvidence,
		})
	}
}

// snapshotAgentState writes the agent's current registry record to its
// pop:state:<agent_id> hash (spec §3 "Agent", §6.5), the natural
// consumer of the hash capability: a dashboard or a resumed coordinator
// can read one agent's state without replaying the whole channel
// history.
func (c *Coordinator) snapshotAgentState(ctx context.Context, agentID string) {
	a, err := c.registry.Get(agentID)
	if err != nil {
		return
	}
	fields := map[string]string{
		"state":             string(a.State),
		"type":              a.Type,
		"last_heartbeat_at": a.LastHeartbeatAt.Format(time.RFC3339Nano),
		"last_checkin_at":   a.LastCheckinAt.Format(time.RFC3339Nano),
		"tool_call_count":   strconv.FormatUint(a.ToolCallCount, 10),
		"pending_tasks":     strconv.Itoa(len(a.PendingTasks)),
	}
	name := channel.KeyAgentState(agentID)
	for field, value := range fields {
		if err := c.backend.HSet(ctx, name, field, []byte(value)); err != nil {
			c.logger.Warn("coordinator: snapshot agent state", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
}

// checkHumanAcks resumes dispatch to any guardrail-paused agent once a
// human has written pop:human:ack:<agent_id>, consuming the key so the
// next violation cycle starts fresh (spec §4.C7).
func (c *Coordinator) checkHumanAcks(ctx context.Context) {
	if c.guard == nil {
		return
	}
	for _, agentID := range c.guard.PausedAgents() {
		key := channel.KeyHumanAck(agentID)
		if _, err := c.backend.Get(ctx, key); err != nil {
			continue
		}
		c.guard.Ack(agentID)
		if err := c.backend.Delete(ctx, key); err != nil {
			c.logger.Warn("coordinator: clear human ack key", zap.String("agent_id", agentID), zap.Error(err))
		}
		c.logger.Info("coordinator: human ack received, resuming dispatch", zap.String("agent_id", agentID))
	}
}
