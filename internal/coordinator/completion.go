package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/popkit/power-mode/internal/archive"
	"github.com/popkit/power-mode/internal/barrier"
	"github.com/popkit/power-mode/internal/channel"
	"github.com/popkit/power-mode/internal/codec"
	"github.com/popkit/power-mode/internal/objective"
)

// recordTTL is the soft-expiry window for completion summaries and
// pattern records (spec §3 "Insight.ttl" default, §4.C9, §6.5).
const recordTTL = 24 * time.Hour

// evaluatePhase opens a sync barrier for the current phase the first
// time every assigned task for it has settled, and advances the
// objective once that barrier releases or times out (spec §4.C6,
// I3).
func (c *Coordinator) evaluatePhase(ctx context.Context) {
	c.objMu.Lock()
	phaseIndex := c.obj.CurrentPhaseIndex
	lifecycle := c.obj.Lifecycle
	c.objMu.Unlock()
	if lifecycle != objective.LifecycleRunning {
		return
	}

	c.barrierMu.Lock()
	barrierID, opened := c.phaseBarrier[phaseIndex]
	c.barrierMu.Unlock()

	if !opened {
		if !c.allTasksSettledForPhase(phaseIndex) {
			return
		}
		participants := activeIDs(c.registry.Active())
		barrierID = c.barriers.OpenBarrier(phaseIndex, participants, c.cfg.BarrierDeadline)
		c.barrierMu.Lock()
		c.phaseBarrier[phaseIndex] = barrierID
		c.barrierMu.Unlock()

		for _, agentID := range participants {
			c.publishToAgent(ctx, agentID, codec.KindSyncRequest, codec.SyncRequest{
				BarrierID:  barrierID,
				PhaseIndex: phaseIndex,
			})
		}
		return
	}

	status, err := c.barriers.Status(barrierID)
	if err != nil || status == barrier.StatusOpen {
		return
	}

	c.objMu.Lock()
	newIndex, completed, err := c.obj.Advance(c.barriers.ReleasedOrTimedOutForPhase)
	c.objMu.Unlock()
	if err != nil {
		return
	}
	c.publish(ctx, channel.Broadcast, codec.KindPhaseAdvance, codec.PhaseAdvance{NewPhaseIndex: newIndex})
	if completed {
		c.logger.Info("coordinator: objective reached final phase with all criteria met")
	}
}

// evaluateCompletion transitions the objective to completed once every
// success criterion is met and writes the durable completion summary
// exactly once (spec §4.C9 "Completion aggregation").
func (c *Coordinator) evaluateCompletion(ctx context.Context) {
	c.objMu.Lock()
	lifecycle := c.obj.Lifecycle
	allMet := c.obj.AllCriteriaMet()
	c.objMu.Unlock()

	if lifecycle != objective.LifecycleCompleted {
		if lifecycle == objective.LifecycleRunning && allMet {
			c.objMu.Lock()
			c.obj.Lifecycle = objective.LifecycleCompleted
			c.objMu.Unlock()
		} else {
			return
		}
	}

	c.metricsMu.Lock()
	already := c.completionWritten
	c.completionWritten = true
	c.metricsMu.Unlock()
	if already {
		return
	}

	c.publish(ctx, channel.Broadcast, codec.KindObjectiveComplete, codec.ObjectiveComplete{
		Summary: "all success criteria met",
	})
	c.writeCompletion(ctx)
}

// failSession marks the objective failed, announces it, and writes a
// completion record so the session's cost is still visible even when
// it didn't succeed.
func (c *Coordinator) failSession(ctx context.Context, reason string) {
	c.objMu.Lock()
	if c.obj.Lifecycle == objective.LifecycleFailed || c.obj.Lifecycle == objective.LifecycleCompleted {
		c.objMu.Unlock()
		return
	}
	c.obj.Fail()
	c.objMu.Unlock()

	c.publish(ctx, channel.Broadcast, codec.KindObjectiveFailed, codec.ObjectiveFailed{Summary: reason})

	c.metricsMu.Lock()
	already := c.completionWritten
	c.completionWritten = true
	c.metricsMu.Unlock()
	if !already {
		c.writeCompletion(ctx)
	}
}

// writeCompletion persists the session's completion summary to both
// the shared store (pop:completed:<session_id>) and the optional
// durable archive (spec §4.C9, §9 supplement).
func (c *Coordinator) writeCompletion(ctx context.Context) {
	c.objMu.Lock()
	phasesElapsed := c.obj.CurrentPhaseIndex + 1
	c.objMu.Unlock()

	c.metricsMu.Lock()
	rec := archive.CompletionRecord{
		SessionID:           c.sessionID,
		PhasesElapsed:       phasesElapsed,
		AgentCheckinCounts:  copyCounts(c.checkinCounts),
		InsightsEmitted:     c.insightsEmitted,
		OrphanReassignments: c.orphanReassignments,
		HumanEscalations:    c.humanEscalations,
		CompletedAt:         time.Now().UTC(),
	}
	c.metricsMu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn("coordinator: marshal completion record", zap.Error(err))
		return
	}
	if err := c.backend.Set(ctx, channel.KeyCompleted(c.sessionID), data, recordTTL); err != nil {
		c.logger.Warn("coordinator: persist completion record", zap.Error(err))
	}

	if c.archive != nil {
		if err := c.archive.WriteCompletion(ctx, rec); err != nil {
			c.logger.Warn("coordinator: archive completion record", zap.Error(err))
		}
	}
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// orphanInsight retains an insight nobody claimed so a later process
// can still inspect it (spec §4.C5 "Decision.orphan").
func (c *Coordinator) orphanInsight(ctx context.Context, in codec.Insight) {
	data, err := json.Marshal(in)
	if err != nil {
		c.logger.Warn("coordinator: marshal orphaned insight", zap.Error(err))
		return
	}
	if err := c.backend.LPush(ctx, channel.KeyOrphanedInsights, data); err != nil {
		c.logger.Warn("coordinator: retain orphaned insight", zap.Error(err))
	}
}

// persistPattern stores a pattern-tagged insight under its own hash
// key for cross-session reuse (spec §3 "pop:patterns:<id>") and, when
// durable archival is configured, in the Mongo patterns collection.
func (c *Coordinator) persistPattern(ctx context.Context, in codec.Insight) {
	data, err := json.Marshal(in)
	if err != nil {
		c.logger.Warn("coordinator: marshal pattern insight", zap.Error(err))
		return
	}
	patternKey := channel.KeyPattern(in.ID)
	if err := c.backend.HSet(ctx, patternKey, "insight", data); err != nil {
		c.logger.Warn("coordinator: persist pattern", zap.Error(err))
	} else if err := c.backend.Expire(ctx, patternKey, recordTTL); err != nil {
		c.logger.Warn("coordinator: set pattern ttl", zap.Error(err))
	}

	if c.archive != nil {
		if err := c.archive.WritePattern(ctx, archive.PatternRecord{
			ID:            in.ID,
			SessionID:     c.sessionID,
			SourceAgentID: in.SourceAgentID,
			Phase:         in.Phase,
			Tags:          in.Tags,
			Payload:       in.Payload,
			CreatedAt:     in.CreatedAt,
		}); err != nil {
			c.logger.Warn("coordinator: archive pattern", zap.Error(err))
		}
	}
}

func (c *Coordinator) incrCheckinCount(agentID string) {
	c.metricsMu.Lock()
	c.checkinCounts[agentID]++
	c.metricsMu.Unlock()
}

func (c *Coordinator) incrInsightEmitted() {
	c.metricsMu.Lock()
	c.insightsEmitted++
	c.metricsMu.Unlock()
}

func (c *Coordinator) incrOrphanReassignment() {
	c.metricsMu.Lock()
	c.orphanReassignments++
	c.metricsMu.Unlock()
}

func (c *Coordinator) incrHumanEscalations() {
	c.metricsMu.Lock()
	c.humanEscalations++
	c.metricsMu.Unlock()
}
