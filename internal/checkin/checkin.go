// Package checkin implements the agent-side check-in hook: the
// periodic push/pull rendezvous executed every N tool calls that
// reports progress and heartbeats and drains routed directives.
package checkin

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/popkit/power-mode/internal/channel"
	"github.com/popkit/power-mode/internal/codec"
	"github.com/popkit/power-mode/internal/guardrail"
	"github.com/popkit/power-mode/internal/store"
)

// PullDrainLimit bounds how many direct-channel messages one Pull call
// consumes (spec §4.C8).
const PullDrainLimit = 32

// DefaultPullBudget and DefaultPublishTimeout are the agent-side
// suspension bounds (spec §5).
const (
	DefaultPullBudget     = 2 * time.Second
	DefaultPublishTimeout = 5 * time.Second
)

// Insight is a caller-supplied discovery awaiting the next push.
type Insight struct {
	Tags    []string
	Payload string
}

// PullResult carries what a Pull call observed, for the caller to act
// on; the hook itself only logs COURSE_CORRECT/DRIFT_ALERT, per spec
// §4.C8 "local log; caller must consume".
type PullResult struct {
	CourseCorrects []codec.CourseCorrect
	DriftAlerts    []codec.DriftAlert
	NewTasks       []codec.TaskAssign
	Drained        int
}

// Hook is one agent's check-in state machine.
type Hook struct {
	agentID   string
	sessionID string
	backend   store.Backend
	guard     *guardrail.Engine
	logger    *zap.Logger
	sanitizer *bluemonday.Policy

	n              int
	pullBudget     time.Duration
	publishTimeout time.Duration

	mu              sync.Mutex
	seq             uint64
	toolCallCount   uint64
	phase           string
	phaseIndex      int
	currentTaskID   string
	filesTouched    map[string]struct{}
	pendingInsights []Insight
	deferredSync    []codec.SyncRequest
	readyToAck      []codec.SyncRequest
	paused          bool

	sub     store.Subscription
	cancel  atomic.Bool
}

// Options configures a Hook; zero values fall back to spec defaults.
type Options struct {
	AgentID        string
	SessionID      string
	Backend        store.Backend
	Guardrail      *guardrail.Engine
	Logger         *zap.Logger
	CheckinEveryN  int
	PullBudget     time.Duration
	PublishTimeout time.Duration
}

// New constructs a Hook for one agent.
func New(opts Options) *Hook {
	n := opts.CheckinEveryN
	if n <= 0 {
		n = 5
	}
	budget := opts.PullBudget
	if budget <= 0 {
		budget = DefaultPullBudget
	}
	publishTimeout := opts.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = DefaultPublishTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hook{
		agentID:        opts.AgentID,
		sessionID:      opts.SessionID,
		backend:        opts.Backend,
		guard:          opts.Guardrail,
		logger:         logger,
		sanitizer:      bluemonday.StrictPolicy(),
		n:              n,
		pullBudget:     budget,
		publishTimeout: publishTimeout,
		filesTouched:   map[string]struct{}{},
	}
}

// AgentID returns the agent id this hook was constructed for.
func (h *Hook) AgentID() string { return h.agentID }

// SetPhase records the agent's current phase name and index, used on
// HEARTBEAT and to decide whether a SYNC_REQUEST can be acked
// immediately (spec §4.C8 PULL phase).
func (h *Hook) SetPhase(phase string, phaseIndex int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.phase = phase
	h.phaseIndex = phaseIndex
	var remaining []codec.SyncRequest
	var ready []codec.SyncRequest
	for _, req := range h.deferredSync {
		if phaseIndex >= req.PhaseIndex {
			ready = append(ready, req)
		} else {
			remaining = append(remaining, req)
		}
	}
	h.deferredSync = remaining
	h.readyToAck = append(h.readyToAck, ready...)
}

// SetCurrentTask records the opaque id of the task the agent is
// currently working, carried on HEARTBEAT.
func (h *Hook) SetCurrentTask(taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currentTaskID = taskID
}

// TouchFile records a file as touched since the last check-in.
func (h *Hook) TouchFile(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filesTouched[path] = struct{}{}
}

// AddInsight queues a discovery for the next push.
func (h *Hook) AddInsight(tags []string, payload string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pendingInsights = append(h.pendingInsights, Insight{Tags: tags, Payload: payload})
}

// ShouldCheckin increments the tool-call counter and reports whether
// this call lands on a check-in boundary.
func (h *Hook) ShouldCheckin() (count uint64, due bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.toolCallCount++
	return h.toolCallCount, h.toolCallCount%uint64(h.n) == 0
}

// Cancel requests a hard stop: the next Push flushes only HEARTBEAT.
func (h *Hook) Cancel() {
	h.cancel.Store(true)
}

func (h *Hook) cancelled() bool {
	return h.cancel.Load()
}

func (h *Hook) nextSeq() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	return h.seq
}

func (h *Hook) envelope(kind codec.Kind, body codec.Body) *codec.Envelope {
	return &codec.Envelope{
		SchemaVersion: codec.SchemaVersion,
		SessionID:     h.sessionID,
		Sender:        h.agentID,
		Seq:           h.nextSeq(),
		SentAt:        time.Now().UTC(),
		Kind:          kind,
		Body:          body,
	}
}

func (h *Hook) publish(ctx context.Context, ch string, kind codec.Kind, body codec.Body) error {
	env := h.envelope(kind, body)
	data, err := codec.Encode(env)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, h.publishTimeout)
	defer cancel()
	return h.backend.Publish(pctx, ch, data)
}

// Push executes the PUSH phase: always emits HEARTBEAT; if a cancel
// was requested it stops there; otherwise, when there is a progress
// delta, it emits CHECKIN plus one standalone INSIGHT per queued
// insight, applying the escalation filter first.
func (h *Hook) Push(ctx context.Context, progressNote string) error {
	h.mu.Lock()
	phase := h.phase
	taskID := h.currentTaskID
	count := h.toolCallCount
	h.mu.Unlock()

	if err := h.publish(ctx, channel.Heartbeat, codec.KindHeartbeat, codec.Heartbeat{
		Phase:         phase,
		ToolCallCount: count,
		CurrentTaskID: taskID,
	}); err != nil {
		return fmt.Errorf("checkin: push heartbeat: %w", err)
	}

	if h.cancelled() {
		return nil
	}

	h.mu.Lock()
	files := make([]string, 0, len(h.filesTouched))
	for f := range h.filesTouched {
		files = append(files, f)
	}
	insights := h.pendingInsights
	h.filesTouched = map[string]struct{}{}
	h.pendingInsights = nil
	h.mu.Unlock()

	if progressNote == "" && len(files) == 0 && len(insights) == 0 {
		return nil
	}

	var accepted []codec.InsightPayload
	for _, in := range insights {
		if h.escalationRequired(in.Tags) {
			if err := h.publish(ctx, channel.Human, codec.KindHumanEscalate, codec.HumanEscalate{
				Category: escalationCategory(in.Tags),
				Context:  h.sanitizer.Sanitize(in.Payload),
				AgentID:  h.agentID,
			}); err != nil {
				h.logger.Warn("checkin: failed to publish escalation", zap.Error(err))
			}
			h.mu.Lock()
			h.paused = true
			h.mu.Unlock()
			continue
		}
		accepted = append(accepted, codec.InsightPayload{
			ID:        fmt.Sprintf("%s-%d", h.agentID, h.nextSeq()),
			Phase:     phase,
			Tags:      in.Tags,
			Payload:   h.sanitizer.Sanitize(in.Payload),
			TTL:       24 * time.Hour,
			CreatedAt: time.Now().UTC(),
		})
	}

	if err := h.publish(ctx, channel.Results, codec.KindCheckin, codec.Checkin{
		ProgressNote: h.sanitizer.Sanitize(progressNote),
		FilesTouched: files,
		Insights:     accepted,
	}); err != nil {
		return fmt.Errorf("checkin: push checkin: %w", err)
	}

	for _, ip := range accepted {
		err := h.publish(ctx, channel.Insights, codec.KindInsight, codec.Insight{
			ID:            ip.ID,
			SourceAgentID: h.agentID,
			Phase:         ip.Phase,
			CreatedAt:     ip.CreatedAt,
			Tags:          ip.Tags,
			Payload:       ip.Payload,
			TTL:           ip.TTL,
		})
		if err != nil {
			h.logger.Warn("checkin: failed to publish standalone insight", zap.Error(err))
		}
	}

	return nil
}

// escalationRequired reports whether any of tags names a category the
// guardrail marks human-required; with no guardrail configured,
// nothing is ever escalated at this layer (the coordinator still
// enforces its own checks on receive).
func (h *Hook) escalationRequired(tags []string) bool {
	if h.guard == nil {
		return false
	}
	for _, t := range tags {
		if h.guard.IsHumanRequired(t) {
			return true
		}
	}
	return false
}

func escalationCategory(tags []string) string {
	if len(tags) == 0 {
		return "unspecified"
	}
	return tags[0]
}

// Paused reports whether this agent has a pending human escalation
// from an earlier push and should hold off starting new work.
func (h *Hook) Paused() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.paused
}

// Resume clears the local pause flag once the caller has observed a
// human ack (mirrors the coordinator's pop:human:ack:<agent_id> key).
func (h *Hook) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paused = false
}

// ensureSubscription lazily subscribes to this agent's direct channel.
func (h *Hook) ensureSubscription(ctx context.Context) (store.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub != nil {
		return h.sub, nil
	}
	sub, err := h.backend.Subscribe(ctx, channel.Agent(h.agentID), h.agentID)
	if err != nil {
		return nil, fmt.Errorf("checkin: subscribe: %w", err)
	}
	h.sub = sub
	return sub, nil
}

// Pull executes the PULL phase: drains up to PullDrainLimit messages
// from this agent's direct channel within a bounded budget, without
// ever blocking past it.
func (h *Hook) Pull(ctx context.Context) (PullResult, error) {
	var result PullResult

	sub, err := h.ensureSubscription(ctx)
	if err != nil {
		return result, err
	}

	pullCtx, cancel := context.WithTimeout(ctx, h.pullBudget)
	defer cancel()

	for result.Drained < PullDrainLimit {
		msg, ok, err := sub.Next(pullCtx)
		if err != nil {
			if pullCtx.Err() != nil {
				break // budget exhausted; not an error to the caller
			}
			return result, fmt.Errorf("checkin: pull: %w", err)
		}
		if !ok {
			break
		}
		result.Drained++

		env, err := codec.Decode(msg.Data)
		if err != nil {
			h.logger.Warn("checkin: dropping invalid message", zap.Error(err))
			continue
		}
		if env.Sender == h.agentID {
			continue // self-loopback suppression (I6)
		}

		h.dispatch(ctx, env, &result)
	}

	return result, nil
}

func (h *Hook) dispatch(ctx context.Context, env *codec.Envelope, result *PullResult) {
	switch body := env.Body.(type) {
	case codec.CourseCorrect:
		h.logger.Info("checkin: course correct", zap.String("reason", body.Reason))
		result.CourseCorrects = append(result.CourseCorrects, body)
	case codec.DriftAlert:
		h.logger.Info("checkin: drift alert", zap.String("evidence", body.Evidence))
		result.DriftAlerts = append(result.DriftAlerts, body)
	case codec.TaskAssign:
		result.NewTasks = append(result.NewTasks, body)
	case codec.SyncRequest:
		h.handleSyncRequest(ctx, body)
	}
}

// handleSyncRequest acks immediately if the agent's current phase
// index already meets or exceeds the barrier's; otherwise it defers,
// to be resolved later by SetPhase advancing past it and the caller
// invoking FlushDeferredSyncAcks (spec §4.C8 PULL phase, SYNC_REQUEST).
func (h *Hook) handleSyncRequest(ctx context.Context, req codec.SyncRequest) {
	h.mu.Lock()
	ready := h.phaseIndex >= req.PhaseIndex
	if !ready {
		h.deferredSync = append(h.deferredSync, req)
	}
	h.mu.Unlock()

	if ready {
		if err := h.publish(ctx, channel.Coordinator, codec.KindSyncAck, codec.SyncAck{BarrierID: req.BarrierID}); err != nil {
			h.logger.Warn("checkin: failed to ack sync request", zap.Error(err))
		}
	}
}

// FlushDeferredSyncAcks publishes SYNC_ACK for any SYNC_REQUEST that
// SetPhase has since marked ready, having advanced the agent's phase
// index past the barrier's. Safe to call even when nothing is ready.
func (h *Hook) FlushDeferredSyncAcks(ctx context.Context) {
	h.mu.Lock()
	ready := h.readyToAck
	h.readyToAck = nil
	h.mu.Unlock()

	for _, req := range ready {
		if err := h.publish(ctx, channel.Coordinator, codec.KindSyncAck, codec.SyncAck{BarrierID: req.BarrierID}); err != nil {
			h.logger.Warn("checkin: failed to ack deferred sync request", zap.Error(err))
		}
	}
}

// Close releases the agent's subscription, if any.
func (h *Hook) Close() error {
	h.mu.Lock()
	sub := h.sub
	h.sub = nil
	h.mu.Unlock()
	if sub != nil {
		return sub.Close()
	}
	return nil
}
