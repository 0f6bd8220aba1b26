package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/popkit/power-mode/internal/barrier"
	"github.com/popkit/power-mode/internal/channel"
	"github.com/popkit/power-mode/internal/objective"
	"github.com/popkit/power-mode/internal/registry"
	"github.com/popkit/power-mode/internal/store"
)

// healthProbeTimeout bounds the store round trip Health performs; a
// slow or wedged backend must not hang the /healthz handler.
const healthProbeTimeout = 2 * time.Second

// HealthStatus is the /healthz payload (spec §9 supplement): it
// reports store reachability and lease ownership rather than a static
// "ok", since either one failing means the session isn't being driven.
type HealthStatus struct {
	StoreReachable bool   `json:"store_reachable"`
	LeaseHeld      bool   `json:"lease_held"`
	SelfID         string `json:"self_id"`
	SessionID      string `json:"session_id"`
}

// Healthy reports whether the store backing this session is reachable.
// Lease ownership is reported alongside but does not by itself fail
// the probe: a standby coordinator without the lease is still alive.
func (h HealthStatus) Healthy() bool {
	return h.StoreReachable
}

// Health probes the store with a short-timeout round trip and reports
// current lease ownership (spec §9 supplement, §4.C9 "Invariants on
// entry"). A missing objective key still counts as the store being
// reachable; only a transport-level failure counts against it.
func (c *Coordinator) Health(ctx context.Context) HealthStatus {
	hctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	_, err := c.backend.Get(hctx, channel.KeyObjective)
	reachable := err == nil || errors.Is(err, store.ErrNotFound)
	return HealthStatus{
		StoreReachable: reachable,
		LeaseHeld:      c.leaseHeld.Load(),
		SelfID:         c.selfID,
		SessionID:      c.sessionID,
	}
}

// ObjectiveSnapshot returns a copy of the current objective state, for
// the read-only monitoring surface (spec §9 supplement).
func (c *Coordinator) ObjectiveSnapshot() objective.Objective {
	c.objMu.Lock()
	defer c.objMu.Unlock()
	return *c.obj
}

// AgentsSnapshot returns every agent not yet down or retired.
func (c *Coordinator) AgentsSnapshot() []registry.Agent {
	return c.registry.Active()
}

// AgentSnapshot returns one agent's current record.
func (c *Coordinator) AgentSnapshot(agentID string) (registry.Agent, error) {
	return c.registry.Get(agentID)
}

// BarriersSnapshot returns every barrier opened this session.
func (c *Coordinator) BarriersSnapshot() []barrier.Barrier {
	return c.barriers.Snapshot()
}

// Metrics is a point-in-time read of the coordinator's session counters.
type Metrics struct {
	InsightsSeen        int            `json:"insights_seen"`
	InsightsEmitted     int            `json:"insights_emitted"`
	OrphanReassignments int            `json:"orphan_reassignments"`
	HumanEscalations    int            `json:"human_escalations"`
	CheckinCounts       map[string]int `json:"checkin_counts"`
}

// MetricsSnapshot returns a copy of the coordinator's session counters.
func (c *Coordinator) MetricsSnapshot() Metrics {
	c.metricsMu.Lock()
	defer c.metricsMu.Unlock()
	return Metrics{
		InsightsSeen:        c.insightsSeen,
		InsightsEmitted:     c.insightsEmitted,
		OrphanReassignments: c.orphanReassignments,
		HumanEscalations:    c.humanEscalations,
		CheckinCounts:       copyCounts(c.checkinCounts),
	}
}
