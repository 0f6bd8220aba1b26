// Package coordinator implements the Power Mode Coordinator Loop
// (spec §4.C9): the single authoritative process that pumps the
// shared substrate, dispatches messages by type, reaps unresponsive
// agents and fails their pending work over, manages sync barriers,
// advances the objective's phases, and aggregates session completion.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/popkit/power-mode/internal/archive"
	"github.com/popkit/power-mode/internal/barrier"
	"github.com/popkit/power-mode/internal/channel"
	"github.com/popkit/power-mode/internal/codec"
	"github.com/popkit/power-mode/internal/config"
	"github.com/popkit/power-mode/internal/guardrail"
	"github.com/popkit/power-mode/internal/insight"
	"github.com/popkit/power-mode/internal/objective"
	"github.com/popkit/power-mode/internal/registry"
	"github.com/popkit/power-mode/internal/store"
)

// ErrLeaseHeld is returned by AcquireLease when another process
// already holds the coordinator lease for this session (spec I1).
var ErrLeaseHeld = errors.New("coordinator: lease already held")

// ErrSurrendered is returned by Run when lease renewal fails and the
// coordinator gives up authority (spec §4.C9, §5).
var ErrSurrendered = errors.New("coordinator: lease renewal failed, surrendered")

const (
	tickInterval         = 1 * time.Second
	invalidMessageLimit  = 10
	invalidMessageWindow = 60 * time.Second
	backpressureLimit    = 100
)

// pumpedChannels are the inbound channels the Coordinator subscribes
// to every session (spec §6.4); pop:agent:<id> is agent-direction only
// and never pumped here.
var pumpedChannels = []string{
	channel.Broadcast,
	channel.Heartbeat,
	channel.Results,
	channel.Insights,
	channel.Coordinator,
	channel.Human,
}

type invalidTracker struct {
	windowStart time.Time
	count       int
}

// Options configures a new Coordinator.
type Options struct {
	SessionID string
	SelfID    string // defaults to a generated uuid; identifies the lease holder
	Backend   store.Backend
	Objective *objective.Objective
	Config    *config.Config
	Guardrail *guardrail.Engine
	Archive   *archive.Store // optional; nil disables durable archival
	Logger    *zap.Logger
}

// Coordinator is the session's single logical owner of mutable
// coordination state (spec §5): registry, insight router, barrier
// manager, and guardrail engine are authoritative only while it holds
// the session lease.
type Coordinator struct {
	sessionID string
	selfID    string
	backend   store.Backend
	cfg       *config.Config
	guard     *guardrail.Engine
	archive   *archive.Store
	logger    *zap.Logger

	registry *registry.Registry
	router   *insight.Router
	barriers *barrier.Manager

	objMu sync.Mutex
	obj   *objective.Objective

	seq uint64

	barrierMu    sync.Mutex
	phaseBarrier map[int]string

	tasksMu sync.Mutex
	tasks   map[string]*taskRecord

	metricsMu           sync.Mutex
	checkinCounts       map[string]int
	insightsSeen        int
	insightsEmitted     int
	orphanReassignments int
	humanEscalations    int
	completionWritten   bool

	invalidMu     sync.Mutex
	invalidCounts map[string]*invalidTracker

	obsMu     sync.Mutex
	observers map[chan *codec.Envelope]struct{}

	leaseHeld  atomic.Bool
	leaseLost  chan struct{}
	leaseOnce  sync.Once
	startedAt  time.Time
}

// New constructs a Coordinator. Run must be called to acquire the
// lease and start the loop.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	selfID := opts.SelfID
	if selfID == "" {
		selfID = uuid.New().String()
	}
	return &Coordinator{
		sessionID:     opts.SessionID,
		selfID:        selfID,
		backend:       opts.Backend,
		cfg:           opts.Config,
		guard:         opts.Guardrail,
		archive:       opts.Archive,
		logger:        logger,
		registry:      registry.New(opts.Config.MaxParallelAgents, opts.Config.HeartbeatInterval),
		router:        insight.New(),
		barriers:      barrier.New(),
		obj:           opts.Objective,
		phaseBarrier:  map[int]string{},
		tasks:         map[string]*taskRecord{},
		checkinCounts: map[string]int{},
		invalidCounts: map[string]*invalidTracker{},
		observers:     map[chan *codec.Envelope]struct{}{},
		leaseLost:     make(chan struct{}),
	}
}

// SelfID returns the coordinator's lease-holder identity.
func (c *Coordinator) SelfID() string { return c.selfID }

// AcquireLease claims the session lease via CAS(pop:coordinator:lease,
// nil, self) with the configured TTL (spec §4.C9 "Invariants on
// entry").
func (c *Coordinator) AcquireLease(ctx context.Context) error {
	ok, err := c.backend.CAS(ctx, channel.KeyCoordinatorLease, nil, []byte(c.selfID), c.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("coordinator: acquire lease: %w", err)
	}
	if !ok {
		return ErrLeaseHeld
	}
	c.leaseHeld.Store(true)
	return nil
}

// renewLease extends the lease iff it still belongs to this process.
func (c *Coordinator) renewLease(ctx context.Context) error {
	ok, err := c.backend.CAS(ctx, channel.KeyCoordinatorLease, []byte(c.selfID), []byte(c.selfID), c.cfg.LeaseTTL)
	if err != nil || !ok {
		c.leaseHeld.Store(false)
		c.leaseOnce.Do(func() { close(c.leaseLost) })
		if err != nil {
			return fmt.Errorf("coordinator: renew lease: %w", err)
		}
		return ErrSurrendered
	}
	return nil
}

func (c *Coordinator) releaseLease(ctx context.Context) {
	if !c.leaseHeld.Load() {
		return
	}
	if err := c.backend.Delete(ctx, channel.KeyCoordinatorLease); err != nil {
		c.logger.Warn("coordinator: failed to release lease", zap.Error(err))
	}
	c.leaseHeld.Store(false)
}

// Run acquires the lease and drives the main loop until the objective
// reaches a terminal lifecycle, the context is cancelled, or the
// lease is lost. It is the coordinator's single logical thread of
// control (spec §5): one mutex-guarded owner of mutable state, with
// three cooperating activities (message pump, periodic tick, lease
// renewer).
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.AcquireLease(ctx); err != nil {
		return err
	}
	defer c.releaseLease(context.Background())

	c.startedAt = time.Now().UTC()
	c.objMu.Lock()
	c.obj.Start()
	c.objMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan *codec.Envelope, 256)
	var wg sync.WaitGroup
	for _, ch := range pumpedChannels {
		sub, err := c.backend.Subscribe(runCtx, ch, c.selfID)
		if err != nil {
			return fmt.Errorf("coordinator: subscribe %s: %w", ch, err)
		}
		wg.Add(1)
		go func(ch string, sub store.Subscription) {
			defer wg.Done()
			c.pump(runCtx, ch, sub, inbound)
		}(ch, sub)
	}
	defer wg.Wait()

	tick := time.NewTicker(tickInterval)
	defer tick.Stop()
	leaseRenew := time.NewTicker(c.cfg.LeaseRenewInterval)
	defer leaseRenew.Stop()

	c.logger.Info("coordinator: session started",
		zap.String("session_id", c.sessionID),
		zap.String("self_id", c.selfID))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.leaseLost:
			return ErrSurrendered
		case env := <-inbound:
			c.dispatch(runCtx, env)
			if c.terminal() {
				return nil
			}
		case <-tick.C:
			c.onTick(runCtx)
			if c.terminal() {
				return nil
			}
		case <-leaseRenew.C:
			if err := c.renewLease(runCtx); err != nil {
				c.logger.Error("coordinator: surrendering session", zap.Error(err))
				return err
			}
		}
	}
}

func (c *Coordinator) terminal() bool {
	c.objMu.Lock()
	defer c.objMu.Unlock()
	switch c.obj.Lifecycle {
	case objective.LifecycleCompleted, objective.LifecycleFailed, objective.LifecycleCancelled:
		return true
	default:
		return false
	}
}

// onTick runs the coordinator's periodic (1s) housekeeping: reap,
// barrier timeouts, phase advance, completion, and the session hard
// cap (spec §4.C9 "run periodic tasks").
func (c *Coordinator) onTick(ctx context.Context) {
	now := time.Now().UTC()

	for _, ev := range c.registry.Reap(now) {
		c.handleAgentDown(ctx, ev)
	}

	for _, bid := range c.barriers.CheckTimeouts(now) {
		c.handleBarrierTimeout(ctx, bid)
	}

	c.checkHumanAcks(ctx)
	c.evaluatePhase(ctx)
	c.evaluateCompletion(ctx)
	c.persistObjective(ctx)

	if now.Sub(c.startedAt) > c.cfg.MaxRuntime {
		c.failSession(ctx, "timeout")
	}
}

func (c *Coordinator) persistObjective(ctx context.Context) {
	c.objMu.Lock()
	data, err := c.obj.Serialize()
	c.objMu.Unlock()
	if err != nil {
		c.logger.Warn("coordinator: serialize objective", zap.Error(err))
		return
	}
	if err := c.backend.Set(ctx, channel.KeyObjective, data, 0); err != nil {
		c.logger.Warn("coordinator: persist objective", zap.Error(err))
	}
}

// pump reads one subscribed channel and forwards well-formed,
// not-self-sent envelopes into inbound, applying invalid-message
// tracking (spec §7) and insight backpressure (spec §5, §9) inline.
func (c *Coordinator) pump(ctx context.Context, ch string, sub store.Subscription, inbound chan<- *codec.Envelope) {
	defer sub.Close()
	for {
		msg, ok, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("coordinator: subscription error", zap.String("channel", ch), zap.Error(err))
			continue
		}
		if !ok {
			return
		}

		env, err := codec.Decode(msg.Data)
		if err != nil {
			c.recordInvalid(ctx, peekSender(msg.Data))
			c.logger.Warn("coordinator: dropping invalid message", zap.String("channel", ch), zap.Error(err))
			continue
		}
		if env.Sender == c.selfID || env.Sender == codec.CoordinatorSender {
			continue // self-loopback suppression (I6)
		}

		if env.Kind == codec.KindInsight && !c.admitInsight(env) {
			continue
		}

		select {
		case inbound <- env:
		case <-ctx.Done():
			return
		}
	}
}

// admitInsight applies the inbound-pump backpressure rule: once more
// than backpressureLimit insight messages are pending dispatch, drop
// anything that is not tagged blocker or question (spec §5, §9).
func (c *Coordinator) admitInsight(env *codec.Envelope) bool {
	in, ok := env.Body.(codec.Insight)
	if !ok {
		return true
	}

	c.metricsMu.Lock()
	pending := c.insightsSeen - c.insightsEmitted
	exempt := hasTag(in.Tags, insight.TagBlocker) || hasTag(in.Tags, insight.TagQuestion)
	if pending < backpressureLimit || exempt {
		c.insightsSeen++
		c.metricsMu.Unlock()
		return true
	}
	c.metricsMu.Unlock()

	c.logger.Warn("coordinator: dropping low-priority insight under backpressure",
		zap.String("insight_id", in.ID), zap.Strings("tags", in.Tags))
	return false
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func peekSender(data []byte) string {
	var hdr struct {
		Sender string `json:"sender"`
	}
	_ = json.Unmarshal(data, &hdr)
	return hdr.Sender
}

func (c *Coordinator) recordInvalid(ctx context.Context, sender string) {
	if sender == "" {
		return
	}
	c.invalidMu.Lock()
	now := time.Now().UTC()
	t, ok := c.invalidCounts[sender]
	if !ok || now.Sub(t.windowStart) > invalidMessageWindow {
		t = &invalidTracker{windowStart: now}
		c.invalidCounts[sender] = t
	}
	t.count++
	exceeded := t.count > invalidMessageLimit
	c.invalidMu.Unlock()

	if !exceeded {
		return
	}
	if ev, err := c.registry.ForceDown(sender); err == nil {
		c.logger.Warn("coordinator: agent forced down for invalid message rate", zap.String("agent_id", sender))
		c.handleAgentDown(ctx, ev)
	}
}

// publish wraps body in a coordinator-sent envelope and publishes it,
// bounded by the configured publish timeout, and fans out to any
// registered observers when the channel is one a human or UI would
// watch (spec §9 "DOMAIN STACK", monitoring surface).
func (c *Coordinator) publish(ctx context.Context, ch string, kind codec.Kind, body codec.Body) {
	env := &codec.Envelope{
		SchemaVersion: codec.SchemaVersion,
		SessionID:     c.sessionID,
		Sender:        codec.CoordinatorSender,
		Seq:           atomic.AddUint64(&c.seq, 1),
		SentAt:        time.Now().UTC(),
		Kind:          kind,
		Body:          body,
	}
	data, err := codec.Encode(env)
	if err != nil {
		c.logger.Error("coordinator: encode outbound message", zap.Error(err))
		return
	}
	pctx, cancel := context.WithTimeout(ctx, c.cfg.CheckinPublishTimeout)
	defer cancel()
	if err := c.backend.Publish(pctx, ch, data); err != nil {
		c.logger.Warn("coordinator: publish failed", zap.String("channel", ch), zap.Error(err))
		return
	}
	if ch == channel.Broadcast || ch == channel.Human {
		c.notifyObservers(env)
	}
}

// publishToAgent publishes body on agentID's direct channel unless the
// guardrail engine currently has dispatch to that agent paused pending
// a human ack (spec §4.C7 "the coordinator pauses message dispatch to
// that agent until a human ack is received").
func (c *Coordinator) publishToAgent(ctx context.Context, agentID string, kind codec.Kind, body codec.Body) {
	if c.guard != nil && c.guard.Paused(agentID) {
		c.logger.Debug("coordinator: dispatch paused pending human ack", zap.String("agent_id", agentID))
		return
	}
	c.publish(ctx, channel.Agent(agentID), kind, body)
}

// Observe returns a best-effort fan-out channel of every envelope the
// coordinator publishes to pop:broadcast/pop:human, for the read-only
// monitoring surface (spec §9 supplement). The returned cancel func
// must be called to stop receiving and release the channel.
func (c *Coordinator) Observe() (<-chan *codec.Envelope, func()) {
	ch := make(chan *codec.Envelope, 32)
	c.obsMu.Lock()
	c.observers[ch] = struct{}{}
	c.obsMu.Unlock()
	return ch, func() {
		c.obsMu.Lock()
		if _, ok := c.observers[ch]; ok {
			delete(c.observers, ch)
			close(ch)
		}
		c.obsMu.Unlock()
	}
}

func (c *Coordinator) notifyObservers(env *codec.Envelope) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	for ch := range c.observers {
		select {
		case ch <- env:
		default:
		}
	}
}
