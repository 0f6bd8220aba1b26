package coordinator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/popkit/power-mode/internal/channel"
	"github.com/popkit/power-mode/internal/checkin"
	"github.com/popkit/power-mode/internal/codec"
	"github.com/popkit/power-mode/internal/config"
	"github.com/popkit/power-mode/internal/guardrail"
	"github.com/popkit/power-mode/internal/objective"
	"github.com/popkit/power-mode/internal/registry"
	"github.com/popkit/power-mode/internal/store"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.LeaseTTL = 2 * time.Second
	cfg.LeaseRenewInterval = 200 * time.Millisecond
	cfg.FilePollInterval = 10 * time.Millisecond
	cfg.BarrierDeadline = 1500 * time.Millisecond
	cfg.CheckinPullBudget = 500 * time.Millisecond
	cfg.CheckinPublishTimeout = time.Second
	cfg.HeartbeatInterval = 150 * time.Millisecond
	cfg.CheckinEveryNTools = 1
	return cfg
}

func newTestBackend(t *testing.T) store.Backend {
	t.Helper()
	dir := t.TempDir()
	fs, err := store.NewFileStore(store.FileStoreOptions{
		StatePath:    filepath.Join(dir, "state.json"),
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return fs
}

// driveAgent runs a background loop for one simulated agent: it keeps
// the check-in Pull phase alive so the agent acks SYNC_REQUESTs and
// picks up TASK_ASSIGNs, and immediately completes whatever task it is
// handed, standing in for real tool-use work for this test's purposes.
func driveAgent(ctx context.Context, backend store.Backend, sessionID string, hook *checkin.Hook) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		result, err := hook.Pull(ctx)
		if err != nil {
			return
		}
		for _, ta := range result.NewTasks {
			hook.SetCurrentTask(ta.TaskID)
			completeTaskBestEffort(ctx, backend, sessionID, hook.AgentID(), ta.TaskID)
		}
		hook.FlushDeferredSyncAcks(ctx)
		time.Sleep(20 * time.Millisecond)
	}
}

func completeTaskBestEffort(ctx context.Context, backend store.Backend, sessionID, agentID, taskID string) {
	env := &codec.Envelope{
		SchemaVersion: codec.SchemaVersion,
		SessionID:     sessionID,
		Sender:        agentID,
		Seq:           1,
		SentAt:        time.Now().UTC(),
		Kind:          codec.KindTaskComplete,
		Body:          codec.TaskComplete{TaskID: taskID, OK: true},
	}
	if data, err := codec.Encode(env); err == nil {
		_ = backend.Publish(ctx, channel.Results, data)
	}
}

// TestHappyPathTwoAgentsTwoPhases drives spec §8 scenario 1 at a
// reduced scale: two agents complete one task apiece across two
// phases and the objective reaches OBJECTIVE_COMPLETE with a
// pop:completed:<session> record present.
func TestHappyPathTwoAgentsTwoPhases(t *testing.T) {
	backend := newTestBackend(t)
	cfg := newTestConfig(t)
	const sessionID = "sess-1"

	obj, err := objective.Create(sessionID, "prove concept",
		[]string{"spec written", "prototype runs"},
		[]string{"design", "build"},
		objective.Boundaries{AllowedGlobs: []string{"**"}})
	require.NoError(t, err)

	guard, err := guardrail.New(guardrail.Config{})
	require.NoError(t, err)

	coord := New(Options{
		SessionID: sessionID,
		Backend:   backend,
		Objective: obj,
		Config:    cfg,
		Guardrail: guard,
	})

	a1, err := coord.RegisterAgent("worker", []string{"design", "build"})
	require.NoError(t, err)
	a2, err := coord.RegisterAgent("worker", []string{"design", "build"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- coord.Run(ctx) }()

	hook1 := checkin.New(checkin.Options{AgentID: a1, SessionID: sessionID, Backend: backend, CheckinEveryN: 1, PullBudget: cfg.CheckinPullBudget, PublishTimeout: cfg.CheckinPublishTimeout})
	hook2 := checkin.New(checkin.Options{AgentID: a2, SessionID: sessionID, Backend: backend, CheckinEveryN: 1, PullBudget: cfg.CheckinPullBudget, PublishTimeout: cfg.CheckinPublishTimeout})
	t.Cleanup(func() { hook1.Close(); hook2.Close() })
	hook1.SetPhase("design", 0)
	hook2.SetPhase("design", 0)

	go driveAgent(ctx, backend, sessionID, hook1)
	go driveAgent(ctx, backend, sessionID, hook2)

	// Phase 0 ("design"): one task per agent, the first mapped to the
	// first success criterion.
	criterion0 := 0
	_, err = coord.AssignTask(ctx, 0, a1, "", "design work", &criterion0, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	_, err = coord.AssignTask(ctx, 0, a2, "", "design review", nil, time.Now().Add(5*time.Second))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return coord.ObjectiveSnapshot().CurrentPhaseIndex >= 1
	}, 10*time.Second, 50*time.Millisecond, "objective did not advance past phase 0")

	hook1.SetPhase("build", 1)
	hook2.SetPhase("build", 1)

	// Phase 1 ("build"): one more task per agent, the first mapped to
	// the second success criterion, completing the objective.
	criterion1 := 1
	_, err = coord.AssignTask(ctx, 1, a1, "", "build work", &criterion1, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	_, err = coord.AssignTask(ctx, 1, a2, "", "build review", nil, time.Now().Add(5*time.Second))
	require.NoError(t, err)

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(12 * time.Second):
		cancel()
		t.Fatal("coordinator did not reach a terminal state in time")
	}

	final := coord.ObjectiveSnapshot()
	assert.Equal(t, objective.LifecycleCompleted, final.Lifecycle)
	assert.True(t, final.AllCriteriaMet())

	completedRaw, err := backend.Get(context.Background(), channel.KeyCompleted(sessionID))
	require.NoError(t, err)
	require.NotNil(t, completedRaw)
}

// TestAgentFailoverReassignsOrphanTask drives spec §8 scenario 2: an
// agent that stops heartbeating is marked down, and its pending task
// is reassigned to the surviving agent.
func TestAgentFailoverReassignsOrphanTask(t *testing.T) {
	backend := newTestBackend(t)
	cfg := newTestConfig(t)
	cfg.HeartbeatInterval = 80 * time.Millisecond
	const sessionID = "sess-2"

	obj, err := objective.Create(sessionID, "ship a feature",
		[]string{"feature merged"},
		[]string{"implement"},
		objective.Boundaries{AllowedGlobs: []string{"**"}})
	require.NoError(t, err)

	guard, err := guardrail.New(guardrail.Config{})
	require.NoError(t, err)

	coord := New(Options{
		SessionID: sessionID,
		Backend:   backend,
		Objective: obj,
		Config:    cfg,
		Guardrail: guard,
	})

	a1, err := coord.RegisterAgent("worker", []string{"implement"})
	require.NoError(t, err)
	a2, err := coord.RegisterAgent("worker", []string{"implement"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- coord.Run(ctx) }()

	hook1 := checkin.New(checkin.Options{AgentID: a1, SessionID: sessionID, Backend: backend, CheckinEveryN: 1, PullBudget: cfg.CheckinPullBudget, PublishTimeout: cfg.CheckinPublishTimeout})
	t.Cleanup(func() { hook1.Close() })
	hook1.SetPhase("implement", 0)
	require.NoError(t, hook1.Push(ctx, "heartbeat before going down"))

	hook2 := checkin.New(checkin.Options{AgentID: a2, SessionID: sessionID, Backend: backend, CheckinEveryN: 1, PullBudget: cfg.CheckinPullBudget, PublishTimeout: cfg.CheckinPublishTimeout})
	t.Cleanup(func() { hook2.Close() })
	hook2.SetPhase("implement", 0)
	go driveAgent(ctx, backend, sessionID, hook2)

	criterion0 := 0
	taskID, err := coord.AssignTask(ctx, 0, a1, "", "feature work", &criterion0, time.Now().Add(30*time.Second))
	require.NoError(t, err)

	// a1 goes silent; a2 keeps heartbeating through the periodic Push
	// below, since driveAgent's Pull loop alone does not heartbeat.
	go func() {
		ticker := time.NewTicker(cfg.HeartbeatInterval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = hook2.Push(ctx, "still here")
			}
		}
	}()

	require.Eventually(t, func() bool {
		agents := coord.AgentsSnapshot()
		for _, a := range agents {
			if a.ID == a2 {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "agent a2 never became active")

	require.Eventually(t, func() bool {
		a, err := coord.AgentSnapshot(a1)
		return err == nil && a.State == registry.StateDown
	}, 5*time.Second, 20*time.Millisecond, "agent a1 was never reaped as down")

	require.Eventually(t, func() bool {
		final := coord.ObjectiveSnapshot()
		return final.Lifecycle == objective.LifecycleCompleted
	}, 10*time.Second, 50*time.Millisecond, "objective never completed after failover")

	assert.GreaterOrEqual(t, coord.MetricsSnapshot().OrphanReassignments, 1)
	_ = taskID
}
