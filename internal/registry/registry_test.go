package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterEnforcesCapacity(t *testing.T) {
	r := New(2, 15*time.Second)
	_, err := r.Register("builder", nil)
	require.NoError(t, err)
	_, err = r.Register("builder", nil)
	require.NoError(t, err)
	_, err = r.Register("builder", nil)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestRecordHeartbeatActivates(t *testing.T) {
	r := New(5, 15*time.Second)
	id, err := r.Register("builder", []string{"build"})
	require.NoError(t, err)

	a, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, a.State)

	require.NoError(t, r.RecordHeartbeat(id, "build", 5))
	a, err = r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateActive, a.State)
	assert.EqualValues(t, 5, a.ToolCallCount)
}

func TestReapDownsAfterThreeMissedHeartbeats(t *testing.T) {
	r := New(5, 15*time.Second)
	id, err := r.Register("builder", nil)
	require.NoError(t, err)
	require.NoError(t, r.RecordHeartbeat(id, "build", 1))
	require.NoError(t, r.AssignTask(id, "t7"))

	now := time.Now().UTC().Add(46 * time.Second) // > 3x15s
	events := r.Reap(now)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].AgentID)
	assert.Equal(t, []string{"t7"}, events[0].OrphanTasks)

	a, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StateDown, a.State)
	assert.Empty(t, a.PendingTasks, "pending tasks must move out of the agent on reap")
}

func TestReapDoesNotRedownAnAlreadyDownAgent(t *testing.T) {
	r := New(5, 15*time.Second)
	_, err := r.Register("builder", nil)
	require.NoError(t, err)

	now := time.Now().UTC().Add(time.Hour)
	events := r.Reap(now)
	require.Len(t, events, 1)

	events = r.Reap(now.Add(time.Minute))
	assert.Empty(t, events, "an already-down agent must not be reaped twice")
}

func TestAssignAndCompleteTaskTracksPendingQueue(t *testing.T) {
	r := New(5, 15*time.Second)
	id, err := r.Register("builder", nil)
	require.NoError(t, err)

	require.NoError(t, r.AssignTask(id, "t1"))
	require.NoError(t, r.AssignTask(id, "t2"))
	a, _ := r.Get(id)
	assert.Equal(t, []string{"t1", "t2"}, a.PendingTasks)

	require.NoError(t, r.CompleteTask(id, "t1"))
	a, _ = r.Get(id)
	assert.Equal(t, []string{"t2"}, a.PendingTasks)
}

func TestActiveExcludesDownAndRetired(t *testing.T) {
	r := New(5, 15*time.Second)
	id1, _ := r.Register("builder", nil)
	id2, _ := r.Register("builder", nil)
	require.NoError(t, r.RecordHeartbeat(id1, "build", 1))
	require.NoError(t, r.Retire(id2))

	active := r.Active()
	require.Len(t, active, 1)
	assert.Equal(t, id1, active[0].ID)
}

func TestUnknownAgentOperationsReturnNotFound(t *testing.T) {
	r := New(5, 15*time.Second)
	_, err := r.Get("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.RecordHeartbeat("ghost", "x", 0), ErrNotFound)
	assert.ErrorIs(t, r.AssignTask("ghost", "t1"), ErrNotFound)
}
