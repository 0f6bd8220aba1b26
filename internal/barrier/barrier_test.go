package barrier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBarrierReleasesOnAllAcks(t *testing.T) {
	m := New()
	id := m.OpenBarrier(0, []string{"a1", "a2", "a3"}, time.Minute)

	require.NoError(t, m.RecordAck(id, "a1"))
	st, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, st)

	require.NoError(t, m.RecordAck(id, "a2"))
	require.NoError(t, m.RecordAck(id, "a3"))
	st, err = m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, st)
}

func TestRecordAckIsIdempotent(t *testing.T) {
	m := New()
	id := m.OpenBarrier(0, []string{"a1"}, time.Minute)
	require.NoError(t, m.RecordAck(id, "a1"))
	require.NoError(t, m.RecordAck(id, "a1"))
	st, _ := m.Status(id)
	assert.Equal(t, StatusReleased, st)
}

func TestCheckTimeoutsTransitionsPastDeadline(t *testing.T) {
	m := New()
	id := m.OpenBarrier(0, []string{"a1", "a2"}, time.Second)
	require.NoError(t, m.RecordAck(id, "a1"))

	timedOut := m.CheckTimeouts(time.Now().UTC().Add(2 * time.Second))
	require.Contains(t, timedOut, id)

	st, err := m.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, st)

	stragglers, err := m.Stragglers(id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, stragglers)
}

func TestTimedOutBarrierNeverRetried(t *testing.T) {
	m := New()
	id := m.OpenBarrier(0, []string{"a1"}, time.Second)
	m.CheckTimeouts(time.Now().UTC().Add(2 * time.Second))

	require.NoError(t, m.RecordAck(id, "a1"))
	st, _ := m.Status(id)
	assert.Equal(t, StatusTimedOut, st, "a timed-out barrier must not transition back to released")
}

func TestRemoveParticipantCanTriggerRelease(t *testing.T) {
	m := New()
	id := m.OpenBarrier(0, []string{"a1", "a2"}, time.Minute)
	require.NoError(t, m.RecordAck(id, "a1"))

	require.NoError(t, m.RemoveParticipant(id, "a2"))
	st, _ := m.Status(id)
	assert.Equal(t, StatusReleased, st, "removing the only straggler must release the barrier")
}

func TestReleasedOrTimedOutForPhaseReflectsStatus(t *testing.T) {
	m := New()
	assert.False(t, m.ReleasedOrTimedOutForPhase(0), "no barrier opened yet means not released")

	id := m.OpenBarrier(0, []string{"a1"}, time.Minute)
	assert.False(t, m.ReleasedOrTimedOutForPhase(0))

	require.NoError(t, m.RecordAck(id, "a1"))
	assert.True(t, m.ReleasedOrTimedOutForPhase(0))
}

func TestUnknownBarrierOperationsReturnNotFound(t *testing.T) {
	m := New()
	_, err := m.Status("ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.RecordAck("ghost", "a1"), ErrNotFound)
}
