package codec

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		body Body
	}{
		{"heartbeat", Heartbeat{Phase: "design", ToolCallCount: 5, CurrentTaskID: "t1"}},
		{"checkin", Checkin{ProgressNote: "wrote tests", FilesTouched: []string{"a.go", "b.go"}}},
		{"insight", Insight{ID: "i1", SourceAgentID: "a1", Phase: "build", Tags: []string{"pattern"}, Payload: "use X"}},
		{"task_assign", TaskAssign{TaskID: "t1", AgentID: "a1", Payload: "do it"}},
		{"task_complete", TaskComplete{TaskID: "t1", OK: true, Result: "done"}},
		{"sync_request", SyncRequest{BarrierID: "b1", PhaseIndex: 2}},
		{"sync_ack", SyncAck{BarrierID: "b1"}},
		{"phase_advance", PhaseAdvance{NewPhaseIndex: 3}},
		{"course_correct", CourseCorrect{AgentID: "a1", Reason: "touched protected path"}},
		{"drift_alert", DriftAlert{AgentID: "a1", Evidence: "jaccard 0.4"}},
		{"agent_down", AgentDown{AgentID: "a1"}},
		{"human_escalate", HumanEscalate{Category: "question", Context: "which db?"}},
		{"objective_complete", ObjectiveComplete{Summary: "done"}},
		{"objective_failed", ObjectiveFailed{Summary: "timeout"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := &Envelope{
				SessionID: "sess-1",
				Sender:    "a1",
				Seq:       7,
				SentAt:    time.Now().UTC().Truncate(time.Millisecond),
				Kind:      tc.body.Kind(),
				Body:      tc.body,
			}

			bytes, err := Encode(env)
			require.NoError(t, err)

			decoded, err := Decode(bytes)
			require.NoError(t, err)

			assert.Equal(t, env.SessionID, decoded.SessionID)
			assert.Equal(t, env.Sender, decoded.Sender)
			assert.Equal(t, env.Seq, decoded.Seq)
			assert.Equal(t, env.Kind, decoded.Kind)
			assert.True(t, env.SentAt.Equal(decoded.SentAt))
			assert.Equal(t, tc.body, decoded.Body)
		})
	}
}

func TestDecodeRejectsMissingRequiredField(t *testing.T) {
	raw := `{"schema_version":1,"session_id":"s1","sender":"a1","seq":1,"sent_at":"2026-01-01T00:00:00Z","kind":"INSIGHT","body":{"id":"","source_agent_id":"a1","tags":["file"]}}`
	_, err := Decode([]byte(raw))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidMessage))
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	raw := `{"schema_version":1,"session_id":"s1","sender":"a1","seq":1,"sent_at":"2026-01-01T00:00:00Z","kind":"TOTALLY_MADE_UP","body":{}}`
	_, err := Decode([]byte(raw))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidMessage))
}

func TestDecodeIgnoresUnknownOptionalFields(t *testing.T) {
	raw := `{"schema_version":1,"session_id":"s1","sender":"a1","seq":1,"sent_at":"2026-01-01T00:00:00Z","kind":"HEARTBEAT","body":{"phase":"build","tool_call_count":10,"future_field":"something new"}}`
	env, err := Decode([]byte(raw))
	require.NoError(t, err)
	hb, ok := env.Body.(Heartbeat)
	require.True(t, ok)
	assert.Equal(t, "build", hb.Phase)
	assert.EqualValues(t, 10, hb.ToolCallCount)
}

func TestEncodeRejectsKindMismatch(t *testing.T) {
	env := &Envelope{
		SessionID: "s1",
		Sender:    "a1",
		Kind:      KindHeartbeat,
		Body:      SyncAck{BarrierID: "b1"},
	}
	_, err := Encode(env)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidMessage))
}

func TestJSONRawMessageIsValidJSON(t *testing.T) {
	env := &Envelope{
		SessionID: "s1",
		Sender:    "a1",
		Kind:      KindAgentDown,
		Body:      AgentDown{AgentID: "a2"},
	}
	bytes, err := Encode(env)
	require.NoError(t, err)
	assert.True(t, json.Valid(bytes))
}
