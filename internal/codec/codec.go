package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage is returned when a message fails to decode because
// a variant-required field is missing, the kind is unrecognized, or the
// envelope itself is malformed. Unknown *optional* fields are never an
// error; they are silently dropped by encoding/json so that agents
// introducing new tag vocabularies or payload fields do not break older
// coordinators (spec §4.C1, §9).
var ErrInvalidMessage = errors.New("invalid message")

func fieldErr(k Kind, field string) error {
	return fmt.Errorf("%w: %s requires field %q", ErrInvalidMessage, k, field)
}

type wireEnvelope struct {
	SchemaVersion int             `json:"schema_version"`
	SessionID     string          `json:"session_id"`
	Sender        string          `json:"sender"`
	Seq           uint64          `json:"seq"`
	SentAt        string          `json:"sent_at"`
	Kind          Kind            `json:"kind"`
	Body          json.RawMessage `json:"body"`
}

// Encode serializes an Envelope to bytes. The envelope's Kind must
// match its Body's Kind().
func Encode(e *Envelope) ([]byte, error) {
	if e == nil || e.Body == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrInvalidMessage)
	}
	if e.Kind != e.Body.Kind() {
		return nil, fmt.Errorf("%w: envelope kind %q does not match body kind %q", ErrInvalidMessage, e.Kind, e.Body.Kind())
	}
	if e.SessionID == "" {
		return nil, fmt.Errorf("%w: envelope requires session_id", ErrInvalidMessage)
	}
	if e.Sender == "" {
		return nil, fmt.Errorf("%w: envelope requires sender", ErrInvalidMessage)
	}
	if err := e.Body.Validate(); err != nil {
		return nil, err
	}

	bodyBytes, err := json.Marshal(e.Body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	version := e.SchemaVersion
	if version == 0 {
		version = SchemaVersion
	}

	w := wireEnvelope{
		SchemaVersion: version,
		SessionID:     e.SessionID,
		Sender:        e.Sender,
		Seq:           e.Seq,
		SentAt:        e.SentAt.UTC().Format(timeLayout),
		Kind:          e.Kind,
		Body:          bodyBytes,
	}

	out, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

// Decode parses bytes into an Envelope, rejecting variants missing a
// required field and unrecognized kinds, per spec §4.C1.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if w.SessionID == "" {
		return nil, fmt.Errorf("%w: envelope requires session_id", ErrInvalidMessage)
	}
	if w.Sender == "" {
		return nil, fmt.Errorf("%w: envelope requires sender", ErrInvalidMessage)
	}

	body, err := decodeBody(w.Kind, w.Body)
	if err != nil {
		return nil, err
	}
	if err := body.Validate(); err != nil {
		return nil, err
	}

	sentAt, err := parseTime(w.SentAt)
	if err != nil {
		return nil, fmt.Errorf("%w: sent_at: %v", ErrInvalidMessage, err)
	}

	return &Envelope{
		SchemaVersion: w.SchemaVersion,
		SessionID:     w.SessionID,
		Sender:        w.Sender,
		Seq:           w.Seq,
		SentAt:        sentAt,
		Kind:          w.Kind,
		Body:          body,
	}, nil
}

func decodeBody(kind Kind, raw json.RawMessage) (Body, error) {
	switch kind {
	case KindHeartbeat:
		var b Heartbeat
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return b, nil
	case KindCheckin:
		var b Checkin
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return b, nil
	case KindInsight:
		var b Insight
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return b, nil
	case KindTaskAssign:
		var b TaskAssign
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return b, nil
	case KindTaskComplete:
		var b TaskComplete
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return b, nil
	case KindSyncRequest:
		var b SyncRequest
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return b, nil
	case KindSyncAck:
		var b SyncAck
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return b, nil
	case KindPhaseAdvance:
		var b PhaseAdvance
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return b, nil
	case KindCourseCorrect:
		var b CourseCorrect
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return b, nil
	case KindDriftAlert:
		var b DriftAlert
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return b, nil
	case KindAgentDown:
		var b AgentDown
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return b, nil
	case KindHumanEscalate:
		var b HumanEscalate
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return b, nil
	case KindObjectiveComplete:
		var b ObjectiveComplete
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return b, nil
	case KindObjectiveFailed:
		var b ObjectiveFailed
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, kind)
	}
}
