// Package archive durably persists the per-session completion summary
// and cross-session "pattern" insights the coordinator writes on
// success (spec §4.C9 "Completion aggregation"). The Store Backend
// itself only holds these as TTL'd keys for the lifetime of the
// session; archive gives them a home that survives past the 24h
// expiry, the same role MongoDB plays for the teacher's task and
// knowledge records.
package archive

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Connect dials uri and verifies connectivity with a bounded ping,
// matching the teacher's coordinator main.go MongoDB bring-up.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(pingCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	return client, nil
}

// CompletionRecord is the durable form of what the coordinator also
// writes to pop:completed:<session> (spec §4.C9).
type CompletionRecord struct {
	SessionID           string         `json:"sessionId" bson:"sessionId"`
	PhasesElapsed       int            `json:"phasesElapsed" bson:"phasesElapsed"`
	AgentCheckinCounts  map[string]int `json:"agentCheckinCounts" bson:"agentCheckinCounts"`
	InsightsEmitted     int            `json:"insightsEmitted" bson:"insightsEmitted"`
	OrphanReassignments int            `json:"orphanReassignments" bson:"orphanReassignments"`
	HumanEscalations    int            `json:"humanEscalations" bson:"humanEscalations"`
	CompletedAt         time.Time      `json:"completedAt" bson:"completedAt"`
}

// PatternRecord is the durable form of an insight tagged "pattern",
// written for cross-session learning per spec §4.C9/§9. This package
// only writes patterns; the Open Question in spec §9 explicitly
// leaves consumption unspecified, so no reader is implemented here.
type PatternRecord struct {
	ID            string    `json:"patternId" bson:"patternId"`
	SessionID     string    `json:"sessionId" bson:"sessionId"`
	SourceAgentID string    `json:"sourceAgentId" bson:"sourceAgentId"`
	Phase         string    `json:"phase" bson:"phase"`
	Tags          []string  `json:"tags" bson:"tags"`
	Payload       string    `json:"payload" bson:"payload"`
	CreatedAt     time.Time `json:"createdAt" bson:"createdAt"`
}

// Store is the MongoDB-backed archive of completion summaries and
// patterns.
type Store struct {
	completions *mongo.Collection
	patterns    *mongo.Collection
	logger      *zap.Logger
}

// NewStore creates the archive's collections and their unique indexes,
// following the teacher's constructor-does-setup convention in
// storage/tasks.go.
func NewStore(ctx context.Context, db *mongo.Database, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		completions: db.Collection("power_mode_completions"),
		patterns:    db.Collection("power_mode_patterns"),
		logger:      logger,
	}

	if _, err := s.completions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "sessionId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("archive: create completions index: %w", err)
	}

	if _, err := s.patterns.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "patternId", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("archive: create patterns index: %w", err)
	}
	if _, err := s.patterns.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "sessionId", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("archive: create patterns session index: %w", err)
	}

	return s, nil
}

// WriteCompletion upserts a session's completion summary.
func (s *Store) WriteCompletion(ctx context.Context, rec CompletionRecord) error {
	_, err := s.completions.ReplaceOne(ctx,
		bson.D{{Key: "sessionId", Value: rec.SessionID}},
		rec,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("archive: write completion: %w", err)
	}
	s.logger.Info("archive: wrote completion record",
		zap.String("session_id", rec.SessionID),
		zap.Int("phases_elapsed", rec.PhasesElapsed))
	return nil
}

// WritePattern upserts one cross-session pattern record.
func (s *Store) WritePattern(ctx context.Context, rec PatternRecord) error {
	_, err := s.patterns.ReplaceOne(ctx,
		bson.D{{Key: "patternId", Value: rec.ID}},
		rec,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("archive: write pattern: %w", err)
	}
	return nil
}
