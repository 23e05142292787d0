package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"piano-wallet-api/internal/models"
)

type SessionRepository interface {
	GetBySessionID(ctx context.Context, sessionID string) (*models.GameSession, error)
	ClaimSession(ctx context.Context, sessionID, userID string) error
	UnclaimSession(ctx context.Context, sessionID string) error
	MarkAbandonedIdleSince(ctx context.Context, cutoff time.Time) (int64, error)
	CreateIndexes(ctx context.Context) error
}

type sessionRepository struct {
	collection *mongo.Collection
}

func NewSessionRepository(db *mongo.Database) SessionRepository {
	return &sessionRepository{
		collection: db.Collection("game_sessions"),
	}
}

func (r *sessionRepository) GetBySessionID(ctx context.Context, sessionID string) (*models.GameSession, error) {
	var session models.GameSession
	err := r.collection.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&session)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, models.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return &session, nil
}

// ClaimSession flips the claim flag with a compare-and-set on claimed:false.
// A matched count of zero distinguishes "already claimed" from "not found",
// so a second concurrent claim loses deterministically.
func (r *sessionRepository) ClaimSession(ctx context.Context, sessionID, userID string) error {
	now := time.Now()

	result, err := r.collection.UpdateOne(ctx,
		bson.M{
			"session_id": sessionID,
			"user_id":    userID,
			"status":     models.SessionCompleted,
			"claimed":    false,
		},
		bson.M{
			"$set": bson.M{
				"claimed":    true,
				"claimed_at": now,
				"updated_at": now,
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to claim session: %w", err)
	}

	if result.MatchedCount == 0 {
		session, lookupErr := r.GetBySessionID(ctx, sessionID)
		if lookupErr != nil {
			return lookupErr
		}
		if session.UserID != userID {
			return models.ErrSessionNotFound
		}
		if session.Claimed {
			return models.ErrAlreadyClaimed
		}
		return models.ErrSessionNotCompleted
	}

	return nil
}

// UnclaimSession rolls the claim flag back when the reward credit could not
// be recorded after the CAS succeeded.
func (r *sessionRepository) UnclaimSession(ctx context.Context, sessionID string) error {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"session_id": sessionID, "claimed": true},
		bson.M{
			"$set": bson.M{
				"claimed":    false,
				"updated_at": time.Now(),
			},
			"$unset": bson.M{"claimed_at": ""},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to unclaim session: %w", err)
	}
	if result.MatchedCount == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

// MarkAbandonedIdleSince abandons active or paused sessions with no activity
// since the cutoff. Abandoned sessions can never settle a reward.
func (r *sessionRepository) MarkAbandonedIdleSince(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.collection.UpdateMany(ctx,
		bson.M{
			"status":        bson.M{"$in": []string{models.SessionActive, models.SessionPaused}},
			"last_activity": bson.M{"$lt": cutoff},
		},
		bson.M{
			"$set": bson.M{
				"status":     models.SessionAbandoned,
				"updated_at": time.Now(),
			},
		},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark abandoned sessions: %w", err)
	}
	return result.ModifiedCount, nil
}

// CreateIndexes creates necessary indexes for the game sessions collection
func (r *sessionRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "last_activity", Value: 1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create session indexes: %w", err)
	}

	return nil
}
