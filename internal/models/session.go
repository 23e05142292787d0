package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Game session statuses. Only completed sessions can settle a reward.
const (
	SessionActive    = "active"
	SessionPaused    = "paused"
	SessionCompleted = "completed"
	SessionAbandoned = "abandoned"
)

// GameSession is the reward snapshot of a finished play-through. The wallet
// service never mutates gameplay fields; it only flips the claim flag.
type GameSession struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	SessionID string             `bson:"session_id" json:"session_id"`
	UserID    string             `bson:"user_id" json:"user_id"`
	SongID    string             `bson:"song_id" json:"song_id"`
	Status    string             `bson:"status" json:"status"`

	Score    int     `bson:"score" json:"score"`
	Accuracy float64 `bson:"accuracy" json:"accuracy"`
	MaxCombo int     `bson:"max_combo" json:"max_combo"`
	Duration int     `bson:"duration" json:"duration"`

	Achievements []Achievement `bson:"achievements" json:"achievements"`

	Claimed   bool       `bson:"claimed" json:"claimed"`
	ClaimedAt *time.Time `bson:"claimed_at,omitempty" json:"claimed_at,omitempty"`

	LastActivity time.Time `bson:"last_activity" json:"last_activity"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at" json:"updated_at"`
}

// Achievement unlocked during a session, carrying its fixed reward bonuses.
type Achievement struct {
	Code       string `bson:"code" json:"code"`
	Name       string `bson:"name" json:"name"`
	CoinBonus  int64  `bson:"coin_bonus" json:"coin_bonus"`
	ExpBonus   int64  `bson:"exp_bonus" json:"exp_bonus"`
	UnlockedAt time.Time `bson:"unlocked_at" json:"unlocked_at"`
}

// IsClaimable reports whether the session can settle a reward right now.
func (s *GameSession) IsClaimable() bool {
	return s.Status == SessionCompleted && !s.Claimed
}
