package reward

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"piano-wallet-api/internal/config"
	"piano-wallet-api/internal/models"
	"piano-wallet-api/internal/repository"
)

// CreditRecorder is the slice of the ledger the settlement engine needs.
type CreditRecorder interface {
	RecordInstantCredit(ctx context.Context, tx *models.Transaction) error
}

// ClaimLocker serializes claims for one session.
type ClaimLocker interface {
	LockSessionClaim(ctx context.Context, userID, sessionID string, ttl time.Duration) (*repository.DistributedLock, error)
	ReleaseLock(ctx context.Context, lock *repository.DistributedLock) error
}

// Result is what a settled claim pays out.
type Result struct {
	TransactionID string          `json:"transaction_id"`
	SessionID     string          `json:"session_id"`
	Coins         decimal.Decimal `json:"coins"`
	Experience    int64           `json:"experience"`
	Achievements  []string        `json:"achievements,omitempty"`
}

// Engine converts finished game sessions into ledger credits. Claims are
// exactly-once: a Redis lock keeps concurrent claims from racing and the
// database compare-and-set on the claim flag is the final arbiter.
type Engine struct {
	sessionRepo repository.SessionRepository
	ledger      CreditRecorder
	locker      ClaimLocker
	cfg         config.RewardsConfig
}

func NewEngine(sessionRepo repository.SessionRepository, ledger CreditRecorder, locker ClaimLocker, cfg config.RewardsConfig) *Engine {
	return &Engine{
		sessionRepo: sessionRepo,
		ledger:      ledger,
		locker:      locker,
		cfg:         cfg,
	}
}

// Compute derives the payout for a session without touching any state.
// Coins scale linearly with score; experience is score divided down; both
// floor, and achievement bonuses are fixed amounts on top.
func (e *Engine) Compute(session *models.GameSession) (coins decimal.Decimal, experience int64) {
	coins = decimal.NewFromInt(int64(session.Score)).
		Mul(decimal.NewFromFloat(e.cfg.CoinPerScorePoint)).
		Floor()
	experience = int64(session.Score) / e.cfg.ExpScoreDivisor

	for _, a := range session.Achievements {
		coins = coins.Add(decimal.NewFromInt(a.CoinBonus))
		experience += a.ExpBonus
	}

	return coins, experience
}

// Settle claims the session reward for the user. A second call for the same
// session returns ErrAlreadyClaimed; a session that is not completed returns
// ErrSessionNotCompleted.
func (e *Engine) Settle(ctx context.Context, userID, sessionID string) (*Result, error) {
	lock, err := e.locker.LockSessionClaim(ctx, userID, sessionID, e.cfg.ClaimLockTTL)
	if err != nil {
		return nil, fmt.Errorf("claim already in progress for session %s: %w", sessionID, err)
	}
	defer func() {
		if releaseErr := e.locker.ReleaseLock(ctx, lock); releaseErr != nil {
			logrus.WithError(releaseErr).Warn("Failed to release claim lock")
		}
	}()

	session, err := e.sessionRepo.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, models.ErrSessionNotFound
	}
	if session.Claimed {
		return nil, models.ErrAlreadyClaimed
	}
	if session.Status != models.SessionCompleted {
		return nil, models.ErrSessionNotCompleted
	}

	coins, experience := e.Compute(session)

	if err := e.sessionRepo.ClaimSession(ctx, sessionID, userID); err != nil {
		return nil, err
	}

	tx := models.NewTransaction(userID, models.TypeGameReward, coins, models.CurrencyCoin)
	tx.Description = fmt.Sprintf("Reward for session %s", sessionID)
	tx.Metadata = map[string]interface{}{
		"session_id": sessionID,
		"song_id":    session.SongID,
		"score":      session.Score,
		"accuracy":   session.Accuracy,
		"experience": experience,
	}

	if err := e.ledger.RecordInstantCredit(ctx, tx); err != nil {
		// The claim flag is already set; roll it back so the reward stays
		// claimable instead of being silently lost.
		if unclaimErr := e.sessionRepo.UnclaimSession(ctx, sessionID); unclaimErr != nil {
			logrus.WithError(unclaimErr).WithField("session_id", sessionID).
				Error("Failed to roll back claim after credit failure")
		}
		return nil, fmt.Errorf("failed to record reward credit: %w", err)
	}

	result := &Result{
		TransactionID: tx.TransactionID,
		SessionID:     sessionID,
		Coins:         coins,
		Experience:    experience,
	}
	for _, a := range session.Achievements {
		result.Achievements = append(result.Achievements, a.Code)
	}

	return result, nil
}
