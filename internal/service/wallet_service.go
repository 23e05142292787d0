package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"piano-wallet-api/internal/config"
	"piano-wallet-api/internal/gateway"
	"piano-wallet-api/internal/ledger"
	"piano-wallet-api/internal/models"
	"piano-wallet-api/internal/repository"
	"piano-wallet-api/internal/reward"
	"piano-wallet-api/internal/risk"
)

// WalletService orchestrates all money movement: withdrawals, deposits,
// reward claims, webhook reconciliation and the admin review queue. Every
// balance-touching path runs under the per-user Redis lock; the database
// predicates are the second line of defense.
type WalletService struct {
	txRepo      repository.TransactionRepository
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	ledger      *ledger.Ledger
	fees        *ledger.FeeCalculator
	risk        *risk.Assessor
	velocity    repository.VelocityRepository
	rewards     *reward.Engine
	gateways    *gateway.Registry
	locks       *repository.UserLockManager
	idempotency repository.IdempotencyRepository
	events      EventPublisher
	audit       *logrus.Logger
	metrics     MetricsRecorder

	lockTTL        time.Duration
	idempotencyTTL time.Duration
	velocityWindow time.Duration
}

// MetricsRecorder receives business-level counters. The Prometheus
// implementation lives in the monitoring package.
type MetricsRecorder interface {
	RecordTransaction(txType, status string)
	RecordVolume(txType, currency string, amount float64)
	RecordWebhookAnomaly()
	RecordRewardClaimed()
	RecordReviewHold()
}

type noopMetrics struct{}

func (noopMetrics) RecordTransaction(string, string)     {}
func (noopMetrics) RecordVolume(string, string, float64) {}
func (noopMetrics) RecordWebhookAnomaly()                {}
func (noopMetrics) RecordRewardClaimed()                 {}
func (noopMetrics) RecordReviewHold()                    {}

// SetMetrics swaps in a real metrics recorder. Without it the service counts
// nothing, which keeps tests quiet.
func (s *WalletService) SetMetrics(m MetricsRecorder) {
	if m != nil {
		s.metrics = m
	}
}

func NewWalletService(
	txRepo repository.TransactionRepository,
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	ldg *ledger.Ledger,
	fees *ledger.FeeCalculator,
	assessor *risk.Assessor,
	velocity repository.VelocityRepository,
	rewards *reward.Engine,
	gateways *gateway.Registry,
	locks *repository.UserLockManager,
	idempotency repository.IdempotencyRepository,
	events EventPublisher,
	audit *logrus.Logger,
	redisCfg config.RedisConfig,
) *WalletService {
	return &WalletService{
		txRepo:         txRepo,
		userRepo:       userRepo,
		sessionRepo:    sessionRepo,
		ledger:         ldg,
		fees:           fees,
		risk:           assessor,
		velocity:       velocity,
		rewards:        rewards,
		gateways:       gateways,
		locks:          locks,
		idempotency:    idempotency,
		events:         events,
		audit:          audit,
		metrics:        noopMetrics{},
		lockTTL:        redisCfg.LockTTL,
		idempotencyTTL: redisCfg.IdempotencyTTL,
		velocityWindow: redisCfg.VelocityWindow,
	}
}

// GetBalance derives the user's balance from the ledger.
func (s *WalletService) GetBalance(ctx context.Context, userID string) (*models.Balance, error) {
	if _, err := s.userRepo.GetByUserID(ctx, userID); err != nil {
		return nil, err
	}
	return s.ledger.DeriveBalance(ctx, userID)
}

// GetTransaction returns one transaction, scoped to its owner.
func (s *WalletService) GetTransaction(ctx context.Context, userID, transactionID string) (*models.Transaction, error) {
	tx, err := s.txRepo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		return nil, models.ErrTransactionNotFound
	}
	return tx, nil
}

// History is the paged transaction history for one user.
type HistoryPage struct {
	Transactions []*models.Transaction `json:"transactions"`
	Total        int64                 `json:"total"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

func (s *WalletService) History(ctx context.Context, userID string, filter repository.HistoryFilter) (*HistoryPage, error) {
	transactions, err := s.txRepo.History(ctx, userID, filter)
	if err != nil {
		return nil, err
	}

	total, err := s.txRepo.CountHistory(ctx, userID, filter)
	if err != nil {
		return nil, err
	}

	return &HistoryPage{
		Transactions: transactions,
		Total:        total,
		Limit:        filter.Limit,
		Offset:       filter.Offset,
	}, nil
}

// ClaimReward settles a finished game session into coins.
func (s *WalletService) ClaimReward(ctx context.Context, userID, sessionID string) (*reward.Result, error) {
	result, err := s.rewards.Settle(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	event := &TransactionEvent{
		EventID:       uuid.New().String(),
		TransactionID: result.TransactionID,
		UserID:        userID,
		Type:          models.TypeGameReward,
		Status:        models.StatusCompleted,
		Amount:        result.Coins.String(),
		Currency:      models.CurrencyCoin,
		OccurredAt:    time.Now(),
		Details: map[string]interface{}{
			"session_id": sessionID,
			"experience": result.Experience,
		},
	}
	if err := s.events.Publish(ctx, EventRewardClaimed, event); err != nil {
		logrus.WithError(err).Warn("Failed to publish reward event")
	}

	s.metrics.RecordRewardClaimed()
	coins, _ := result.Coins.Float64()
	s.metrics.RecordVolume(models.TypeGameReward, models.CurrencyCoin, coins)

	return result, nil
}

// ReconcileBalances rebuilds the cached balance of every user with ledger
// activity since the cutoff. Called by the scheduler.
func (s *WalletService) ReconcileBalances(ctx context.Context, since time.Time, limit int) (int, error) {
	userIDs, err := s.txRepo.ActiveUserIDs(ctx, since, limit)
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, userID := range userIDs {
		if err := s.ledger.Reconcile(ctx, userID); err != nil {
			logrus.WithError(err).WithField("user_id", userID).
				Warn("Balance reconciliation failed")
			continue
		}
		reconciled++
	}

	return reconciled, nil
}

// MarkAbandonedSessions closes sessions idle past the timeout so their rewards
// stop being claimable. Called by the scheduler.
func (s *WalletService) MarkAbandonedSessions(ctx context.Context, idleTimeout time.Duration) (int64, error) {
	return s.sessionRepo.MarkAbandonedIdleSince(ctx, time.Now().Add(-idleTimeout))
}

// publishTransactionEvent fires and forgets: the broker being down must never
// roll back a settled transaction.
func (s *WalletService) publishTransactionEvent(ctx context.Context, routingKey string, tx *models.Transaction) {
	if err := s.events.Publish(ctx, routingKey, NewTransactionEvent(tx)); err != nil {
		logrus.WithError(err).WithField("transaction_id", tx.TransactionID).
			Warn("Failed to publish transaction event")
	}
}

func (s *WalletService) auditTransaction(tx *models.Transaction, message string) {
	s.audit.WithFields(logrus.Fields{
		"transaction_id": tx.TransactionID,
		"user_id":        tx.UserID,
		"type":           tx.Type,
		"status":         tx.Status,
		"amount":         tx.Amount,
		"net_amount":     tx.NetAmount,
		"currency":       tx.Currency,
		"risk_score":     tx.Verification.RiskScore,
	}).Info(message)
}
