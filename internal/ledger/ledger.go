package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"piano-wallet-api/internal/models"
	"piano-wallet-api/internal/repository"
)

// Ledger is the source of truth for coin balances. Transactions are the
// append-only record; the cached balance on the user document is a projection
// that DeriveBalance can rebuild at any time.
type Ledger struct {
	txRepo   repository.TransactionRepository
	userRepo repository.UserRepository
	audit    *logrus.Logger
}

func NewLedger(txRepo repository.TransactionRepository, userRepo repository.UserRepository, audit *logrus.Logger) *Ledger {
	return &Ledger{
		txRepo:   txRepo,
		userRepo: userRepo,
		audit:    audit,
	}
}

// DeriveBalance recomputes the balance from completed ledger rows. Corrupted
// ledgers (more debits than credits) clamp to zero rather than going negative.
func (l *Ledger) DeriveBalance(ctx context.Context, userID string) (*models.Balance, error) {
	agg, err := l.txRepo.AggregateBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive balance for %s: %w", userID, err)
	}

	total := agg.Credits.Sub(agg.Debits)
	if total.IsNegative() {
		logrus.WithFields(logrus.Fields{
			"user_id": userID,
			"credits": agg.Credits,
			"debits":  agg.Debits,
		}).Error("Derived balance is negative, clamping to zero")
		total = decimal.Zero
	}

	pending := agg.Pending
	available := total.Sub(pending)
	if available.IsNegative() {
		available = decimal.Zero
	}

	return &models.Balance{
		Total:     total,
		Available: available,
		Pending:   pending,
	}, nil
}

// RecordInstantCredit writes a credit that settles immediately: the row is
// created already completed and the cached balance is bumped in the same call.
// Used for game rewards and bonuses, which have no external settlement leg.
func (l *Ledger) RecordInstantCredit(ctx context.Context, tx *models.Transaction) error {
	if !tx.IsCredit() {
		return fmt.Errorf("transaction %s is not a credit", tx.TransactionID)
	}
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrCorruptTransaction, err)
	}

	if err := tx.Transition(models.StatusProcessing, "instant settlement", "ledger"); err != nil {
		return err
	}
	if err := tx.Transition(models.StatusCompleted, "instant settlement", "ledger"); err != nil {
		return err
	}

	if err := l.txRepo.Create(ctx, tx); err != nil {
		return err
	}

	if err := l.userRepo.CreditCoins(ctx, tx.UserID, tx.Amount); err != nil {
		return fmt.Errorf("credit recorded but balance update failed for %s: %w", tx.TransactionID, err)
	}

	l.audit.WithFields(logrus.Fields{
		"transaction_id": tx.TransactionID,
		"user_id":        tx.UserID,
		"type":           tx.Type,
		"amount":         tx.Amount,
		"currency":       tx.Currency,
	}).Info("Instant credit recorded")

	return nil
}

// Reconcile rebuilds one user's cached balance from the ledger, logging any
// drift it corrects.
func (l *Ledger) Reconcile(ctx context.Context, userID string) error {
	derived, err := l.DeriveBalance(ctx, userID)
	if err != nil {
		return err
	}

	user, err := l.userRepo.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}

	if user.Coins.Total.Equal(derived.Total) &&
		user.Coins.Available.Equal(derived.Available) &&
		user.Coins.Pending.Equal(derived.Pending) {
		return nil
	}

	l.audit.WithFields(logrus.Fields{
		"user_id":          userID,
		"cached_total":     user.Coins.Total,
		"derived_total":    derived.Total,
		"cached_available": user.Coins.Available,
		"derived_available": derived.Available,
	}).Warn("Balance drift corrected during reconciliation")

	return l.userRepo.SetBalance(ctx, userID, models.CoinBalance{
		Total:     derived.Total,
		Available: derived.Available,
		Pending:   derived.Pending,
	})
}
