package risk

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

// Score weights per risk factor. The total is capped at 100.
const (
	weightVelocity     = 30
	weightAmountSpike  = 25
	weightNewAccount   = 40
	weightLocation     = 20
	weightVerification = 30
	maxScore           = 100
)

// Assessment is the outcome of scoring one transaction.
type Assessment struct {
	Score                int      `json:"score"`
	Factors              []string `json:"factors,omitempty"`
	RequiresReview       bool     `json:"requires_review"`
	RequiresApproval     bool     `json:"requires_approval"`
	RequiresVerification bool     `json:"requires_verification"`
}

// TransactionHistory is the slice of the transaction repository the assessor
// reads. It never writes.
type TransactionHistory interface {
	AverageCompletedAmount(ctx context.Context, userID, txType string) (decimal.Decimal, error)
	CumulativeWithdrawalVolume(ctx context.Context, userID string) (decimal.Decimal, error)
}

// Assessor scores outgoing transactions and enforces the KYC ladder. Scoring
// is additive over independent factors so one noisy signal cannot block a
// withdrawal on its own.
type Assessor struct {
	history  TransactionHistory
	velocity repository.VelocityRepository
	cfg      config.RiskConfig
	window   time.Duration
}

func NewAssessor(history TransactionHistory, velocity repository.VelocityRepository, cfg config.RiskConfig, velocityWindow time.Duration) *Assessor {
	return &Assessor{
		history:  history,
		velocity: velocity,
		cfg:      cfg,
		window:   velocityWindow,
	}
}

// Assess scores the transaction for the given user. The country is where the
// current request originates; an empty country skips the location check.
func (a *Assessor) Assess(ctx context.Context, user *models.User, tx *models.Transaction, country string) (*Assessment, error) {
	assessment := &Assessment{}
	now := time.Now()

	if tx.Type == models.TypeWithdrawal {
		count, err := a.velocity.WithdrawalCount(ctx, user.UserID, now, a.window)
		if err != nil {
			return nil, fmt.Errorf("failed to check withdrawal velocity: %w", err)
		}
		if count > a.cfg.VelocityMaxWithdrawals {
			assessment.add(weightVelocity, fmt.Sprintf("withdrawal velocity: %d in window", count))
		}
	}

	average, err := a.history.AverageCompletedAmount(ctx, user.UserID, tx.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to load historical average: %w", err)
	}
	if average.IsPositive() {
		spike := average.Mul(decimal.NewFromFloat(a.cfg.AmountSpikeMultiplier))
		if tx.Amount.GreaterThan(spike) {
			assessment.add(weightAmountSpike, fmt.Sprintf("amount exceeds %sx historical average", spike.DivRound(average, 0)))
		}
	}

	if user.AccountAge(now) < a.cfg.NewAccountAge && tx.Amount.GreaterThan(decimal.NewFromFloat(a.cfg.NewAccountAmount)) {
		assessment.add(weightNewAccount, "large amount on new account")
	}

	if country != "" && user.LastLoginCountry != "" && country != user.LastLoginCountry {
		assessment.add(weightLocation, fmt.Sprintf("location change %s -> %s", user.LastLoginCountry, country))
	}

	if tx.Type == models.TypeWithdrawal && tx.Amount.GreaterThan(decimal.NewFromFloat(a.cfg.VerificationAmount)) {
		assessment.RequiresVerification = true
		assessment.add(weightVerification, "withdrawal above verification amount")
	}

	assessment.RequiresReview = assessment.Score > a.cfg.ReviewThreshold
	assessment.RequiresApproval = assessment.Score > a.cfg.ApprovalThreshold

	logrus.WithFields(logrus.Fields{
		"user_id":        user.UserID,
		"transaction_id": tx.TransactionID,
		"score":          assessment.Score,
		"factors":        assessment.Factors,
	}).Debug("Risk assessment computed")

	return assessment, nil
}

func (s *Assessment) add(weight int, factor string) {
	s.Score += weight
	if s.Score > maxScore {
		s.Score = maxScore
	}
	s.Factors = append(s.Factors, factor)
}

// KYC ladder: cumulative completed withdrawal volume, including the pending
// request, decides the tier a user must hold.
var kycLadder = []struct {
	upTo  decimal.Decimal
	level string
}{
	{decimal.NewFromInt(100), models.KYCNone},
	{decimal.NewFromInt(1000), models.KYCBasic},
	{decimal.NewFromInt(10000), models.KYCEnhanced},
}

// RequiredKYCLevel returns the tier needed for the given cumulative volume.
func RequiredKYCLevel(cumulativeVolume decimal.Decimal) string {
	for _, rung := range kycLadder {
		if cumulativeVolume.LessThanOrEqual(rung.upTo) {
			return rung.level
		}
	}
	return models.KYCFull
}

// CheckKYC verifies the user's tier covers their cumulative withdrawal volume
// plus the requested amount. Failure carries both tiers so the client can
// prompt the right upgrade.
func (a *Assessor) CheckKYC(ctx context.Context, user *models.User, amount decimal.Decimal) error {
	volume, err := a.history.CumulativeWithdrawalVolume(ctx, user.UserID)
	if err != nil {
		return fmt.Errorf("failed to load withdrawal volume: %w", err)
	}

	required := RequiredKYCLevel(volume.Add(amount))
	if !models.KYCLevelAtLeast(user.KYCLevel, required) {
		return &models.KYCError{
			RequiredLevel: required,
			CurrentLevel:  user.KYCLevel,
		}
	}

	return nil
}
