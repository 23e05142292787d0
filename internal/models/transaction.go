package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Transaction types
const (
	TypeGameReward = "game_reward"
	TypeWithdrawal = "withdrawal"
	TypeDeposit    = "deposit"
	TypeBonus      = "bonus"
	TypeReferral   = "referral"
	TypePenalty    = "penalty"
	TypeRefund     = "refund"
	TypeFee        = "fee"
	TypePurchase   = "purchase"
)

// Transaction statuses
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusExpired    = "expired"
)

// Supported currencies
const (
	CurrencyCoin = "COIN"
	CurrencyUSD  = "USD"
	CurrencyVND  = "VND"
	CurrencySGD  = "SGD"
)

// CreditTypes are the transaction types that increase a user's balance once completed.
var CreditTypes = []string{TypeGameReward, TypeDeposit, TypeBonus, TypeReferral, TypeRefund}

// DebitTypes are the transaction types that decrease a user's balance.
var DebitTypes = []string{TypeWithdrawal, TypePenalty, TypeFee, TypePurchase}

var validTypes = append(append([]string{}, CreditTypes...), DebitTypes...)

var validCurrencies = []string{CurrencyCoin, CurrencyUSD, CurrencyVND, CurrencySGD}

// legalTransitions is the only source of truth for status changes. Anything not
// listed here is rejected by Transition.
var legalTransitions = map[string][]string{
	StatusPending:    {StatusProcessing, StatusCancelled, StatusExpired},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusProcessing, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
	StatusExpired:    {},
}

// Transaction is the ledger's unit of record. Rows are append-only: amounts are
// frozen once the transaction completes and rows are never physically deleted.
type Transaction struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	TransactionID string             `bson:"transaction_id" json:"transaction_id"`
	UserID        string             `bson:"user_id" json:"user_id"`

	Type        string          `bson:"type" json:"type"`
	Status      string          `bson:"status" json:"status"`
	Amount      decimal.Decimal `bson:"amount" json:"amount"`
	Currency    string          `bson:"currency" json:"currency"`
	Description string          `bson:"description" json:"description"`

	Fees         FeeBreakdown    `bson:"fees" json:"fees"`
	NetAmount    decimal.Decimal `bson:"net_amount" json:"net_amount"`
	Verification Verification    `bson:"verification" json:"verification"`
	Payment      PaymentInfo     `bson:"payment" json:"payment"`
	Audit        AuditInfo       `bson:"audit" json:"audit"`
	Schedule     *Schedule       `bson:"schedule,omitempty" json:"schedule,omitempty"`

	Metadata map[string]interface{} `bson:"metadata,omitempty" json:"metadata,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// FeeBreakdown splits the total fee into its components. Total is always the
// recomputed sum of the others, never set independently.
type FeeBreakdown struct {
	Platform   decimal.Decimal `bson:"platform" json:"platform"`
	Payment    decimal.Decimal `bson:"payment" json:"payment"`
	Withdrawal decimal.Decimal `bson:"withdrawal" json:"withdrawal"`
	Total      decimal.Decimal `bson:"total" json:"total"`
}

// Verification carries the risk and KYC state attached to the transaction.
type Verification struct {
	Required  bool   `bson:"required" json:"required"`
	KYCLevel  string `bson:"kyc_level" json:"kyc_level"`
	Verified  bool   `bson:"verified" json:"verified"`
	RiskScore int    `bson:"risk_score" json:"risk_score"`
	Flagged   bool   `bson:"flagged" json:"flagged"`
}

// PaymentInfo holds the external gateway state for deposits and withdrawals.
type PaymentInfo struct {
	Gateway              string     `bson:"gateway,omitempty" json:"gateway,omitempty"`
	GatewayTransactionID string     `bson:"gateway_transaction_id,omitempty" json:"gateway_transaction_id,omitempty"`
	Destination          string     `bson:"destination,omitempty" json:"destination,omitempty"`
	RetryCount           int        `bson:"retry_count" json:"retry_count"`
	MaxRetries           int        `bson:"max_retries" json:"max_retries"`
	NextRetry            *time.Time `bson:"next_retry,omitempty" json:"next_retry,omitempty"`
}

// AuditInfo is the append-only audit trail: every status change plus a free-form
// processing log. Entries are never truncated or reordered.
type AuditInfo struct {
	StatusHistory []StatusChange `bson:"status_history" json:"status_history"`
	Log           []LogEntry     `bson:"log,omitempty" json:"log,omitempty"`
}

// StatusChange records a single state-machine transition.
type StatusChange struct {
	From      string    `bson:"from" json:"from"`
	To        string    `bson:"to" json:"to"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
	Reason    string    `bson:"reason" json:"reason"`
	ChangedBy string    `bson:"changed_by" json:"changed_by"`
}

type LogEntry struct {
	Message   string    `bson:"message" json:"message"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// Schedule describes deferred or recurring execution of a transaction.
type Schedule struct {
	ExecuteAt time.Time `bson:"execute_at" json:"execute_at"`
	Recurring bool      `bson:"recurring" json:"recurring"`
	Interval  string    `bson:"interval,omitempty" json:"interval,omitempty"`
}

const (
	// DefaultMaxRetries bounds failed -> processing retry cycles.
	DefaultMaxRetries = 3
	// RetryBackoffStep is multiplied by the retry count to schedule the next attempt.
	RetryBackoffStep = 30 * time.Minute
)

var typeCodes = map[string]string{
	TypeGameReward: "GRW",
	TypeWithdrawal: "WDR",
	TypeDeposit:    "DEP",
	TypeBonus:      "BNS",
	TypeReferral:   "REF",
	TypePenalty:    "PEN",
	TypeRefund:     "RFD",
	TypeFee:        "FEE",
	TypePurchase:   "PUR",
}

// NewTransactionID builds a decodable identifier from the type code, creation
// time and random entropy, e.g. "TXN-WDR-20250131T120000Z-9f1c2ab4".
func NewTransactionID(txType string, at time.Time) string {
	code, ok := typeCodes[txType]
	if !ok {
		code = "UNK"
	}
	entropy := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("TXN-%s-%s-%s", code, at.UTC().Format("20060102T150405Z"), entropy)
}

// NewTransaction creates a transaction in pending state with its ID assigned.
// The ID is immutable from this point on.
func NewTransaction(userID, txType string, amount decimal.Decimal, currency string) *Transaction {
	now := time.Now()
	return &Transaction{
		TransactionID: NewTransactionID(txType, now),
		UserID:        userID,
		Type:          txType,
		Status:        StatusPending,
		Amount:        amount,
		Currency:      currency,
		NetAmount:     amount,
		Payment: PaymentInfo{
			MaxRetries: DefaultMaxRetries,
		},
		Audit: AuditInfo{
			StatusHistory: []StatusChange{},
			Log:           []LogEntry{},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsCredit reports whether this transaction type increases the user's balance.
func (t *Transaction) IsCredit() bool {
	return isOneOf(t.Type, CreditTypes)
}

// IsDebit reports whether this transaction type decreases the user's balance.
func (t *Transaction) IsDebit() bool {
	return isOneOf(t.Type, DebitTypes)
}

// IsTerminal reports whether the transaction can never change status again.
func (t *Transaction) IsTerminal() bool {
	return len(legalTransitions[t.Status]) == 0
}

// CanTransition reports whether moving to the given status is legal from the
// current one.
func (t *Transaction) CanTransition(to string) bool {
	return isOneOf(to, legalTransitions[t.Status])
}

// Transition moves the transaction to a new status, appending to the status
// history. Illegal transitions are rejected and leave the record untouched.
func (t *Transaction) Transition(to, reason, changedBy string) error {
	if !t.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, to)
	}
	now := time.Now()
	t.Audit.StatusHistory = append(t.Audit.StatusHistory, StatusChange{
		From:      t.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
		ChangedBy: changedBy,
	})
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// CanBeProcessed reports whether the engine may start gateway settlement:
// pending, not risk-flagged, and verified when verification is required.
func (t *Transaction) CanBeProcessed() bool {
	if t.Status != StatusPending {
		return false
	}
	if t.Verification.Flagged {
		return false
	}
	if t.Verification.Required && !t.Verification.Verified {
		return false
	}
	return true
}

// CanRetry reports whether a failed transaction has retry attempts left.
func (t *Transaction) CanRetry() bool {
	return t.Status == StatusFailed && t.Payment.RetryCount < t.Payment.MaxRetries
}

// ScheduleRetry increments the retry count and computes the next attempt time:
// now + retryCount * 30m.
func (t *Transaction) ScheduleRetry() {
	t.Payment.RetryCount++
	next := time.Now().Add(time.Duration(t.Payment.RetryCount) * RetryBackoffStep)
	t.Payment.NextRetry = &next
	t.UpdatedAt = time.Now()
}

// RetryDue reports whether a failed transaction is eligible for the retry sweep.
func (t *Transaction) RetryDue(now time.Time) bool {
	if !t.CanRetry() {
		return false
	}
	if t.Payment.NextRetry == nil {
		return true
	}
	return !now.Before(*t.Payment.NextRetry)
}

// ApplyFees stores the fee breakdown, recomputing Total and NetAmount.
func (t *Transaction) ApplyFees(fees FeeBreakdown) {
	fees.Total = fees.Platform.Add(fees.Payment).Add(fees.Withdrawal)
	t.Fees = fees
	t.NetAmount = t.Amount.Sub(fees.Total)
	t.UpdatedAt = time.Now()
}

// Flag marks the transaction as risk-flagged; it stays flagged until an admin
// clears it.
func (t *Transaction) Flag(score int, reason string) {
	t.Verification.Flagged = true
	if score > t.Verification.RiskScore {
		t.Verification.RiskScore = score
	}
	t.AppendLog("flagged: " + reason)
}

// AppendLog adds a free-form entry to the processing log.
func (t *Transaction) AppendLog(message string) {
	t.Audit.Log = append(t.Audit.Log, LogEntry{Message: message, Timestamp: time.Now()})
	t.UpdatedAt = time.Now()
}

// Validate checks that the record carries every required field. A transaction
// failing validation is considered corrupted and must not be processed.
func (t *Transaction) Validate() error {
	if t.TransactionID == "" {
		return fmt.Errorf("transaction ID is required")
	}
	if t.UserID == "" {
		return fmt.Errorf("user ID is required")
	}
	if !isOneOf(t.Type, validTypes) {
		return fmt.Errorf("invalid transaction type: %s", t.Type)
	}
	if _, ok := legalTransitions[t.Status]; !ok {
		return fmt.Errorf("invalid transaction status: %s", t.Status)
	}
	if t.Amount.IsNegative() {
		return fmt.Errorf("transaction amount cannot be negative")
	}
	if !isOneOf(t.Currency, validCurrencies) {
		return fmt.Errorf("invalid currency: %s", t.Currency)
	}
	return nil
}

// IsSupportedCurrency reports whether the currency code is accepted.
func IsSupportedCurrency(currency string) bool {
	return isOneOf(currency, validCurrencies)
}

// IsValidType reports whether the transaction type is one of the nine known types.
func IsValidType(txType string) bool {
	return isOneOf(txType, validTypes)
}

func isOneOf(v string, set []string) bool {
	for _, s := range set {
		if v == s {
			return true
		}
	}
	return false
}
