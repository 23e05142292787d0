package models

import (
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// KYC tiers, ordered. Each tier admits a band of cumulative withdrawal volume.
const (
	KYCNone     = "none"
	KYCBasic    = "basic"
	KYCEnhanced = "enhanced"
	KYCFull     = "full"
)

var kycRank = map[string]int{
	KYCNone:     0,
	KYCBasic:    1,
	KYCEnhanced: 2,
	KYCFull:     3,
}

// KYCLevelAtLeast reports whether the held tier satisfies the required tier.
func KYCLevelAtLeast(have, want string) bool {
	return kycRank[have] >= kycRank[want]
}

// User is the account record as seen by the wallet service. Coin balances are
// owned by the ledger: nothing outside the repository's credit/debit/reserve
// operations may write them, and no API accepts them from a client.
type User struct {
	ID       primitive.ObjectID `bson:"_id,omitempty" json:"id,omitempty"`
	UserID   string             `bson:"user_id" json:"user_id"`
	Username string             `bson:"username" json:"username"`

	Coins    CoinBalance `bson:"coins" json:"coins"`
	KYCLevel string      `bson:"kyc_level" json:"kyc_level"`

	LastLoginCountry string    `bson:"last_login_country,omitempty" json:"last_login_country,omitempty"`
	CreatedAt        time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at" json:"updated_at"`

	// Version guards optimistic concurrency on balance writes.
	Version int64 `bson:"version" json:"-"`
}

// CoinBalance mirrors the ledger-derived balance for fast reads.
// Invariant: Available + Pending <= Total; none of the three go negative.
type CoinBalance struct {
	Total     decimal.Decimal `bson:"total" json:"total"`
	Available decimal.Decimal `bson:"available" json:"available"`
	Pending   decimal.Decimal `bson:"pending" json:"pending"`
}

// AccountAge returns how long the account has existed.
func (u *User) AccountAge(now time.Time) time.Duration {
	return now.Sub(u.CreatedAt)
}

// Balance is the derived balance view returned to callers.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
	Total     decimal.Decimal `json:"total"`
}
