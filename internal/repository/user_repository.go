package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"piano-wallet-api/internal/models"
)

// UserRepository owns every coin-balance mutation. All writes are predicated
// updates: the balance guard and the increment land in one UpdateOne, so two
// concurrent debits can never both pass the sufficiency check.
type UserRepository interface {
	GetByUserID(ctx context.Context, userID string) (*models.User, error)
	CreditCoins(ctx context.Context, userID string, amount decimal.Decimal) error
	ReserveFunds(ctx context.Context, userID string, amount decimal.Decimal) error
	ReleaseReserved(ctx context.Context, userID string, amount decimal.Decimal) error
	ConfirmReserved(ctx context.Context, userID string, amount decimal.Decimal) error
	SetBalance(ctx context.Context, userID string, balance models.CoinBalance) error
	UpdateKYCLevel(ctx context.Context, userID, level string) error
	CreateIndexes(ctx context.Context) error
}

type userRepository struct {
	collection *mongo.Collection
}

// toDecimal128 converts an amount for use in update operators. Increments go
// through Decimal128 so balances never accumulate float rounding error.
func toDecimal128(amount decimal.Decimal) (primitive.Decimal128, error) {
	d128, err := primitive.ParseDecimal128(amount.String())
	if err != nil {
		return primitive.Decimal128{}, fmt.Errorf("invalid amount %s: %w", amount, err)
	}
	return d128, nil
}

func NewUserRepository(db *mongo.Database) UserRepository {
	return &userRepository{
		collection: db.Collection("users"),
	}
}

func (r *userRepository) GetByUserID(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := r.collection.FindOne(ctx, bson.M{"user_id": userID}).Decode(&user)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, models.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	return &user, nil
}

// CreditCoins adds settled funds straight to the available balance.
func (r *userRepository) CreditCoins(ctx context.Context, userID string, amount decimal.Decimal) error {
	amt, err := toDecimal128(amount)
	if err != nil {
		return err
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$inc": bson.M{
				"coins.total":     amt,
				"coins.available": amt,
				"version":         1,
			},
			"$set": bson.M{"updated_at": time.Now()},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to credit coins: %w", err)
	}
	if result.MatchedCount == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// ReserveFunds moves amount from available to pending. The $gte predicate is
// the sufficiency check: a matched count of zero means either the user does
// not exist or the available balance is too low.
func (r *userRepository) ReserveFunds(ctx context.Context, userID string, amount decimal.Decimal) error {
	amt, err := toDecimal128(amount)
	if err != nil {
		return err
	}
	neg, err := toDecimal128(amount.Neg())
	if err != nil {
		return err
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{
			"user_id":         userID,
			"coins.available": bson.M{"$gte": amt},
		},
		bson.M{
			"$inc": bson.M{
				"coins.available": neg,
				"coins.pending":   amt,
				"version":         1,
			},
			"$set": bson.M{"updated_at": time.Now()},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to reserve funds: %w", err)
	}
	if result.MatchedCount == 0 {
		if _, lookupErr := r.GetByUserID(ctx, userID); lookupErr != nil {
			return lookupErr
		}
		return models.ErrInsufficientBalance
	}
	return nil
}

// ReleaseReserved returns a failed or cancelled reservation to available.
func (r *userRepository) ReleaseReserved(ctx context.Context, userID string, amount decimal.Decimal) error {
	amt, err := toDecimal128(amount)
	if err != nil {
		return err
	}
	neg, err := toDecimal128(amount.Neg())
	if err != nil {
		return err
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{
			"user_id":       userID,
			"coins.pending": bson.M{"$gte": amt},
		},
		bson.M{
			"$inc": bson.M{
				"coins.available": amt,
				"coins.pending":   neg,
				"version":         1,
			},
			"$set": bson.M{"updated_at": time.Now()},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to release reserved funds: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("no matching reservation of %s for user %s", amount, userID)
	}
	return nil
}

// ConfirmReserved burns a pending reservation once the debit settles.
func (r *userRepository) ConfirmReserved(ctx context.Context, userID string, amount decimal.Decimal) error {
	amt, err := toDecimal128(amount)
	if err != nil {
		return err
	}
	neg, err := toDecimal128(amount.Neg())
	if err != nil {
		return err
	}

	result, err := r.collection.UpdateOne(ctx,
		bson.M{
			"user_id":       userID,
			"coins.pending": bson.M{"$gte": amt},
		},
		bson.M{
			"$inc": bson.M{
				"coins.total":   neg,
				"coins.pending": neg,
				"version":       1,
			},
			"$set": bson.M{"updated_at": time.Now()},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to confirm reserved funds: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("no matching reservation of %s for user %s", amount, userID)
	}
	return nil
}

// SetBalance overwrites the cached balance. Used only by the reconciliation
// sweep after re-deriving the balance from the ledger.
func (r *userRepository) SetBalance(ctx context.Context, userID string, balance models.CoinBalance) error {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$set": bson.M{
				"coins":      balance,
				"updated_at": time.Now(),
			},
			"$inc": bson.M{"version": 1},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	if result.MatchedCount == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

func (r *userRepository) UpdateKYCLevel(ctx context.Context, userID, level string) error {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"user_id": userID},
		bson.M{
			"$set": bson.M{
				"kyc_level":  level,
				"updated_at": time.Now(),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to update KYC level: %w", err)
	}
	if result.MatchedCount == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

// CreateIndexes creates necessary indexes for the users collection
func (r *userRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "kyc_level", Value: 1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}

	return nil
}
