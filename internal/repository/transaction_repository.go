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

// HistoryFilter narrows a user's transaction history query. Zero values mean
// "no constraint"; Limit falls back to a server-side default.
type HistoryFilter struct {
	Types    []string
	Statuses []string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

// BalanceAggregate is the raw ledger sums a balance is derived from.
type BalanceAggregate struct {
	Credits decimal.Decimal
	Debits  decimal.Decimal
	Pending decimal.Decimal
}

type TransactionRepository interface {
	Create(ctx context.Context, transaction *models.Transaction) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Transaction, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error)
	GetByGatewayTransactionID(ctx context.Context, gatewayTransactionID string) (*models.Transaction, error)
	Update(ctx context.Context, transaction *models.Transaction) error
	History(ctx context.Context, userID string, filter HistoryFilter) ([]*models.Transaction, error)
	CountHistory(ctx context.Context, userID string, filter HistoryFilter) (int64, error)
	GetPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error)
	GetRetryDue(ctx context.Context, now time.Time, limit int) ([]*models.Transaction, error)
	GetFlagged(ctx context.Context, limit int, offset int) ([]*models.Transaction, error)
	AggregateBalance(ctx context.Context, userID string) (*BalanceAggregate, error)
	AverageCompletedAmount(ctx context.Context, userID, txType string) (decimal.Decimal, error)
	CumulativeWithdrawalVolume(ctx context.Context, userID string) (decimal.Decimal, error)
	ActiveUserIDs(ctx context.Context, since time.Time, limit int) ([]string, error)
	CreateIndexes(ctx context.Context) error
}

type transactionRepository struct {
	collection *mongo.Collection
}

func NewTransactionRepository(db *mongo.Database) TransactionRepository {
	return &transactionRepository{
		collection: db.Collection("transactions"),
	}
}

const defaultHistoryLimit = 50

func (r *transactionRepository) Create(ctx context.Context, transaction *models.Transaction) error {
	transaction.CreatedAt = time.Now()
	transaction.UpdatedAt = time.Now()

	result, err := r.collection.InsertOne(ctx, transaction)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("transaction with ID %s already exists", transaction.TransactionID)
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	transaction.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *transactionRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Transaction, error) {
	var transaction models.Transaction
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&transaction)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, models.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction by ID: %w", err)
	}
	return &transaction, nil
}

func (r *transactionRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	var transaction models.Transaction
	err := r.collection.FindOne(ctx, bson.M{"transaction_id": transactionID}).Decode(&transaction)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, models.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction %s: %w", transactionID, err)
	}
	return &transaction, nil
}

func (r *transactionRepository) GetByGatewayTransactionID(ctx context.Context, gatewayTransactionID string) (*models.Transaction, error) {
	var transaction models.Transaction
	err := r.collection.FindOne(ctx, bson.M{"payment.gateway_transaction_id": gatewayTransactionID}).Decode(&transaction)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, models.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction by gateway reference: %w", err)
	}
	return &transaction, nil
}

func (r *transactionRepository) Update(ctx context.Context, transaction *models.Transaction) error {
	transaction.UpdatedAt = time.Now()

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": transaction.ID}, bson.M{"$set": transaction})
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	if result.MatchedCount == 0 {
		return models.ErrTransactionNotFound
	}

	return nil
}

func historyQuery(userID string, filter HistoryFilter) bson.M {
	query := bson.M{"user_id": userID}

	if len(filter.Types) > 0 {
		query["type"] = bson.M{"$in": filter.Types}
	}
	if len(filter.Statuses) > 0 {
		query["status"] = bson.M{"$in": filter.Statuses}
	}
	if filter.From != nil || filter.To != nil {
		dateRange := bson.M{}
		if filter.From != nil {
			dateRange["$gte"] = *filter.From
		}
		if filter.To != nil {
			dateRange["$lte"] = *filter.To
		}
		query["created_at"] = dateRange
	}

	return query
}

func (r *transactionRepository) History(ctx context.Context, userID string, filter HistoryFilter) ([]*models.Transaction, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	opts := options.Find().
		SetLimit(int64(limit)).
		SetSkip(int64(filter.Offset)).
		SetSort(bson.M{"created_at": -1})

	cursor, err := r.collection.Find(ctx, historyQuery(userID, filter), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction history: %w", err)
	}
	defer cursor.Close(ctx)

	return decodeTransactions(ctx, cursor)
}

func (r *transactionRepository) CountHistory(ctx context.Context, userID string, filter HistoryFilter) (int64, error) {
	count, err := r.collection.CountDocuments(ctx, historyQuery(userID, filter))
	if err != nil {
		return 0, fmt.Errorf("failed to count transaction history: %w", err)
	}
	return count, nil
}

func (r *transactionRepository) GetPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	filter := bson.M{
		"status":     models.StatusPending,
		"created_at": bson.M{"$lt": cutoff},
	}
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSort(bson.M{"created_at": 1})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get stale pending transactions: %w", err)
	}
	defer cursor.Close(ctx)

	return decodeTransactions(ctx, cursor)
}

func (r *transactionRepository) GetRetryDue(ctx context.Context, now time.Time, limit int) ([]*models.Transaction, error) {
	filter := bson.M{
		"status": models.StatusFailed,
		"$expr":  bson.M{"$lt": bson.A{"$payment.retry_count", "$payment.max_retries"}},
		"$or": bson.A{
			bson.M{"payment.next_retry": bson.M{"$lte": now}},
			bson.M{"payment.next_retry": nil},
		},
	}
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSort(bson.M{"payment.next_retry": 1})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get retry-due transactions: %w", err)
	}
	defer cursor.Close(ctx)

	return decodeTransactions(ctx, cursor)
}

func (r *transactionRepository) GetFlagged(ctx context.Context, limit int, offset int) ([]*models.Transaction, error) {
	filter := bson.M{
		"verification.flagged": true,
		"status":               bson.M{"$in": []string{models.StatusPending, models.StatusProcessing}},
	}
	opts := options.Find().
		SetLimit(int64(limit)).
		SetSkip(int64(offset)).
		SetSort(bson.M{"created_at": 1})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get flagged transactions: %w", err)
	}
	defer cursor.Close(ctx)

	return decodeTransactions(ctx, cursor)
}

// AggregateBalance sums the completed ledger rows plus in-flight debits for
// one user. The balance itself is derived by the ledger, not here.
func (r *transactionRepository) AggregateBalance(ctx context.Context, userID string) (*BalanceAggregate, error) {
	pipeline := []bson.M{
		{
			"$match": bson.M{"user_id": userID},
		},
		{
			"$group": bson.M{
				"_id": nil,
				"credits": bson.M{
					"$sum": bson.M{
						"$cond": bson.A{
							bson.M{"$and": bson.A{
								bson.M{"$eq": bson.A{"$status", models.StatusCompleted}},
								bson.M{"$in": bson.A{"$type", models.CreditTypes}},
							}},
							"$amount", 0,
						},
					},
				},
				"debits": bson.M{
					"$sum": bson.M{
						"$cond": bson.A{
							bson.M{"$and": bson.A{
								bson.M{"$eq": bson.A{"$status", models.StatusCompleted}},
								bson.M{"$in": bson.A{"$type", models.DebitTypes}},
							}},
							"$amount", 0,
						},
					},
				},
				"pending": bson.M{
					"$sum": bson.M{
						"$cond": bson.A{
							bson.M{"$and": bson.A{
								bson.M{"$in": bson.A{"$status", bson.A{models.StatusPending, models.StatusProcessing}}},
								bson.M{"$in": bson.A{"$type", models.DebitTypes}},
							}},
							"$amount", 0,
						},
					},
				},
			},
		},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate balance: %w", err)
	}
	defer cursor.Close(ctx)

	// Sums over Decimal128 amounts come back as Decimal128; the registered
	// codec decodes them losslessly.
	var row struct {
		Credits decimal.Decimal `bson:"credits"`
		Debits  decimal.Decimal `bson:"debits"`
		Pending decimal.Decimal `bson:"pending"`
	}

	if cursor.Next(ctx) {
		if err := cursor.Decode(&row); err != nil {
			return nil, fmt.Errorf("failed to decode balance aggregate: %w", err)
		}
	}

	return &BalanceAggregate{
		Credits: row.Credits,
		Debits:  row.Debits,
		Pending: row.Pending,
	}, nil
}

func (r *transactionRepository) AverageCompletedAmount(ctx context.Context, userID, txType string) (decimal.Decimal, error) {
	pipeline := []bson.M{
		{
			"$match": bson.M{
				"user_id": userID,
				"type":    txType,
				"status":  models.StatusCompleted,
			},
		},
		{
			"$group": bson.M{
				"_id":     nil,
				"average": bson.M{"$avg": "$amount"},
			},
		},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to compute average amount: %w", err)
	}
	defer cursor.Close(ctx)

	var row struct {
		Average decimal.Decimal `bson:"average"`
	}

	if cursor.Next(ctx) {
		if err := cursor.Decode(&row); err != nil {
			return decimal.Zero, fmt.Errorf("failed to decode average amount: %w", err)
		}
	}

	return row.Average, nil
}

func (r *transactionRepository) CumulativeWithdrawalVolume(ctx context.Context, userID string) (decimal.Decimal, error) {
	pipeline := []bson.M{
		{
			"$match": bson.M{
				"user_id": userID,
				"type":    models.TypeWithdrawal,
				"status":  models.StatusCompleted,
			},
		},
		{
			"$group": bson.M{
				"_id":    nil,
				"volume": bson.M{"$sum": "$amount"},
			},
		},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to compute withdrawal volume: %w", err)
	}
	defer cursor.Close(ctx)

	var row struct {
		Volume decimal.Decimal `bson:"volume"`
	}

	if cursor.Next(ctx) {
		if err := cursor.Decode(&row); err != nil {
			return decimal.Zero, fmt.Errorf("failed to decode withdrawal volume: %w", err)
		}
	}

	return row.Volume, nil
}

// ActiveUserIDs lists users with ledger activity since the cutoff. Used by the
// reconciliation sweep to bound how many balances get rebuilt per run.
func (r *transactionRepository) ActiveUserIDs(ctx context.Context, since time.Time, limit int) ([]string, error) {
	pipeline := []bson.M{
		{
			"$match": bson.M{"updated_at": bson.M{"$gte": since}},
		},
		{
			"$group": bson.M{"_id": "$user_id"},
		},
		{
			"$limit": limit,
		},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	defer cursor.Close(ctx)

	var userIDs []string
	for cursor.Next(ctx) {
		var row struct {
			UserID string `bson:"_id"`
		}
		if err := cursor.Decode(&row); err != nil {
			continue
		}
		userIDs = append(userIDs, row.UserID)
	}
	return userIDs, cursor.Err()
}

func decodeTransactions(ctx context.Context, cursor *mongo.Cursor) ([]*models.Transaction, error) {
	var transactions []*models.Transaction
	for cursor.Next(ctx) {
		var transaction models.Transaction
		if err := cursor.Decode(&transaction); err != nil {
			continue
		}
		transactions = append(transactions, &transaction)
	}
	return transactions, cursor.Err()
}

// CreateIndexes creates necessary indexes for the transaction collection
func (r *transactionRepository) CreateIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "transaction_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "payment.gateway_transaction_id", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(
				bson.M{"payment.gateway_transaction_id": bson.M{"$exists": true}},
			),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "type", Value: 1}, {Key: "created_at", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "payment.next_retry", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "verification.flagged", Value: 1}, {Key: "status", Value: 1}},
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		return fmt.Errorf("failed to create transaction indexes: %w", err)
	}

	return nil
}
