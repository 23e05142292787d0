package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"piano-wallet-api/internal/config"
	"piano-wallet-api/internal/models"
	"piano-wallet-api/internal/repository"
)

type mockTransactionRepo struct {
	mock.Mock
}

func (m *mockTransactionRepo) Create(ctx context.Context, tx *models.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *mockTransactionRepo) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Transaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *mockTransactionRepo) GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	args := m.Called(ctx, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *mockTransactionRepo) GetByGatewayTransactionID(ctx context.Context, gatewayTransactionID string) (*models.Transaction, error) {
	args := m.Called(ctx, gatewayTransactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *mockTransactionRepo) Update(ctx context.Context, tx *models.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *mockTransactionRepo) History(ctx context.Context, userID string, filter repository.HistoryFilter) ([]*models.Transaction, error) {
	args := m.Called(ctx, userID, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Transaction), args.Error(1)
}

func (m *mockTransactionRepo) CountHistory(ctx context.Context, userID string, filter repository.HistoryFilter) (int64, error) {
	args := m.Called(ctx, userID, filter)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockTransactionRepo) GetPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*models.Transaction, error) {
	args := m.Called(ctx, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Transaction), args.Error(1)
}

func (m *mockTransactionRepo) GetRetryDue(ctx context.Context, now time.Time, limit int) ([]*models.Transaction, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Transaction), args.Error(1)
}

func (m *mockTransactionRepo) GetFlagged(ctx context.Context, limit int, offset int) ([]*models.Transaction, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Transaction), args.Error(1)
}

func (m *mockTransactionRepo) AggregateBalance(ctx context.Context, userID string) (*repository.BalanceAggregate, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.BalanceAggregate), args.Error(1)
}

func (m *mockTransactionRepo) AverageCompletedAmount(ctx context.Context, userID, txType string) (decimal.Decimal, error) {
	args := m.Called(ctx, userID, txType)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockTransactionRepo) CumulativeWithdrawalVolume(ctx context.Context, userID string) (decimal.Decimal, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func (m *mockTransactionRepo) ActiveUserIDs(ctx context.Context, since time.Time, limit int) ([]string, error) {
	args := m.Called(ctx, since, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockTransactionRepo) CreateIndexes(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type mockUserRepo struct {
	mock.Mock
}

func (m *mockUserRepo) GetByUserID(ctx context.Context, userID string) (*models.User, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *mockUserRepo) CreditCoins(ctx context.Context, userID string, amount decimal.Decimal) error {
	args := m.Called(ctx, userID, amount)
	return args.Error(0)
}

func (m *mockUserRepo) ReserveFunds(ctx context.Context, userID string, amount decimal.Decimal) error {
	args := m.Called(ctx, userID, amount)
	return args.Error(0)
}

func (m *mockUserRepo) ReleaseReserved(ctx context.Context, userID string, amount decimal.Decimal) error {
	args := m.Called(ctx, userID, amount)
	return args.Error(0)
}

func (m *mockUserRepo) ConfirmReserved(ctx context.Context, userID string, amount decimal.Decimal) error {
	args := m.Called(ctx, userID, amount)
	return args.Error(0)
}

func (m *mockUserRepo) SetBalance(ctx context.Context, userID string, balance models.CoinBalance) error {
	args := m.Called(ctx, userID, balance)
	return args.Error(0)
}

func (m *mockUserRepo) UpdateKYCLevel(ctx context.Context, userID, level string) error {
	args := m.Called(ctx, userID, level)
	return args.Error(0)
}

func (m *mockUserRepo) CreateIndexes(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func newTestLedger(txRepo *mockTransactionRepo, userRepo *mockUserRepo) *Ledger {
	audit := logrus.New()
	audit.SetLevel(logrus.PanicLevel)
	return NewLedger(txRepo, userRepo, audit)
}

func TestWithdrawalFees(t *testing.T) {
	calc := NewFeeCalculator(config.FeesConfig{WithdrawalRate: 0.05, PlatformRate: 0})

	fees := calc.WithdrawalFees(decimal.NewFromInt(1000), decimal.NewFromInt(25))

	assert.True(t, fees.Withdrawal.Equal(decimal.NewFromInt(50)))
	assert.True(t, fees.Payment.Equal(decimal.NewFromInt(25)))
	assert.True(t, fees.Platform.IsZero())

	tx := models.NewTransaction("user-1", models.TypeWithdrawal, decimal.NewFromInt(1000), models.CurrencyCoin)
	tx.ApplyFees(fees)

	assert.True(t, tx.Fees.Total.Equal(decimal.NewFromInt(75)))
	assert.True(t, tx.NetAmount.Equal(decimal.NewFromInt(925)))
}

func TestDeriveBalance(t *testing.T) {
	tests := []struct {
		name          string
		agg           repository.BalanceAggregate
		wantTotal     int64
		wantAvailable int64
		wantPending   int64
	}{
		{
			name: "credits minus debits minus pending",
			agg: repository.BalanceAggregate{
				Credits: decimal.NewFromInt(500),
				Debits:  decimal.NewFromInt(100),
				Pending: decimal.NewFromInt(50),
			},
			wantTotal:     400,
			wantAvailable: 350,
			wantPending:   50,
		},
		{
			name: "corrupted ledger clamps to zero",
			agg: repository.BalanceAggregate{
				Credits: decimal.NewFromInt(100),
				Debits:  decimal.NewFromInt(150),
			},
			wantTotal:     0,
			wantAvailable: 0,
			wantPending:   0,
		},
		{
			name: "pending exceeds total clamps available",
			agg: repository.BalanceAggregate{
				Credits: decimal.NewFromInt(100),
				Debits:  decimal.NewFromInt(80),
				Pending: decimal.NewFromInt(30),
			},
			wantTotal:     20,
			wantAvailable: 0,
			wantPending:   30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txRepo := new(mockTransactionRepo)
			userRepo := new(mockUserRepo)
			agg := tt.agg
			txRepo.On("AggregateBalance", mock.Anything, "user-1").Return(&agg, nil)

			balance, err := newTestLedger(txRepo, userRepo).DeriveBalance(context.Background(), "user-1")

			require.NoError(t, err)
			assert.True(t, balance.Total.Equal(decimal.NewFromInt(tt.wantTotal)), "total %s", balance.Total)
			assert.True(t, balance.Available.Equal(decimal.NewFromInt(tt.wantAvailable)), "available %s", balance.Available)
			assert.True(t, balance.Pending.Equal(decimal.NewFromInt(tt.wantPending)), "pending %s", balance.Pending)
		})
	}
}

func TestRecordInstantCredit(t *testing.T) {
	txRepo := new(mockTransactionRepo)
	userRepo := new(mockUserRepo)

	txRepo.On("Create", mock.Anything, mock.AnythingOfType("*models.Transaction")).Return(nil)
	userRepo.On("CreditCoins", mock.Anything, "user-1", decimal.NewFromInt(10)).Return(nil)

	tx := models.NewTransaction("user-1", models.TypeGameReward, decimal.NewFromInt(10), models.CurrencyCoin)
	err := newTestLedger(txRepo, userRepo).RecordInstantCredit(context.Background(), tx)

	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, tx.Status)
	txRepo.AssertExpectations(t)
	userRepo.AssertExpectations(t)
}

func TestRecordInstantCreditRejectsDebit(t *testing.T) {
	txRepo := new(mockTransactionRepo)
	userRepo := new(mockUserRepo)

	tx := models.NewTransaction("user-1", models.TypeWithdrawal, decimal.NewFromInt(10), models.CurrencyCoin)
	err := newTestLedger(txRepo, userRepo).RecordInstantCredit(context.Background(), tx)

	assert.Error(t, err)
	txRepo.AssertNotCalled(t, "Create")
}

func TestReconcileCorrectsDrift(t *testing.T) {
	txRepo := new(mockTransactionRepo)
	userRepo := new(mockUserRepo)

	txRepo.On("AggregateBalance", mock.Anything, "user-1").Return(&repository.BalanceAggregate{
		Credits: decimal.NewFromInt(200),
		Debits:  decimal.NewFromInt(50),
	}, nil)
	userRepo.On("GetByUserID", mock.Anything, "user-1").Return(&models.User{
		UserID: "user-1",
		Coins: models.CoinBalance{
			Total:     decimal.NewFromInt(180),
			Available: decimal.NewFromInt(180),
		},
	}, nil)
	userRepo.On("SetBalance", mock.Anything, "user-1", mock.MatchedBy(func(b models.CoinBalance) bool {
		return b.Total.Equal(decimal.NewFromInt(150)) && b.Available.Equal(decimal.NewFromInt(150))
	})).Return(nil)

	err := newTestLedger(txRepo, userRepo).Reconcile(context.Background(), "user-1")

	require.NoError(t, err)
	userRepo.AssertExpectations(t)
}
