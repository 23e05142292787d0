package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"piano-wallet-api/internal/config"
	"piano-wallet-api/internal/gateway"
	"piano-wallet-api/internal/ledger"
	"piano-wallet-api/internal/models"
	"piano-wallet-api/internal/repository"
	"piano-wallet-api/internal/reward"
	"piano-wallet-api/internal/risk"
)

// --- mocks ---

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

type mockSessionRepo struct {
	mock.Mock
}

func (m *mockSessionRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.GameSession, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.GameSession), args.Error(1)
}

func (m *mockSessionRepo) ClaimSession(ctx context.Context, sessionID, userID string) error {
	args := m.Called(ctx, sessionID, userID)
	return args.Error(0)
}

func (m *mockSessionRepo) UnclaimSession(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *mockSessionRepo) MarkAbandonedIdleSince(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSessionRepo) CreateIndexes(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type mockLockRepo struct {
	mock.Mock
}

func (m *mockLockRepo) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*repository.DistributedLock, error) {
	args := m.Called(ctx, key, ttl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.DistributedLock), args.Error(1)
}

func (m *mockLockRepo) ReleaseLock(ctx context.Context, lock *repository.DistributedLock) error {
	args := m.Called(ctx, lock)
	return args.Error(0)
}

func (m *mockLockRepo) ExtendLock(ctx context.Context, lock *repository.DistributedLock, ttl time.Duration) error {
	args := m.Called(ctx, lock, ttl)
	return args.Error(0)
}

func (m *mockLockRepo) IsLocked(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

type mockVelocityRepo struct {
	mock.Mock
}

func (m *mockVelocityRepo) RecordWithdrawalAttempt(ctx context.Context, userID string, at time.Time, window time.Duration) error {
	args := m.Called(ctx, userID, at, window)
	return args.Error(0)
}

func (m *mockVelocityRepo) WithdrawalCount(ctx context.Context, userID string, now time.Time, window time.Duration) (int, error) {
	args := m.Called(ctx, userID, now, window)
	return args.Int(0), args.Error(1)
}

type mockIdempotencyRepo struct {
	mock.Mock
}

func (m *mockIdempotencyRepo) SetIdempotencyKey(ctx context.Context, key string, response string, ttl time.Duration) error {
	args := m.Called(ctx, key, response, ttl)
	return args.Error(0)
}

func (m *mockIdempotencyRepo) GetIdempotencyResponse(ctx context.Context, key string) (string, bool, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *mockIdempotencyRepo) DeleteIdempotencyKey(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

type mockGateway struct {
	mock.Mock
	name string
}

func (m *mockGateway) Name() string { return m.name }

func (m *mockGateway) Fee(amount decimal.Decimal) decimal.Decimal {
	args := m.Called(amount)
	return args.Get(0).(decimal.Decimal)
}

func (m *mockGateway) SubmitPayout(ctx context.Context, req *gateway.PayoutRequest) (*gateway.PayoutResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.PayoutResponse), args.Error(1)
}

func (m *mockGateway) SubmitCharge(ctx context.Context, req *gateway.ChargeRequest) (*gateway.ChargeResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.ChargeResponse), args.Error(1)
}

func (m *mockGateway) VerifyWebhook(req *http.Request) (*gateway.WebhookEvent, error) {
	args := m.Called(req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.WebhookEvent), args.Error(1)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, routingKey string, event *TransactionEvent) error {
	args := m.Called(ctx, routingKey, event)
	return args.Error(0)
}

func (m *mockPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

// --- harness ---

type testHarness struct {
	txRepo      *mockTransactionRepo
	userRepo    *mockUserRepo
	sessionRepo *mockSessionRepo
	lockRepo    *mockLockRepo
	velocity    *mockVelocityRepo
	idempotency *mockIdempotencyRepo
	rail        *mockGateway
	events      *mockPublisher
	service     *WalletService
}

func newHarness() *testHarness {
	h := &testHarness{
		txRepo:      new(mockTransactionRepo),
		userRepo:    new(mockUserRepo),
		sessionRepo: new(mockSessionRepo),
		lockRepo:    new(mockLockRepo),
		velocity:    new(mockVelocityRepo),
		idempotency: new(mockIdempotencyRepo),
		rail:        &mockGateway{name: "bankwire"},
		events:      new(mockPublisher),
	}

	quiet := logrus.New()
	quiet.SetLevel(logrus.PanicLevel)

	locks := repository.NewUserLockManager(h.lockRepo)
	ldg := ledger.NewLedger(h.txRepo, h.userRepo, quiet)
	fees := ledger.NewFeeCalculator(config.FeesConfig{WithdrawalRate: 0.05})
	riskCfg := config.RiskConfig{
		ReviewThreshold:        70,
		ApprovalThreshold:      50,
		VelocityMaxWithdrawals: 3,
		AmountSpikeMultiplier:  5,
		NewAccountAge:          7 * 24 * time.Hour,
		NewAccountAmount:       500,
		VerificationAmount:     1000,
	}
	assessor := risk.NewAssessor(h.txRepo, h.velocity, riskCfg, 24*time.Hour)
	rewards := reward.NewEngine(h.sessionRepo, ldg, locks, config.RewardsConfig{
		CoinPerScorePoint: 0.001,
		ExpScoreDivisor:   100,
		ClaimLockTTL:      10 * time.Second,
	})
	registry := gateway.NewRegistry(h.rail)

	h.service = NewWalletService(
		h.txRepo, h.userRepo, h.sessionRepo,
		ldg, fees, assessor, h.velocity, rewards,
		registry, locks, h.idempotency, h.events, quiet,
		config.RedisConfig{
			LockTTL:        30 * time.Second,
			IdempotencyTTL: 24 * time.Hour,
			VelocityWindow: 24 * time.Hour,
		},
	)

	return h
}

func (h *testHarness) grantLocks() {
	h.lockRepo.On("AcquireLock", mock.Anything, mock.Anything, mock.Anything).
		Return(&repository.DistributedLock{Key: "lock:test", Value: "v"}, nil)
	h.lockRepo.On("ReleaseLock", mock.Anything, mock.Anything).Return(nil)
}

func (h *testHarness) quietEvents() {
	h.events.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
}

func (h *testHarness) cleanRisk(userID string) {
	h.velocity.On("RecordWithdrawalAttempt", mock.Anything, userID, mock.Anything, mock.Anything).Return(nil)
	h.velocity.On("WithdrawalCount", mock.Anything, userID, mock.Anything, mock.Anything).Return(1, nil)
	h.txRepo.On("AverageCompletedAmount", mock.Anything, userID, models.TypeWithdrawal).
		Return(decimal.NewFromInt(900), nil)
	h.txRepo.On("CumulativeWithdrawalVolume", mock.Anything, userID).
		Return(decimal.NewFromInt(100), nil)
}

func richUser() *models.User {
	return &models.User{
		UserID:           "user-1",
		Username:         "pianist",
		KYCLevel:         models.KYCEnhanced,
		LastLoginCountry: "VN",
		CreatedAt:        time.Now().Add(-90 * 24 * time.Hour),
		Coins: models.CoinBalance{
			Total:     decimal.NewFromInt(5000),
			Available: decimal.NewFromInt(5000),
		},
	}
}

func baseWithdrawal() *WithdrawalRequest {
	return &WithdrawalRequest{
		UserID:      "user-1",
		Amount:      decimal.NewFromInt(1000),
		Currency:    models.CurrencyCoin,
		Gateway:     "bankwire",
		Destination: "acct-777",
		Country:     "VN",
	}
}

// --- withdrawal tests ---

func TestRequestWithdrawal(t *testing.T) {
	h := newHarness()
	h.grantLocks()
	h.quietEvents()
	h.cleanRisk("user-1")

	h.userRepo.On("GetByUserID", mock.Anything, "user-1").Return(richUser(), nil)
	h.rail.On("Fee", mock.Anything).Return(decimal.NewFromInt(25))
	h.userRepo.On("ReserveFunds", mock.Anything, "user-1", decimal.NewFromInt(1000)).Return(nil)
	h.txRepo.On("Create", mock.Anything, mock.Anything).Return(nil)
	h.txRepo.On("Update", mock.Anything, mock.Anything).Return(nil)
	h.rail.On("SubmitPayout", mock.Anything, mock.MatchedBy(func(req *gateway.PayoutRequest) bool {
		return req.Amount.Equal(decimal.NewFromInt(925)) && req.Destination == "acct-777"
	})).Return(&gateway.PayoutResponse{
		GatewayTransactionID: "bw-100",
		Status:               "submitted",
	}, nil)

	tx, err := h.service.RequestWithdrawal(context.Background(), baseWithdrawal())

	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, tx.Status)
	assert.True(t, tx.Fees.Withdrawal.Equal(decimal.NewFromInt(50)))
	assert.True(t, tx.Fees.Payment.Equal(decimal.NewFromInt(25)))
	assert.True(t, tx.Fees.Total.Equal(decimal.NewFromInt(75)))
	assert.True(t, tx.NetAmount.Equal(decimal.NewFromInt(925)))
	assert.Equal(t, "bw-100", tx.Payment.GatewayTransactionID)
	h.userRepo.AssertCalled(t, "ReserveFunds", mock.Anything, "user-1", decimal.NewFromInt(1000))
}

func TestRequestWithdrawalInsufficientBalance(t *testing.T) {
	h := newHarness()
	h.grantLocks()
	h.quietEvents()
	h.cleanRisk("user-1")

	h.userRepo.On("GetByUserID", mock.Anything, "user-1").Return(richUser(), nil)
	h.rail.On("Fee", mock.Anything).Return(decimal.NewFromInt(25))
	h.userRepo.On("ReserveFunds", mock.Anything, "user-1", mock.Anything).
		Return(models.ErrInsufficientBalance)

	_, err := h.service.RequestWithdrawal(context.Background(), baseWithdrawal())

	assert.ErrorIs(t, err, models.ErrInsufficientBalance)
	assert.Equal(t, "INSUFFICIENT_BALANCE", models.ReasonCode(err))
	h.txRepo.AssertNotCalled(t, "Create")
	h.rail.AssertNotCalled(t, "SubmitPayout")
}

func TestRequestWithdrawalKYCGate(t *testing.T) {
	h := newHarness()
	h.grantLocks()

	user := richUser()
	user.KYCLevel = models.KYCNone
	h.userRepo.On("GetByUserID", mock.Anything, "user-1").Return(user, nil)
	h.rail.On("Fee", mock.Anything).Return(decimal.NewFromInt(25))
	h.txRepo.On("CumulativeWithdrawalVolume", mock.Anything, "user-1").
		Return(decimal.NewFromInt(100), nil)

	_, err := h.service.RequestWithdrawal(context.Background(), baseWithdrawal())

	require.Error(t, err)
	assert.Equal(t, "KYC_REQUIRED", models.ReasonCode(err))
	h.userRepo.AssertNotCalled(t, "ReserveFunds")
}

func TestRequestWithdrawalValidation(t *testing.T) {
	h := newHarness()

	req := baseWithdrawal()
	req.Amount = decimal.NewFromInt(-10)
	_, err := h.service.RequestWithdrawal(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrInvalidAmount)

	req = baseWithdrawal()
	req.Currency = "EUR"
	_, err = h.service.RequestWithdrawal(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrUnsupportedCurrency)

	req = baseWithdrawal()
	req.Gateway = "carrier-pigeon"
	_, err = h.service.RequestWithdrawal(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrUnknownGateway)
}

func TestRequestWithdrawalRiskHold(t *testing.T) {
	h := newHarness()
	h.grantLocks()
	h.quietEvents()

	user := richUser()
	user.CreatedAt = time.Now().Add(-24 * time.Hour)
	h.userRepo.On("GetByUserID", mock.Anything, "user-1").Return(user, nil)
	h.rail.On("Fee", mock.Anything).Return(decimal.NewFromInt(25))
	h.velocity.On("RecordWithdrawalAttempt", mock.Anything, "user-1", mock.Anything, mock.Anything).Return(nil)
	// velocity + spike + new account pushes the score past the review line
	h.velocity.On("WithdrawalCount", mock.Anything, "user-1", mock.Anything, mock.Anything).Return(6, nil)
	h.txRepo.On("AverageCompletedAmount", mock.Anything, "user-1", models.TypeWithdrawal).
		Return(decimal.NewFromInt(50), nil)
	h.txRepo.On("CumulativeWithdrawalVolume", mock.Anything, "user-1").
		Return(decimal.NewFromInt(100), nil)
	h.userRepo.On("ReserveFunds", mock.Anything, "user-1", mock.Anything).Return(nil)
	h.txRepo.On("Create", mock.Anything, mock.Anything).Return(nil)
	h.txRepo.On("Update", mock.Anything, mock.Anything).Return(nil)

	tx, err := h.service.RequestWithdrawal(context.Background(), baseWithdrawal())

	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, tx.Status)
	assert.True(t, tx.Verification.Flagged)
	assert.True(t, tx.Verification.Required)
	h.rail.AssertNotCalled(t, "SubmitPayout")
	h.userRepo.AssertCalled(t, "ReserveFunds", mock.Anything, "user-1", decimal.NewFromInt(1000))
}

func TestRequestWithdrawalIdempotentReplay(t *testing.T) {
	h := newHarness()

	existing := models.NewTransaction("user-1", models.TypeWithdrawal, decimal.NewFromInt(1000), models.CurrencyCoin)
	h.idempotency.On("GetIdempotencyResponse", mock.Anything, "key-1").
		Return(existing.TransactionID, true, nil)
	h.txRepo.On("GetByTransactionID", mock.Anything, existing.TransactionID).Return(existing, nil)

	req := baseWithdrawal()
	req.IdempotencyKey = "key-1"
	tx, err := h.service.RequestWithdrawal(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, existing.TransactionID, tx.TransactionID)
	h.userRepo.AssertNotCalled(t, "ReserveFunds")
	h.txRepo.AssertNotCalled(t, "Create")
}

func TestGatewayFailureSchedulesRetry(t *testing.T) {
	h := newHarness()
	h.grantLocks()
	h.quietEvents()
	h.cleanRisk("user-1")

	h.userRepo.On("GetByUserID", mock.Anything, "user-1").Return(richUser(), nil)
	h.rail.On("Fee", mock.Anything).Return(decimal.NewFromInt(25))
	h.userRepo.On("ReserveFunds", mock.Anything, "user-1", mock.Anything).Return(nil)
	h.userRepo.On("ReleaseReserved", mock.Anything, "user-1", decimal.NewFromInt(1000)).Return(nil)
	h.txRepo.On("Create", mock.Anything, mock.Anything).Return(nil)
	h.txRepo.On("Update", mock.Anything, mock.Anything).Return(nil)
	h.rail.On("SubmitPayout", mock.Anything, mock.Anything).
		Return(nil, assert.AnError)

	tx, err := h.service.RequestWithdrawal(context.Background(), baseWithdrawal())

	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, tx.Status)
	assert.Equal(t, 1, tx.Payment.RetryCount)
	require.NotNil(t, tx.Payment.NextRetry)
	// every failure returns the reservation; the retry re-reserves
	h.userRepo.AssertCalled(t, "ReleaseReserved", mock.Anything, "user-1", decimal.NewFromInt(1000))
}

// --- webhook tests ---

func processingWithdrawal() *models.Transaction {
	tx := models.NewTransaction("user-1", models.TypeWithdrawal, decimal.NewFromInt(1000), models.CurrencyCoin)
	tx.Payment.Gateway = "bankwire"
	tx.Payment.GatewayTransactionID = "bw-100"
	tx.ApplyFees(models.FeeBreakdown{Withdrawal: decimal.NewFromInt(50), Payment: decimal.NewFromInt(25)})
	_ = tx.Transition(models.StatusProcessing, "submitted", "engine")
	return tx
}

func webhookEvent(status string) *gateway.WebhookEvent {
	return &gateway.WebhookEvent{
		EventID:              "evt-1",
		Gateway:              "bankwire",
		GatewayTransactionID: "bw-100",
		Status:               status,
		Amount:               decimal.NewFromInt(925),
		Currency:             models.CurrencyCoin,
		Timestamp:            time.Now(),
	}
}

func postWebhook(t *testing.T, h *testHarness, event *gateway.WebhookEvent, tx *models.Transaction) error {
	t.Helper()
	h.rail.On("VerifyWebhook", mock.Anything).Return(event, nil)
	h.txRepo.On("GetByGatewayTransactionID", mock.Anything, "bw-100").Return(tx, nil)
	h.txRepo.On("GetByTransactionID", mock.Anything, tx.TransactionID).Return(tx, nil)

	req := httptest.NewRequest("POST", "/webhooks/bankwire", nil)
	return h.service.HandleWebhook(context.Background(), "bankwire", req)
}

func TestWebhookCompletesWithdrawal(t *testing.T) {
	h := newHarness()
	h.grantLocks()
	h.quietEvents()

	tx := processingWithdrawal()
	h.userRepo.On("ConfirmReserved", mock.Anything, "user-1", decimal.NewFromInt(1000)).Return(nil)
	h.txRepo.On("Update", mock.Anything, mock.Anything).Return(nil)

	err := postWebhook(t, h, webhookEvent("completed"), tx)

	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, tx.Status)
	h.userRepo.AssertCalled(t, "ConfirmReserved", mock.Anything, "user-1", decimal.NewFromInt(1000))
}

func TestWebhookDuplicateSuccessIsNoOp(t *testing.T) {
	h := newHarness()
	h.grantLocks()

	tx := processingWithdrawal()
	require.NoError(t, tx.Transition(models.StatusCompleted, "settled", "engine"))

	err := postWebhook(t, h, webhookEvent("completed"), tx)

	require.NoError(t, err)
	h.txRepo.AssertNotCalled(t, "Update")
	h.userRepo.AssertNotCalled(t, "ConfirmReserved")
}

func TestWebhookLateSuccessOnFailedIsAnomaly(t *testing.T) {
	h := newHarness()
	h.grantLocks()
	h.quietEvents()

	tx := processingWithdrawal()
	require.NoError(t, tx.Transition(models.StatusFailed, "declined", "engine"))
	h.txRepo.On("Update", mock.Anything, mock.Anything).Return(nil)

	err := postWebhook(t, h, webhookEvent("completed"), tx)

	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, tx.Status, "failed transaction must not resurrect")
	assert.True(t, tx.Verification.Flagged)
	h.userRepo.AssertNotCalled(t, "ConfirmReserved")
	h.events.AssertCalled(t, "Publish", mock.Anything, EventWebhookAnomaly, mock.Anything)
}

func TestWebhookFailureSchedulesRetry(t *testing.T) {
	h := newHarness()
	h.grantLocks()
	h.quietEvents()

	tx := processingWithdrawal()
	h.txRepo.On("Update", mock.Anything, mock.Anything).Return(nil)
	h.userRepo.On("ReleaseReserved", mock.Anything, "user-1", decimal.NewFromInt(1000)).Return(nil)

	event := webhookEvent("failed")
	event.FailureReason = "account closed"
	err := postWebhook(t, h, event, tx)

	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, tx.Status)
	assert.Equal(t, 1, tx.Payment.RetryCount)
	h.userRepo.AssertCalled(t, "ReleaseReserved", mock.Anything, "user-1", decimal.NewFromInt(1000))
}

func TestWebhookCompletesDeposit(t *testing.T) {
	h := newHarness()
	h.grantLocks()
	h.quietEvents()

	tx := models.NewTransaction("user-1", models.TypeDeposit, decimal.NewFromInt(500), models.CurrencyCoin)
	tx.Payment.Gateway = "bankwire"
	tx.Payment.GatewayTransactionID = "bw-100"
	tx.ApplyFees(models.FeeBreakdown{Payment: decimal.NewFromInt(13)})
	require.NoError(t, tx.Transition(models.StatusProcessing, "charge submitted", "engine"))

	h.txRepo.On("Update", mock.Anything, mock.Anything).Return(nil)
	h.userRepo.On("CreditCoins", mock.Anything, "user-1", decimal.NewFromInt(487)).Return(nil)

	err := postWebhook(t, h, webhookEvent("completed"), tx)

	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, tx.Status)
	h.userRepo.AssertCalled(t, "CreditCoins", mock.Anything, "user-1", decimal.NewFromInt(487))
}

// --- admin tests ---

func heldWithdrawal() *models.Transaction {
	tx := models.NewTransaction("user-1", models.TypeWithdrawal, decimal.NewFromInt(1000), models.CurrencyCoin)
	tx.Payment.Gateway = "bankwire"
	tx.Payment.Destination = "acct-777"
	tx.ApplyFees(models.FeeBreakdown{Withdrawal: decimal.NewFromInt(50), Payment: decimal.NewFromInt(25)})
	tx.Verification.Required = true
	tx.Flag(80, "held for manual review")
	return tx
}

func TestApproveTransaction(t *testing.T) {
	h := newHarness()
	h.grantLocks()
	h.quietEvents()

	tx := heldWithdrawal()
	h.txRepo.On("GetByTransactionID", mock.Anything, tx.TransactionID).Return(tx, nil)
	h.txRepo.On("Update", mock.Anything, mock.Anything).Return(nil)
	h.rail.On("SubmitPayout", mock.Anything, mock.Anything).Return(&gateway.PayoutResponse{
		GatewayTransactionID: "bw-200",
		Status:               "submitted",
	}, nil)

	approved, err := h.service.ApproveTransaction(context.Background(), tx.TransactionID, "admin-9")

	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, approved.Status)
	assert.False(t, approved.Verification.Flagged)
	assert.True(t, approved.Verification.Verified)
}

func TestApproveRejectsNonPending(t *testing.T) {
	h := newHarness()

	tx := heldWithdrawal()
	require.NoError(t, tx.Transition(models.StatusCancelled, "user cancelled", "user"))
	h.txRepo.On("GetByTransactionID", mock.Anything, tx.TransactionID).Return(tx, nil)

	_, err := h.service.ApproveTransaction(context.Background(), tx.TransactionID, "admin-9")

	assert.ErrorIs(t, err, models.ErrNotPending)
}

func TestRejectTransaction(t *testing.T) {
	h := newHarness()
	h.grantLocks()
	h.quietEvents()

	tx := heldWithdrawal()
	h.txRepo.On("GetByTransactionID", mock.Anything, tx.TransactionID).Return(tx, nil)
	h.userRepo.On("ReleaseReserved", mock.Anything, "user-1", decimal.NewFromInt(1000)).Return(nil)
	h.txRepo.On("Update", mock.Anything, mock.Anything).Return(nil)

	rejected, err := h.service.RejectTransaction(context.Background(), tx.TransactionID, "admin-9", "documents mismatch")

	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, rejected.Status)
	h.userRepo.AssertCalled(t, "ReleaseReserved", mock.Anything, "user-1", decimal.NewFromInt(1000))
}

func TestRejectFailedWithdrawalSkipsRelease(t *testing.T) {
	h := newHarness()
	h.grantLocks()
	h.quietEvents()

	// the failure handler already returned this reservation
	tx := processingWithdrawal()
	require.NoError(t, tx.Transition(models.StatusFailed, "declined", "engine"))

	h.txRepo.On("GetByTransactionID", mock.Anything, tx.TransactionID).Return(tx, nil)
	h.txRepo.On("Update", mock.Anything, mock.Anything).Return(nil)

	rejected, err := h.service.RejectTransaction(context.Background(), tx.TransactionID, "admin-9", "retries exhausted")

	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, rejected.Status)
	h.userRepo.AssertNotCalled(t, "ReleaseReserved")
}

func TestBatchApprove(t *testing.T) {
	h := newHarness()
	h.grantLocks()
	h.quietEvents()

	good := heldWithdrawal()
	h.txRepo.On("GetByTransactionID", mock.Anything, good.TransactionID).Return(good, nil)
	h.txRepo.On("GetByTransactionID", mock.Anything, "TXN-MISSING").Return(nil, models.ErrTransactionNotFound)
	h.txRepo.On("Update", mock.Anything, mock.Anything).Return(nil)
	h.rail.On("SubmitPayout", mock.Anything, mock.Anything).Return(&gateway.PayoutResponse{
		GatewayTransactionID: "bw-300",
		Status:               "submitted",
	}, nil)

	results := h.service.BatchApprove(context.Background(), []string{good.TransactionID, "TXN-MISSING"}, "admin-9")

	require.Len(t, results, 2)
	assert.True(t, results[0].Approved)
	assert.False(t, results[1].Approved)
	assert.NotEmpty(t, results[1].Error)
}

// --- balance and reward tests ---

func TestGetBalance(t *testing.T) {
	h := newHarness()

	h.userRepo.On("GetByUserID", mock.Anything, "user-1").Return(richUser(), nil)
	h.txRepo.On("AggregateBalance", mock.Anything, "user-1").Return(&repository.BalanceAggregate{
		Credits: decimal.NewFromInt(5000),
		Debits:  decimal.NewFromInt(1000),
		Pending: decimal.NewFromInt(500),
	}, nil)

	balance, err := h.service.GetBalance(context.Background(), "user-1")

	require.NoError(t, err)
	assert.True(t, balance.Total.Equal(decimal.NewFromInt(4000)))
	assert.True(t, balance.Available.Equal(decimal.NewFromInt(3500)))
	assert.True(t, balance.Pending.Equal(decimal.NewFromInt(500)))
}

func TestGetTransactionScopedToOwner(t *testing.T) {
	h := newHarness()

	tx := models.NewTransaction("user-2", models.TypeWithdrawal, decimal.NewFromInt(10), models.CurrencyCoin)
	h.txRepo.On("GetByTransactionID", mock.Anything, tx.TransactionID).Return(tx, nil)

	_, err := h.service.GetTransaction(context.Background(), "user-1", tx.TransactionID)

	assert.ErrorIs(t, err, models.ErrTransactionNotFound)
}

func TestClaimRewardPublishesEvent(t *testing.T) {
	h := newHarness()
	h.grantLocks()
	h.quietEvents()

	session := &models.GameSession{
		SessionID: "sess-1",
		UserID:    "user-1",
		Status:    models.SessionCompleted,
		Score:     10000,
	}
	h.sessionRepo.On("GetBySessionID", mock.Anything, "sess-1").Return(session, nil)
	h.sessionRepo.On("ClaimSession", mock.Anything, "sess-1", "user-1").Return(nil)
	h.txRepo.On("Create", mock.Anything, mock.Anything).Return(nil)
	h.userRepo.On("CreditCoins", mock.Anything, "user-1", decimal.NewFromInt(10)).Return(nil)

	result, err := h.service.ClaimReward(context.Background(), "user-1", "sess-1")

	require.NoError(t, err)
	assert.True(t, result.Coins.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, int64(100), result.Experience)
	h.events.AssertCalled(t, "Publish", mock.Anything, EventRewardClaimed, mock.Anything)
}

func TestTransactionEventCarriesUniqueID(t *testing.T) {
	tx := models.NewTransaction("user-1", models.TypeWithdrawal, decimal.NewFromInt(10), models.CurrencyCoin)

	first := NewTransactionEvent(tx)
	second := NewTransactionEvent(tx)

	_, err := uuid.Parse(first.EventID)
	require.NoError(t, err)
	assert.NotEqual(t, first.EventID, second.EventID)
	assert.NotEqual(t, tx.TransactionID, first.EventID)
	assert.Equal(t, tx.TransactionID, first.TransactionID)
}

// --- sweep tests ---

func TestExpireStalePending(t *testing.T) {
	h := newHarness()
	h.quietEvents()

	stale := models.NewTransaction("user-1", models.TypeWithdrawal, decimal.NewFromInt(100), models.CurrencyCoin)
	h.txRepo.On("GetPendingOlderThan", mock.Anything, mock.Anything, 100).
		Return([]*models.Transaction{stale}, nil)
	h.userRepo.On("ReleaseReserved", mock.Anything, "user-1", decimal.NewFromInt(100)).Return(nil)
	h.txRepo.On("Update", mock.Anything, mock.Anything).Return(nil)

	expired, err := h.service.ExpireStalePending(context.Background(), 24*time.Hour, 100)

	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	assert.Equal(t, models.StatusExpired, stale.Status)
}

func TestProcessDueRetries(t *testing.T) {
	h := newHarness()
	h.grantLocks()
	h.quietEvents()

	failed := processingWithdrawal()
	require.NoError(t, failed.Transition(models.StatusFailed, "declined", "engine"))
	failed.ScheduleRetry()

	h.txRepo.On("GetRetryDue", mock.Anything, mock.Anything, 100).
		Return([]*models.Transaction{failed}, nil)
	h.txRepo.On("Update", mock.Anything, mock.Anything).Return(nil)
	h.userRepo.On("ReserveFunds", mock.Anything, "user-1", decimal.NewFromInt(1000)).Return(nil)
	h.rail.On("SubmitPayout", mock.Anything, mock.Anything).Return(&gateway.PayoutResponse{
		GatewayTransactionID: "bw-400",
		Status:               "submitted",
	}, nil)

	processed, err := h.service.ProcessDueRetries(context.Background(), 100)

	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, models.StatusProcessing, failed.Status)
	h.userRepo.AssertCalled(t, "ReserveFunds", mock.Anything, "user-1", decimal.NewFromInt(1000))
}

func TestProcessDueRetriesDefersWhenFundsSpent(t *testing.T) {
	h := newHarness()
	h.grantLocks()
	h.quietEvents()

	failed := processingWithdrawal()
	require.NoError(t, failed.Transition(models.StatusFailed, "declined", "engine"))
	failed.ScheduleRetry()

	h.txRepo.On("GetRetryDue", mock.Anything, mock.Anything, 100).
		Return([]*models.Transaction{failed}, nil)
	h.txRepo.On("Update", mock.Anything, mock.Anything).Return(nil)
	h.userRepo.On("ReserveFunds", mock.Anything, "user-1", decimal.NewFromInt(1000)).
		Return(models.ErrInsufficientBalance)

	processed, err := h.service.ProcessDueRetries(context.Background(), 100)

	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, 2, failed.Payment.RetryCount, "deferred attempt still consumes a retry")
	h.rail.AssertNotCalled(t, "SubmitPayout")
}
