package controller

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"piano-wallet-api/internal/models"
	"piano-wallet-api/internal/repository"
	"piano-wallet-api/internal/service"
)

// RegisterValidations adds the wallet's custom binding tags to gin's
// validator.
func RegisterValidations() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
			return models.IsSupportedCurrency(fl.Field().String())
		})
	}
}

type WalletController struct {
	walletService *service.WalletService
}

func NewWalletController(walletService *service.WalletService) *WalletController {
	return &WalletController{
		walletService: walletService,
	}
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type WithdrawRequest struct {
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	Currency       string          `json:"currency" binding:"required,currency"`
	Gateway        string          `json:"gateway" binding:"required"`
	Destination    string          `json:"destination" binding:"required"`
	Country        string          `json:"country,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type DepositRequest struct {
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	Currency       string          `json:"currency" binding:"required,currency"`
	Gateway        string          `json:"gateway" binding:"required"`
	PaymentMethod  string          `json:"payment_method,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// @Summary Request a withdrawal
// @Description Reserve coins and submit a payout through a payment gateway
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body WithdrawRequest true "Withdrawal request"
// @Success 201 {object} models.Transaction
// @Failure 400 {object} ErrorResponse
// @Failure 402 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/wallet/withdrawals [post]
func (c *WalletController) Withdraw(ctx *gin.Context) {
	userID := ctx.GetString("user_id")

	var req WithdrawRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		respondBadRequest(ctx, err)
		return
	}

	tx, err := c.walletService.RequestWithdrawal(ctx.Request.Context(), &service.WithdrawalRequest{
		UserID:         userID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Gateway:        req.Gateway,
		Destination:    req.Destination,
		Country:        req.Country,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, tx)
}

// @Summary Request a deposit
// @Description Submit a charge through a payment gateway; coins are credited on settlement
// @Tags wallet
// @Accept json
// @Produce json
// @Param request body DepositRequest true "Deposit request"
// @Success 201 {object} service.DepositResult
// @Failure 400 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/wallet/deposits [post]
func (c *WalletController) Deposit(ctx *gin.Context) {
	userID := ctx.GetString("user_id")

	var req DepositRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		respondBadRequest(ctx, err)
		return
	}

	result, err := c.walletService.RequestDeposit(ctx.Request.Context(), &service.DepositRequest{
		UserID:         userID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Gateway:        req.Gateway,
		PaymentMethod:  req.PaymentMethod,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusCreated, result)
}

// @Summary Get balance
// @Description Get the caller's coin balance derived from the ledger
// @Tags wallet
// @Produce json
// @Success 200 {object} models.Balance
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/wallet/balance [get]
func (c *WalletController) GetBalance(ctx *gin.Context) {
	userID := ctx.GetString("user_id")

	balance, err := c.walletService.GetBalance(ctx.Request.Context(), userID)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, balance)
}

// @Summary Get transaction history
// @Description List the caller's transactions, newest first, with optional filters
// @Tags wallet
// @Produce json
// @Param type query string false "Comma-separated transaction types"
// @Param status query string false "Comma-separated statuses"
// @Param from query string false "RFC3339 lower bound on created_at"
// @Param to query string false "RFC3339 upper bound on created_at"
// @Param limit query int false "Page size (default 50)"
// @Param offset query int false "Page offset"
// @Success 200 {object} service.HistoryPage
// @Failure 400 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/wallet/transactions [get]
func (c *WalletController) GetHistory(ctx *gin.Context) {
	userID := ctx.GetString("user_id")

	filter, err := parseHistoryFilter(ctx)
	if err != nil {
		respondBadRequest(ctx, err)
		return
	}

	page, err := c.walletService.History(ctx.Request.Context(), userID, filter)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, page)
}

// @Summary Get a transaction
// @Description Get one of the caller's transactions by its ID
// @Tags wallet
// @Produce json
// @Param transactionId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/wallet/transactions/{transactionId} [get]
func (c *WalletController) GetTransaction(ctx *gin.Context) {
	userID := ctx.GetString("user_id")
	transactionID := ctx.Param("transactionId")

	tx, err := c.walletService.GetTransaction(ctx.Request.Context(), userID, transactionID)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, tx)
}

// @Summary Claim a session reward
// @Description Convert a completed game session into a coin credit, exactly once
// @Tags wallet
// @Produce json
// @Param sessionId path string true "Session ID"
// @Success 200 {object} reward.Result
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/wallet/sessions/{sessionId}/claim [post]
func (c *WalletController) ClaimReward(ctx *gin.Context) {
	userID := ctx.GetString("user_id")
	sessionID := ctx.Param("sessionId")

	result, err := c.walletService.ClaimReward(ctx.Request.Context(), userID, sessionID)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, result)
}

// @Summary Gateway webhook
// @Description Receive a settlement notification from a payment gateway
// @Tags webhooks
// @Accept json
// @Produce json
// @Param gateway path string true "Gateway name"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Router /api/webhooks/{gateway} [post]
func (c *WalletController) HandleWebhook(ctx *gin.Context) {
	gatewayName := ctx.Param("gateway")

	if err := c.walletService.HandleWebhook(ctx.Request.Context(), gatewayName, ctx.Request); err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func parseHistoryFilter(ctx *gin.Context) (repository.HistoryFilter, error) {
	filter := repository.HistoryFilter{}

	if raw := ctx.Query("type"); raw != "" {
		filter.Types = strings.Split(raw, ",")
	}
	if raw := ctx.Query("status"); raw != "" {
		filter.Statuses = strings.Split(raw, ",")
	}
	if raw := ctx.Query("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, err
		}
		filter.From = &from
	}
	if raw := ctx.Query("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, err
		}
		filter.To = &to
	}
	if raw := ctx.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return filter, err
		}
		filter.Limit = limit
	}
	if raw := ctx.Query("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return filter, err
		}
		filter.Offset = offset
	}

	return filter, nil
}

func respondBadRequest(ctx *gin.Context, err error) {
	ctx.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     "Invalid request",
		Code:      "INVALID_REQUEST",
		Message:   err.Error(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// respondError maps service errors onto HTTP statuses by their reason code.
func respondError(ctx *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, models.ErrInvalidAmount),
		errors.Is(err, models.ErrUnsupportedCurrency),
		errors.Is(err, models.ErrUnknownGateway):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, models.ErrUserNotFound),
		errors.Is(err, models.ErrTransactionNotFound),
		errors.Is(err, models.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyClaimed),
		errors.Is(err, models.ErrSessionNotCompleted),
		errors.Is(err, models.ErrNotPending),
		errors.Is(err, models.ErrIllegalTransition):
		status = http.StatusConflict
	}

	var kycErr *models.KYCError
	if errors.As(err, &kycErr) {
		status = http.StatusForbidden
	}

	ctx.JSON(status, ErrorResponse{
		Error:     http.StatusText(status),
		Code:      models.ReasonCode(err),
		Message:   err.Error(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
