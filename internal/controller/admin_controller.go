package controller

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"piano-wallet-api/internal/service"
)

type AdminController struct {
	walletService *service.WalletService
}

func NewAdminController(walletService *service.WalletService) *AdminController {
	return &AdminController{
		walletService: walletService,
	}
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type BatchApproveRequest struct {
	TransactionIDs []string `json:"transaction_ids" binding:"required,min=1"`
}

// @Summary List the review queue
// @Description List flagged transactions waiting for an admin decision
// @Tags admin
// @Produce json
// @Param limit query int false "Page size (default 50)"
// @Param offset query int false "Page offset"
// @Success 200 {array} models.Transaction
// @Failure 500 {object} ErrorResponse
// @Security AdminAuth
// @Router /api/admin/review [get]
func (c *AdminController) ListReviewQueue(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(ctx.DefaultQuery("offset", "0"))

	queue, err := c.walletService.ListReviewQueue(ctx.Request.Context(), limit, offset)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, queue)
}

// @Summary Approve a held transaction
// @Description Clear the risk hold and submit the withdrawal to its gateway
// @Tags admin
// @Produce json
// @Param transactionId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Security AdminAuth
// @Router /api/admin/transactions/{transactionId}/approve [post]
func (c *AdminController) ApproveTransaction(ctx *gin.Context) {
	transactionID := ctx.Param("transactionId")
	adminID := ctx.GetString("admin_id")

	tx, err := c.walletService.ApproveTransaction(ctx.Request.Context(), transactionID, adminID)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, tx)
}

// @Summary Reject a held transaction
// @Description Cancel the transaction and return the reserved funds
// @Tags admin
// @Accept json
// @Produce json
// @Param transactionId path string true "Transaction ID"
// @Param request body RejectRequest false "Rejection reason"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Security AdminAuth
// @Router /api/admin/transactions/{transactionId}/reject [post]
func (c *AdminController) RejectTransaction(ctx *gin.Context) {
	transactionID := ctx.Param("transactionId")
	adminID := ctx.GetString("admin_id")

	var req RejectRequest
	if err := ctx.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		respondBadRequest(ctx, err)
		return
	}

	tx, err := c.walletService.RejectTransaction(ctx.Request.Context(), transactionID, adminID, req.Reason)
	if err != nil {
		respondError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, tx)
}

// @Summary Approve transactions in batch
// @Description Approve a list of held transactions; each outcome is independent
// @Tags admin
// @Accept json
// @Produce json
// @Param request body BatchApproveRequest true "Transaction IDs"
// @Success 200 {array} service.BatchResult
// @Failure 400 {object} ErrorResponse
// @Security AdminAuth
// @Router /api/admin/transactions/batch-approve [post]
func (c *AdminController) BatchApprove(ctx *gin.Context) {
	adminID := ctx.GetString("admin_id")

	var req BatchApproveRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		respondBadRequest(ctx, err)
		return
	}

	results := c.walletService.BatchApprove(ctx.Request.Context(), req.TransactionIDs, adminID)
	ctx.JSON(http.StatusOK, results)
}
