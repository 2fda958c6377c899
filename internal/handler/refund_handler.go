package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrow-service/internal/model"
	"escrow-service/internal/money"
	"escrow-service/internal/service/refundadj"
	"escrow-service/internal/service/settlement"
)

type RefundHandler struct {
	adjudicator *refundadj.Adjudicator
	logger      *zap.Logger
}

func NewRefundHandler(adjudicator *refundadj.Adjudicator, logger *zap.Logger) *RefundHandler {
	return &RefundHandler{adjudicator: adjudicator, logger: logger}
}

type submitRefundRequest struct {
	ProjectID      string `json:"project_id" binding:"required"`
	MilestoneIndex *int   `json:"milestone_index"`
	Amount         string `json:"amount" binding:"required"`
	Currency       string `json:"currency" binding:"required"`
	Reason         string `json:"reason" binding:"required"`
}

func (h *RefundHandler) Submit(c *gin.Context) {
	userID := c.GetString("user_id")
	h.logger.Info("SubmitRefundRequest received",
		zap.String("user_id", userID),
		zap.String("client_ip", c.ClientIP()),
	)

	var req submitRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("SubmitRefundRequest: invalid request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	amount, err := money.FromString(req.Amount, req.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	r, err := h.adjudicator.Submit(c.Request.Context(), userID, req.ProjectID, req.MilestoneIndex, amount, req.Reason)
	if err != nil {
		h.logger.Warn("SubmitRefundRequest: rejected",
			zap.String("project_id", req.ProjectID),
			zap.Error(err),
		)
		c.JSON(refundStatus(err), gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("SubmitRefundRequest: success",
		zap.String("request_id", r.ID),
		zap.String("project_id", r.ProjectID),
	)
	c.JSON(http.StatusCreated, gin.H{"request": r})
}

func (h *RefundHandler) List(c *gin.Context) {
	statusRaw := c.DefaultQuery("status", "pending")
	status, err := model.ParseRefundRequestStatus(statusRaw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	requests, err := h.adjudicator.List(c.Request.Context(), status, limit)
	if err != nil {
		h.logger.Error("ListRefundRequests: failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list refund requests"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requests": requests,
		"count":    len(requests),
	})
}

type decisionRequest struct {
	Notes string `json:"notes"`
}

// Approve runs the refund through the settlement engine before recording the
// decision. An engine rejection leaves the request pending and surfaces the
// settlement error.
func (h *RefundHandler) Approve(c *gin.Context) {
	requestID := c.Param("id")
	h.logger.Info("ApproveRefundRequest received",
		zap.String("request_id", requestID),
		zap.String("client_ip", c.ClientIP()),
	)

	var req decisionRequest
	_ = c.ShouldBindJSON(&req)

	receipt, err := h.adjudicator.Approve(c.Request.Context(), requestID, req.Notes)
	if err != nil && receipt == nil {
		h.logger.Warn("ApproveRefundRequest: rejected",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		c.JSON(refundStatus(err), gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		// Refund settled but the decision record failed; the receipt is the
		// source of truth, so report success with a warning.
		h.logger.Error("ApproveRefundRequest: refund settled but decision update failed",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}

	h.logger.Info("ApproveRefundRequest: success",
		zap.String("request_id", requestID),
		zap.String("transaction_id", receipt.TransactionID),
	)
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

func (h *RefundHandler) Reject(c *gin.Context) {
	requestID := c.Param("id")
	h.logger.Info("RejectRefundRequest received",
		zap.String("request_id", requestID),
		zap.String("client_ip", c.ClientIP()),
	)

	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "notes required"})
		return
	}

	if err := h.adjudicator.Reject(c.Request.Context(), requestID, req.Notes); err != nil {
		h.logger.Warn("RejectRefundRequest: rejected",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		c.JSON(refundStatus(err), gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("RejectRefundRequest: success", zap.String("request_id", requestID))
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

func refundStatus(err error) int {
	switch {
	case errors.Is(err, refundadj.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, refundadj.ErrAlreadyDecided):
		return http.StatusConflict
	case errors.Is(err, refundadj.ErrEmptyAdminNotes),
		errors.Is(err, refundadj.ErrEmptyReason),
		errors.Is(err, refundadj.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrInsufficientHeldFunds):
		return http.StatusUnprocessableEntity
	default:
		return settlementStatus(err)
	}
}
