package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrow-service/internal/model"
	"escrow-service/internal/money"
	"escrow-service/internal/repository"
	"escrow-service/internal/service/settlement"
)

type EscrowHandler struct {
	engine      *settlement.Engine
	projectRepo *repository.ProjectRepository
	ledgerRepo  *repository.LedgerRepository
	logger      *zap.Logger
}

func NewEscrowHandler(engine *settlement.Engine, projectRepo *repository.ProjectRepository, ledgerRepo *repository.LedgerRepository, logger *zap.Logger) *EscrowHandler {
	return &EscrowHandler{
		engine:      engine,
		projectRepo: projectRepo,
		ledgerRepo:  ledgerRepo,
		logger:      logger,
	}
}

type milestoneSpecRequest struct {
	Title  string `json:"title" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

type fundProjectRequest struct {
	ClientID     string                 `json:"client_id" binding:"required"`
	ConsultantID string                 `json:"consultant_id" binding:"required"`
	TotalBudget  string                 `json:"total_budget" binding:"required"`
	Currency     string                 `json:"currency" binding:"required"`
	Milestones   []milestoneSpecRequest `json:"milestones" binding:"required"`
}

// FundProject registers the project if unseen and captures the full budget
// into escrow. Replays with the same breakdown return the original receipt.
func (h *EscrowHandler) FundProject(c *gin.Context) {
	projectID := c.Param("id")
	h.logger.Info("FundProject request received",
		zap.String("project_id", projectID),
		zap.String("client_ip", c.ClientIP()),
	)

	var req fundProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("FundProject: invalid request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Milestones) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one milestone required"})
		return
	}

	budget, err := money.FromString(req.TotalBudget, req.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid total_budget"})
		return
	}

	breakdown := make([]settlement.MilestoneSpec, 0, len(req.Milestones))
	for _, m := range req.Milestones {
		amount, err := money.FromString(m.Amount, req.Currency)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone amount"})
			return
		}
		breakdown = append(breakdown, settlement.MilestoneSpec{Title: m.Title, Amount: amount})
	}

	now := time.Now().UTC()
	project := &model.Project{
		ID:           projectID,
		ClientID:     req.ClientID,
		ConsultantID: req.ConsultantID,
		TotalBudget:  budget,
		Status:       model.ProjectNotStarted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.projectRepo.Insert(c.Request.Context(), project); err != nil {
		h.logger.Error("FundProject: failed to register project",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register project"})
		return
	}

	receipt, err := h.engine.FundProject(c.Request.Context(), projectID, breakdown)
	if err != nil {
		h.logger.Warn("FundProject: funding rejected",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		c.JSON(settlementStatus(err), gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("FundProject: success",
		zap.String("project_id", projectID),
		zap.String("total", receipt.Total.String()),
		zap.Int("milestone_count", len(breakdown)),
	)
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

type releaseRequest struct {
	Amount         string `json:"amount" binding:"required"`
	Currency       string `json:"currency" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

func (h *EscrowHandler) ReleaseMilestone(c *gin.Context) {
	projectID := c.Param("id")
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone index"})
		return
	}

	h.logger.Info("ReleaseMilestone request received",
		zap.String("project_id", projectID),
		zap.Int("milestone_index", index),
		zap.String("client_ip", c.ClientIP()),
	)

	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("ReleaseMilestone: invalid request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	amount, err := money.FromString(req.Amount, req.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}

	receipt, err := h.engine.ReleaseMilestone(c.Request.Context(), projectID, index, amount, req.IdempotencyKey)
	if err != nil {
		h.logger.Warn("ReleaseMilestone: rejected",
			zap.String("project_id", projectID),
			zap.Int("milestone_index", index),
			zap.Error(err),
		)
		c.JSON(settlementStatus(err), gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("ReleaseMilestone: success",
		zap.String("project_id", projectID),
		zap.Int("milestone_index", index),
		zap.String("transaction_id", receipt.TransactionID),
	)
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

func (h *EscrowHandler) GetProject(c *gin.Context) {
	projectID := c.Param("id")

	p, err := h.projectRepo.ByID(c.Request.Context(), projectID)
	if err != nil {
		h.logger.Error("GetProject: failed",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch project"})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"project": p})
}

func (h *EscrowHandler) GetBalance(c *gin.Context) {
	projectID := c.Param("id")

	balance, err := h.engine.Balance(c.Request.Context(), projectID)
	if err != nil {
		if errors.Is(err, settlement.ErrProjectNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}
		h.logger.Error("GetBalance: failed",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch balance"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance})
}

func (h *EscrowHandler) GetLedger(c *gin.Context) {
	projectID := c.Param("id")

	txs, err := h.ledgerRepo.TransactionsByProject(c.Request.Context(), projectID)
	if err != nil {
		h.logger.Error("GetLedger: failed",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch ledger"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// settlementStatus maps engine errors onto HTTP codes. Conflicts (replay with
// different payload, double release) are 409; precondition failures are 422.
func settlementStatus(err error) int {
	switch {
	case errors.Is(err, settlement.ErrProjectNotFound),
		errors.Is(err, settlement.ErrMilestoneNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrAlreadyFunded),
		errors.Is(err, settlement.ErrAlreadyReleased),
		errors.Is(err, settlement.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, settlement.ErrInvalidAmount),
		errors.Is(err, settlement.ErrBudgetMismatch):
		return http.StatusBadRequest
	case errors.Is(err, settlement.ErrNotApproved),
		errors.Is(err, settlement.ErrAmountMismatch),
		errors.Is(err, settlement.ErrInsufficientHeldFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, settlement.ErrSettlementFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
