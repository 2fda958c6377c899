package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrow-service/internal/repository"
	"escrow-service/internal/service/review"
)

type DeliverableHandler struct {
	workflow *review.Workflow
	repo     *repository.DeliverableRepository
	logger   *zap.Logger
}

func NewDeliverableHandler(workflow *review.Workflow, repo *repository.DeliverableRepository, logger *zap.Logger) *DeliverableHandler {
	return &DeliverableHandler{workflow: workflow, repo: repo, logger: logger}
}

// ListForMilestone returns the full submission history, newest first.
func (h *DeliverableHandler) ListForMilestone(c *gin.Context) {
	projectID := c.Param("id")
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone index"})
		return
	}

	deliverables, err := h.repo.ListForMilestone(c.Request.Context(), projectID, index)
	if err != nil {
		h.logger.Error("ListDeliverables: failed",
			zap.String("project_id", projectID),
			zap.Int("milestone_index", index),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch deliverables"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deliverables": deliverables,
		"count":        len(deliverables),
	})
}

type submitDeliverableRequest struct {
	Payload string `json:"payload" binding:"required"`
}

func (h *DeliverableHandler) Submit(c *gin.Context) {
	projectID := c.Param("id")
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone index"})
		return
	}

	h.logger.Info("SubmitDeliverable request received",
		zap.String("project_id", projectID),
		zap.Int("milestone_index", index),
		zap.String("client_ip", c.ClientIP()),
	)

	var req submitDeliverableRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("SubmitDeliverable: invalid request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	d, err := h.workflow.Submit(c.Request.Context(), projectID, index, req.Payload)
	if err != nil {
		h.logger.Warn("SubmitDeliverable: rejected",
			zap.String("project_id", projectID),
			zap.Int("milestone_index", index),
			zap.Error(err),
		)
		c.JSON(reviewStatus(err), gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("SubmitDeliverable: success",
		zap.String("deliverable_id", d.ID),
		zap.String("project_id", projectID),
	)
	c.JSON(http.StatusCreated, gin.H{"deliverable": d})
}

func (h *DeliverableHandler) Approve(c *gin.Context) {
	deliverableID := c.Param("id")
	h.logger.Info("ApproveDeliverable request received",
		zap.String("deliverable_id", deliverableID),
		zap.String("client_ip", c.ClientIP()),
	)

	if err := h.workflow.Approve(c.Request.Context(), deliverableID); err != nil {
		h.logger.Warn("ApproveDeliverable: rejected",
			zap.String("deliverable_id", deliverableID),
			zap.Error(err),
		)
		c.JSON(reviewStatus(err), gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("ApproveDeliverable: success", zap.String("deliverable_id", deliverableID))
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

type revisionRequest struct {
	Notes string `json:"notes" binding:"required"`
}

func (h *DeliverableHandler) RequestRevision(c *gin.Context) {
	deliverableID := c.Param("id")
	h.logger.Info("RequestRevision request received",
		zap.String("deliverable_id", deliverableID),
		zap.String("client_ip", c.ClientIP()),
	)

	var req revisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "notes required"})
		return
	}

	if err := h.workflow.RequestRevision(c.Request.Context(), deliverableID, req.Notes); err != nil {
		h.logger.Warn("RequestRevision: rejected",
			zap.String("deliverable_id", deliverableID),
			zap.Error(err),
		)
		c.JSON(reviewStatus(err), gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("RequestRevision: success", zap.String("deliverable_id", deliverableID))
	c.JSON(http.StatusOK, gin.H{"status": "revision_requested"})
}

func reviewStatus(err error) int {
	switch {
	case errors.Is(err, review.ErrDeliverableNotFound):
		return http.StatusNotFound
	case errors.Is(err, review.ErrAlreadyReviewed),
		errors.Is(err, review.ErrReviewPending):
		return http.StatusConflict
	case errors.Is(err, review.ErrEmptyReviewNotes):
		return http.StatusBadRequest
	case errors.Is(err, review.ErrMilestoneClosed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
