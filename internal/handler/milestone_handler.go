package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrow-service/internal/repository"
	"escrow-service/internal/service/milestone"
)

type MilestoneHandler struct {
	tracker *milestone.Tracker
	repo    *repository.MilestoneRepository
	logger  *zap.Logger
}

func NewMilestoneHandler(tracker *milestone.Tracker, repo *repository.MilestoneRepository, logger *zap.Logger) *MilestoneHandler {
	return &MilestoneHandler{tracker: tracker, repo: repo, logger: logger}
}

func (h *MilestoneHandler) List(c *gin.Context) {
	projectID := c.Param("id")

	milestones, err := h.repo.ListByProject(c.Request.Context(), projectID)
	if err != nil {
		h.logger.Error("ListMilestones: failed",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch milestones"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"milestones": milestones,
		"count":      len(milestones),
	})
}

// Reopen sends a completed milestone back to in_progress. Paid milestones are
// settled and cannot be reopened.
func (h *MilestoneHandler) Reopen(c *gin.Context) {
	projectID := c.Param("id")
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone index"})
		return
	}

	h.logger.Info("ReopenMilestone request received",
		zap.String("project_id", projectID),
		zap.Int("milestone_index", index),
		zap.String("client_ip", c.ClientIP()),
	)

	if err := h.tracker.Reopen(c.Request.Context(), projectID, index); err != nil {
		h.logger.Warn("ReopenMilestone: rejected",
			zap.String("project_id", projectID),
			zap.Int("milestone_index", index),
			zap.Error(err),
		)
		c.JSON(milestoneStatus(err), gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("ReopenMilestone: success",
		zap.String("project_id", projectID),
		zap.Int("milestone_index", index),
	)
	c.JSON(http.StatusOK, gin.H{"status": "reopened"})
}

type progressRequest struct {
	Percent *int `json:"percent" binding:"required"`
}

func (h *MilestoneHandler) SetProgress(c *gin.Context) {
	projectID := c.Param("id")
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid milestone index"})
		return
	}

	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "percent required"})
		return
	}

	if err := h.tracker.SetProgress(c.Request.Context(), projectID, index, *req.Percent); err != nil {
		h.logger.Warn("SetProgress: rejected",
			zap.String("project_id", projectID),
			zap.Int("milestone_index", index),
			zap.Error(err),
		)
		c.JSON(milestoneStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func milestoneStatus(err error) int {
	switch {
	case errors.Is(err, milestone.ErrInvalidProgress):
		return http.StatusBadRequest
	case errors.Is(err, milestone.ErrMilestonePaid),
		errors.Is(err, milestone.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
