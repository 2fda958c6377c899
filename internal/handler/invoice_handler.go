package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrow-service/internal/repository"
)

type InvoiceHandler struct {
	repo   *repository.InvoiceRepository
	logger *zap.Logger
}

func NewInvoiceHandler(repo *repository.InvoiceRepository, logger *zap.Logger) *InvoiceHandler {
	return &InvoiceHandler{repo: repo, logger: logger}
}

func (h *InvoiceHandler) ListByProject(c *gin.Context) {
	projectID := c.Param("id")

	invoices, err := h.repo.ListByProject(c.Request.Context(), projectID)
	if err != nil {
		h.logger.Error("ListInvoices: failed",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch invoices"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"invoices": invoices,
		"count":    len(invoices),
	})
}
