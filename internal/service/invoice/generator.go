package invoice

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"escrow-service/internal/model"
	"escrow-service/internal/mq"
	"escrow-service/pkg/logger"
	"escrow-service/pkg/metrics"
)

type Repository interface {
	Insert(ctx context.Context, inv *model.Invoice) error
	ExistsForTransaction(ctx context.Context, transactionID string) (bool, error)
	ListByProject(ctx context.Context, projectID string) ([]model.Invoice, error)
}

// Generator derives invoices from release transactions. It is a pure
// downstream consumer: the release has already happened, so generation is
// at-least-once and idempotent on the transaction id. It is never rolled
// back into settlement.
type Generator struct {
	repo   Repository
	logger *zap.Logger
}

func NewGenerator(repo Repository, log *zap.Logger) *Generator {
	return &Generator{repo: repo, logger: log}
}

// HandlePaymentReleased consumes one payment.released event.
func (g *Generator) HandlePaymentReleased(ctx context.Context, raw json.RawMessage) error {
	var p mq.PaymentReleasedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}

	exists, err := g.repo.ExistsForTransaction(ctx, p.TransactionID)
	if err != nil {
		return err
	}
	if exists {
		metrics.IncrementInvoiceGenerated("duplicate")
		return nil
	}

	now := time.Now().UTC()
	inv := &model.Invoice{
		ID:             uuid.NewString(),
		TransactionID:  p.TransactionID,
		ProjectID:      p.ProjectID,
		MilestoneIndex: p.MilestoneIndex,
		Amount:         p.Amount,
		IssueDate:      p.ReleasedAt,
		DueDate:        p.ReleasedAt, // release implies payment, due immediately
		Status:         "paid",
		CreatedAt:      now,
	}

	if err := g.repo.Insert(ctx, inv); err != nil {
		// The unique transaction_id column is the hard idempotency backstop
		// when two deliveries race past the exists check.
		if strings.Contains(err.Error(), "duplicate key") {
			metrics.IncrementInvoiceGenerated("duplicate")
			return nil
		}
		metrics.IncrementInvoiceGenerated("failed")
		return err
	}

	metrics.IncrementInvoiceGenerated("success")
	logger.WithTrace(ctx, g.logger).Info("invoice generated",
		zap.String("invoice_id", inv.ID),
		zap.String("transaction_id", p.TransactionID),
		zap.String("project_id", p.ProjectID),
		zap.Int("milestone_index", p.MilestoneIndex),
	)
	return nil
}
