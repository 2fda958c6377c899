package refundadj

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"escrow-service/internal/model"
	"escrow-service/internal/money"
	"escrow-service/internal/service/settlement"
	"escrow-service/pkg/logger"
	"escrow-service/pkg/metrics"
)

var (
	ErrRequestNotFound = errors.New("refund request not found")
	ErrAlreadyDecided  = errors.New("refund request already decided")
	ErrEmptyAdminNotes = errors.New("decision requires non-empty notes")
	ErrEmptyReason     = errors.New("refund request requires a reason")
	ErrInvalidAmount   = errors.New("refund request amount must be positive")
)

type RequestRepository interface {
	Insert(ctx context.Context, r *model.RefundRequest) error
	ByID(ctx context.Context, id string) (*model.RefundRequest, error)
	ListByStatus(ctx context.Context, status model.RefundRequestStatus, limit int) ([]model.RefundRequest, error)
	UpdateDecision(ctx context.Context, id string, status model.RefundRequestStatus, notes string, processedAt time.Time) error
}

// SettlementEngine is the slice of the engine the adjudicator needs.
type SettlementEngine interface {
	Refund(ctx context.Context, projectID string, amount money.Money, scope settlement.RefundScope, idempotencyKey string) (*settlement.RefundReceipt, error)
}

// Adjudicator is the admin decision surface over user refund requests. Only
// an engine-accepted refund flips a request to approved; an engine rejection
// (funds already released, insufficient held) leaves the request pending and
// surfaces the reason for a different remediation.
type Adjudicator struct {
	requests RequestRepository
	engine   SettlementEngine
	logger   *zap.Logger
}

func NewAdjudicator(requests RequestRepository, engine SettlementEngine, log *zap.Logger) *Adjudicator {
	return &Adjudicator{
		requests: requests,
		engine:   engine,
		logger:   log,
	}
}

// Submit files a user claim against a project's held funds.
func (a *Adjudicator) Submit(ctx context.Context, userID, projectID string, milestoneIndex *int, amount money.Money, reason string) (*model.RefundRequest, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if strings.TrimSpace(reason) == "" {
		return nil, ErrEmptyReason
	}

	r := &model.RefundRequest{
		ID:             uuid.NewString(),
		UserID:         userID,
		ProjectID:      projectID,
		MilestoneIndex: milestoneIndex,
		Amount:         amount,
		Reason:         reason,
		Status:         model.RefundRequestPending,
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.requests.Insert(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Approve executes the refund through the settlement engine and records the
// decision. The idempotency key derives from the request id, so a duplicated
// admin click cannot double-refund.
func (a *Adjudicator) Approve(ctx context.Context, requestID, notes string) (*settlement.RefundReceipt, error) {
	r, err := a.pendingRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	scope := settlement.RemainingHeldScope()
	if r.MilestoneIndex != nil {
		scope = settlement.MilestoneScope(*r.MilestoneIndex)
	}

	receipt, err := a.engine.Refund(ctx, r.ProjectID, r.Amount, scope, "refund:"+r.ID)
	if err != nil {
		metrics.IncrementRefundDecision("engine_rejected")
		logger.WithTrace(ctx, a.logger).Warn("refund approval rejected by settlement engine",
			zap.String("request_id", requestID),
			zap.String("project_id", r.ProjectID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("refund request %s not approved: %w", requestID, err)
	}

	if err := a.requests.UpdateDecision(ctx, requestID, model.RefundRequestApproved, notes, time.Now().UTC()); err != nil {
		// The refund transaction is committed; the decision record lags. A
		// retried approval replays the engine receipt and lands here again.
		return receipt, fmt.Errorf("refund executed but decision not recorded: %w", err)
	}

	metrics.IncrementRefundDecision("approved")
	return receipt, nil
}

// Reject records a denial. No ledger effect.
func (a *Adjudicator) Reject(ctx context.Context, requestID, notes string) error {
	if strings.TrimSpace(notes) == "" {
		return ErrEmptyAdminNotes
	}

	r, err := a.pendingRequest(ctx, requestID)
	if err != nil {
		return err
	}

	if err := a.requests.UpdateDecision(ctx, r.ID, model.RefundRequestRejected, notes, time.Now().UTC()); err != nil {
		return err
	}

	metrics.IncrementRefundDecision("rejected")
	return nil
}

// List returns requests for the admin queue.
func (a *Adjudicator) List(ctx context.Context, status model.RefundRequestStatus, limit int) ([]model.RefundRequest, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return a.requests.ListByStatus(ctx, status, limit)
}

func (a *Adjudicator) pendingRequest(ctx context.Context, id string) (*model.RefundRequest, error) {
	r, err := a.requests.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrRequestNotFound
	}
	if r.Status != model.RefundRequestPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, r.Status)
	}
	return r, nil
}
