package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"escrow-service/internal/model"
	"escrow-service/internal/money"
	"escrow-service/internal/mq"
	"escrow-service/internal/service/payment"
	"escrow-service/pkg/logger"
	"escrow-service/pkg/metrics"
)

// Engine orchestrates funding, milestone-gated release and refund
// adjudication against the escrow ledger. Every mutating operation runs
// under per-project serialization and is a compare-and-apply over the
// conservation invariant: before committing a transaction the engine
// recomputes the held balance from the log and rejects anything that would
// drive it negative.
type Engine struct {
	store    Store
	payments payment.Capability
	logger   *zap.Logger
}

func NewEngine(store Store, payments payment.Capability, log *zap.Logger) *Engine {
	return &Engine{
		store:    store,
		payments: payments,
		logger:   log,
	}
}

// FundingKey derives the funding idempotency key from the project id, so
// duplicate bid-awarded deliveries are replay-safe.
func FundingKey(projectID string) string {
	return "fund:" + projectID
}

func milestoneHoldKey(projectID string, index int) string {
	return fmt.Sprintf("fund:%s:ms:%d", projectID, index)
}

// FundProject is called once when a bid is awarded. It validates the
// milestone breakdown against the budget, captures funds from the client via
// the external capability, and writes one hold transaction per milestone.
// A replay with the same breakdown returns the original receipt; a hold under
// a different breakdown fails with ErrAlreadyFunded.
func (e *Engine) FundProject(ctx context.Context, projectID string, breakdown []MilestoneSpec) (*FundingReceipt, error) {
	start := time.Now()
	var receipt *FundingReceipt

	err := e.store.ExecSerialized(ctx, projectID, func(ops Ops) error {
		p, err := ops.Project(ctx)
		if err != nil {
			return err
		}

		txs, err := ops.Transactions(ctx)
		if err != nil {
			return err
		}

		if holds := holdTransactions(txs); len(holds) > 0 {
			if r, ok := replayFunding(p, holds, breakdown); ok {
				receipt = r
				return nil
			}
			return ErrAlreadyFunded
		}

		currency := p.TotalBudget.Currency
		if len(breakdown) == 0 {
			return fmt.Errorf("%w: empty milestone breakdown", ErrInvalidAmount)
		}
		total := money.Zero(currency)
		for i, spec := range breakdown {
			if spec.Amount.Currency != currency {
				return fmt.Errorf("%w: milestone %d currency %s, budget currency %s",
					ErrInvalidAmount, i, spec.Amount.Currency, currency)
			}
			if spec.Amount.IsNegative() {
				return fmt.Errorf("%w: milestone %d amount is negative", ErrInvalidAmount, i)
			}
			total = total.Add(spec.Amount)
		}
		if !total.Equal(p.TotalBudget) {
			return fmt.Errorf("%w: breakdown %s, budget %s", ErrBudgetMismatch, total, p.TotalBudget)
		}

		// The capture call is the single long-latency point: bounded retries
		// and capability-side dedup live in the client. On failure the ledger
		// is exactly as it was, nothing has been written yet.
		if _, err := e.payments.CaptureFunds(ctx, total, p.ClientID, FundingKey(projectID)); err != nil {
			return fmt.Errorf("%w: capture: %w", ErrSettlementFailed, err)
		}

		now := time.Now().UTC()
		milestones := make([]model.Milestone, 0, len(breakdown))
		txIDs := make([]string, 0, len(breakdown))
		for i, spec := range breakdown {
			milestones = append(milestones, model.Milestone{
				ProjectID:     projectID,
				SequenceIndex: i,
				Title:         spec.Title,
				Amount:        spec.Amount,
				Status:        model.MilestonePending,
				CreatedAt:     now,
				UpdatedAt:     now,
			})
		}
		if err := ops.InsertMilestones(ctx, milestones); err != nil {
			return err
		}

		for i, spec := range breakdown {
			if !spec.Amount.IsPositive() {
				continue // zero-amount milestones hold nothing
			}
			idx := i
			tx := &model.EscrowTransaction{
				ID:             uuid.NewString(),
				ProjectID:      projectID,
				MilestoneIndex: &idx,
				Kind:           model.TxHold,
				Amount:         spec.Amount,
				IdempotencyKey: milestoneHoldKey(projectID, i),
				CreatedAt:      now,
			}
			if err := ops.AppendTransaction(ctx, tx); err != nil {
				return err
			}
			metrics.IncrementLedgerTransaction(string(model.TxHold))
			txIDs = append(txIDs, tx.ID)
		}

		if err := ops.MarkProjectFunded(ctx, now); err != nil {
			return err
		}
		if err := ops.SetProjectStatus(ctx, model.ProjectInProgress); err != nil {
			return err
		}

		receipt = &FundingReceipt{
			ProjectID:      projectID,
			Total:          total,
			TransactionIDs: txIDs,
			FundedAt:       now,
		}
		return nil
	})

	e.recordOp(ctx, "fund_project", projectID, start, err)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// ReleaseMilestone moves a completed, approved milestone's held amount to the
// consultant. The requested amount must equal the milestone's currently held
// amount; partial release is not supported. Replays with the same idempotency
// key return the original receipt.
func (e *Engine) ReleaseMilestone(ctx context.Context, projectID string, index int, amount money.Money, idempotencyKey string) (*ReleaseReceipt, error) {
	start := time.Now()
	var receipt *ReleaseReceipt

	err := e.store.ExecSerialized(ctx, projectID, func(ops Ops) error {
		p, err := ops.Project(ctx)
		if err != nil {
			return err
		}

		if existing, err := ops.TransactionByKey(ctx, idempotencyKey); err != nil {
			return err
		} else if existing != nil {
			if existing.Kind != model.TxRelease || existing.ProjectID != projectID ||
				derefIndex(existing.MilestoneIndex) != index || !existing.Amount.Equal(amount) {
				return ErrIdempotencyConflict
			}
			receipt = &ReleaseReceipt{
				TransactionID:  existing.ID,
				ProjectID:      existing.ProjectID,
				MilestoneIndex: derefIndex(existing.MilestoneIndex),
				Amount:         existing.Amount,
				ReleasedAt:     existing.CreatedAt,
			}
			return nil
		}

		ms, err := ops.Milestone(ctx, index)
		if err != nil {
			return err
		}
		if ms.Status == model.MilestonePaid {
			return ErrAlreadyReleased
		}
		if ms.Status != model.MilestoneCompleted {
			return fmt.Errorf("%w: milestone %d is %s", ErrNotApproved, index, ms.Status)
		}

		d, err := ops.LatestDeliverable(ctx, index)
		if err != nil {
			return err
		}
		if d == nil || d.Status != model.DeliverableApproved {
			return fmt.Errorf("%w: latest deliverable for milestone %d is not approved", ErrNotApproved, index)
		}

		currency := p.TotalBudget.Currency
		if amount.Currency != currency || !amount.IsPositive() {
			return fmt.Errorf("%w: release amount %s", ErrInvalidAmount, amount)
		}

		txs, err := ops.Transactions(ctx)
		if err != nil {
			return err
		}
		heldForMilestone := model.HeldForMilestone(currency, txs, index)
		if !amount.Equal(heldForMilestone) {
			return fmt.Errorf("%w: requested %s, held for milestone %d is %s",
				ErrAmountMismatch, amount, index, heldForMilestone)
		}

		// A project-scoped refund draws down the pool without being
		// attributed to any milestone, so the per-milestone fold alone
		// cannot see it.
		if projectHeld := model.FoldBalance(currency, txs).Held; amount.GreaterThan(projectHeld) {
			return fmt.Errorf("%w: requested %s, project held is %s",
				ErrInsufficientHeldFunds, amount, projectHeld)
		}

		if err := e.checkConservation(ctx, projectID, currency, txs, amount); err != nil {
			return err
		}

		if _, err := e.payments.PayoutFunds(ctx, amount, p.ConsultantID, idempotencyKey); err != nil {
			return fmt.Errorf("%w: payout: %w", ErrSettlementFailed, err)
		}

		now := time.Now().UTC()
		idx := index
		tx := &model.EscrowTransaction{
			ID:             uuid.NewString(),
			ProjectID:      projectID,
			MilestoneIndex: &idx,
			Kind:           model.TxRelease,
			Amount:         amount,
			IdempotencyKey: idempotencyKey,
			CreatedAt:      now,
		}
		if err := ops.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		metrics.IncrementLedgerTransaction(string(model.TxRelease))

		if err := ops.SetMilestoneStatus(ctx, index, model.MilestonePaid); err != nil {
			return err
		}

		if done, err := allMilestonesPaid(ctx, ops); err != nil {
			return err
		} else if done {
			if err := ops.SetProjectStatus(ctx, model.ProjectCompleted); err != nil {
				return err
			}
		}

		if err := ops.EnqueueEvent(ctx, mq.RoutingKeyPaymentReleased, mq.PaymentReleasedPayload{
			TransactionID:  tx.ID,
			ProjectID:      projectID,
			MilestoneIndex: index,
			Amount:         amount,
			ReleasedAt:     now,
		}); err != nil {
			return err
		}

		receipt = &ReleaseReceipt{
			TransactionID:  tx.ID,
			ProjectID:      projectID,
			MilestoneIndex: index,
			Amount:         amount,
			ReleasedAt:     now,
		}
		return nil
	})

	e.recordOp(ctx, "release_milestone", projectID, start, err)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Refund returns held funds to the client, scoped to one milestone or to the
// project's remaining held balance. Runs under the same serialization as
// release, so a release and a refund can never race on the same funds.
func (e *Engine) Refund(ctx context.Context, projectID string, amount money.Money, scope RefundScope, idempotencyKey string) (*RefundReceipt, error) {
	start := time.Now()
	var receipt *RefundReceipt

	err := e.store.ExecSerialized(ctx, projectID, func(ops Ops) error {
		p, err := ops.Project(ctx)
		if err != nil {
			return err
		}

		if existing, err := ops.TransactionByKey(ctx, idempotencyKey); err != nil {
			return err
		} else if existing != nil {
			if existing.Kind != model.TxRefund || existing.ProjectID != projectID ||
				!sameScope(existing.MilestoneIndex, scope.MilestoneIndex) || !existing.Amount.Equal(amount) {
				return ErrIdempotencyConflict
			}
			receipt = &RefundReceipt{
				TransactionID:  existing.ID,
				ProjectID:      existing.ProjectID,
				MilestoneIndex: existing.MilestoneIndex,
				Amount:         existing.Amount,
				RefundedAt:     existing.CreatedAt,
			}
			return nil
		}

		currency := p.TotalBudget.Currency
		if amount.Currency != currency || !amount.IsPositive() {
			return fmt.Errorf("%w: refund amount %s", ErrInvalidAmount, amount)
		}

		txs, err := ops.Transactions(ctx)
		if err != nil {
			return err
		}

		heldInScope := model.FoldBalance(currency, txs).Held
		if scope.MilestoneIndex != nil {
			heldInScope = model.HeldForMilestone(currency, txs, *scope.MilestoneIndex)
		}
		if amount.GreaterThan(heldInScope) {
			return fmt.Errorf("%w: requested %s, held in scope is %s",
				ErrInsufficientHeldFunds, amount, heldInScope)
		}

		if err := e.checkConservation(ctx, projectID, currency, txs, amount); err != nil {
			return err
		}

		if _, err := e.payments.PayoutFunds(ctx, amount, p.ClientID, idempotencyKey); err != nil {
			return fmt.Errorf("%w: refund payout: %w", ErrSettlementFailed, err)
		}

		now := time.Now().UTC()
		tx := &model.EscrowTransaction{
			ID:             uuid.NewString(),
			ProjectID:      projectID,
			MilestoneIndex: scope.MilestoneIndex,
			Kind:           model.TxRefund,
			Amount:         amount,
			IdempotencyKey: idempotencyKey,
			CreatedAt:      now,
		}
		if err := ops.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		metrics.IncrementLedgerTransaction(string(model.TxRefund))

		if err := ops.EnqueueEvent(ctx, mq.RoutingKeyRefundProcessed, mq.RefundProcessedPayload{
			TransactionID:  tx.ID,
			ProjectID:      projectID,
			MilestoneIndex: scope.MilestoneIndex,
			Amount:         amount,
			ProcessedAt:    now,
		}); err != nil {
			return err
		}

		receipt = &RefundReceipt{
			TransactionID:  tx.ID,
			ProjectID:      projectID,
			MilestoneIndex: scope.MilestoneIndex,
			Amount:         amount,
			RefundedAt:     now,
		}
		return nil
	})

	e.recordOp(ctx, "refund", projectID, start, err)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// Balance reconstructs {held, released, refunded} by folding the transaction
// log. Lock-free; tolerates a stale snapshot.
func (e *Engine) Balance(ctx context.Context, projectID string) (model.EscrowBalance, error) {
	p, err := e.store.ProjectByID(ctx, projectID)
	if err != nil {
		return model.EscrowBalance{}, err
	}
	txs, err := e.store.TransactionsByProject(ctx, projectID)
	if err != nil {
		return model.EscrowBalance{}, err
	}
	return model.FoldBalance(p.TotalBudget.Currency, txs), nil
}

// checkConservation rejects a debit that would drive the held balance
// negative. Reaching this with an insufficient balance means a precondition
// check was bypassed; it is counted and logged as an invariant violation.
func (e *Engine) checkConservation(ctx context.Context, projectID, currency string, txs []model.EscrowTransaction, debit money.Money) error {
	held := model.FoldBalance(currency, txs).Held
	if held.Sub(debit).IsNegative() {
		metrics.IncrementConservationViolation()
		logger.WithTrace(ctx, e.logger).Error("conservation invariant violation rejected",
			zap.String("project_id", projectID),
			zap.String("held", held.String()),
			zap.String("debit", debit.String()),
		)
		return fmt.Errorf("%w: held %s, debit %s", ErrConservationViolated, held, debit)
	}
	return nil
}

func (e *Engine) recordOp(ctx context.Context, op, projectID string, start time.Time, err error) {
	outcome := classifyOutcome(err)
	metrics.RecordSettlementOp(op, outcome, time.Since(start))

	log := logger.WithTrace(ctx, e.logger)
	if err != nil {
		log.Warn("settlement operation failed",
			zap.String("operation", op),
			zap.String("project_id", projectID),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
		return
	}
	log.Info("settlement operation applied",
		zap.String("operation", op),
		zap.String("project_id", projectID),
		zap.Duration("took", time.Since(start)),
	)
}

func classifyOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConservationViolated):
		return "invariant_violation"
	case errors.Is(err, ErrSettlementFailed):
		return "settlement_failed"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrBudgetMismatch):
		return "validation_failed"
	case errors.Is(err, ErrAlreadyFunded), errors.Is(err, ErrNotApproved),
		errors.Is(err, ErrAlreadyReleased), errors.Is(err, ErrAmountMismatch),
		errors.Is(err, ErrInsufficientHeldFunds), errors.Is(err, ErrIdempotencyConflict):
		return "precondition_failed"
	default:
		return "error"
	}
}

func holdTransactions(txs []model.EscrowTransaction) []model.EscrowTransaction {
	var holds []model.EscrowTransaction
	for _, tx := range txs {
		if tx.Kind == model.TxHold {
			holds = append(holds, tx)
		}
	}
	return holds
}

// replayFunding reports whether existing holds match the requested breakdown,
// reconstructing the original receipt if so.
func replayFunding(p *model.Project, holds []model.EscrowTransaction, breakdown []MilestoneSpec) (*FundingReceipt, bool) {
	byIndex := make(map[int]model.EscrowTransaction, len(holds))
	for _, h := range holds {
		if h.MilestoneIndex != nil {
			byIndex[*h.MilestoneIndex] = h
		}
	}

	total := money.Zero(p.TotalBudget.Currency)
	txIDs := make([]string, 0, len(holds))
	for i, spec := range breakdown {
		h, ok := byIndex[i]
		if !ok {
			if spec.Amount.IsZero() {
				continue // zero milestones never held funds
			}
			return nil, false
		}
		if !h.Amount.Equal(spec.Amount) {
			return nil, false
		}
		total = total.Add(h.Amount)
		txIDs = append(txIDs, h.ID)
	}
	if len(txIDs) != len(holds) {
		return nil, false
	}

	fundedAt := holds[0].CreatedAt
	if p.Funded() {
		fundedAt = *p.FundedAt
	}
	return &FundingReceipt{
		ProjectID:      p.ID,
		Total:          total,
		TransactionIDs: txIDs,
		FundedAt:       fundedAt,
	}, true
}

func allMilestonesPaid(ctx context.Context, ops Ops) (bool, error) {
	milestones, err := ops.Milestones(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range milestones {
		if m.Status != model.MilestonePaid {
			return false, nil
		}
	}
	return len(milestones) > 0, nil
}

func derefIndex(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

func sameScope(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
