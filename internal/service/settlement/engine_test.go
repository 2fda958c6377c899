package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrow-service/internal/model"
	"escrow-service/internal/money"
	"escrow-service/internal/service/payment"
)

func usd(s string) money.Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return money.New(d, "USD")
}

// memStore keeps all settlement state for one project in memory, with a
// per-project mutex standing in for the database row lock. Writes inside a
// scope apply immediately; the engine orders every external call and
// precondition check before its first write, so no rollback is needed here.
type memStore struct {
	mu       sync.Mutex
	projects map[string]*model.Project
	locks    map[string]*sync.Mutex

	milestones   map[string][]model.Milestone
	deliverables map[string][]model.Deliverable
	txs          map[string][]model.EscrowTransaction
	events       map[string][]string
}

func newMemStore() *memStore {
	return &memStore{
		projects:     make(map[string]*model.Project),
		locks:        make(map[string]*sync.Mutex),
		milestones:   make(map[string][]model.Milestone),
		deliverables: make(map[string][]model.Deliverable),
		txs:          make(map[string][]model.EscrowTransaction),
		events:       make(map[string][]string),
	}
}

func (s *memStore) addProject(p model.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = &p
	s.locks[p.ID] = &sync.Mutex{}
}

func (s *memStore) addDeliverable(d model.Deliverable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverables[d.ProjectID] = append(s.deliverables[d.ProjectID], d)
}

func (s *memStore) setMilestoneStatus(projectID string, index int, status model.MilestoneStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.milestones[projectID] {
		if s.milestones[projectID][i].SequenceIndex == index {
			s.milestones[projectID][i].Status = status
		}
	}
}

func (s *memStore) ExecSerialized(_ context.Context, projectID string, fn func(ops Ops) error) error {
	s.mu.Lock()
	lock, ok := s.locks[projectID]
	s.mu.Unlock()
	if !ok {
		return ErrProjectNotFound
	}

	lock.Lock()
	defer lock.Unlock()
	return fn(&memOps{store: s, projectID: projectID})
}

func (s *memStore) ProjectByID(_ context.Context, projectID string) (*model.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) TransactionsByProject(_ context.Context, projectID string) ([]model.EscrowTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.EscrowTransaction(nil), s.txs[projectID]...), nil
}

type memOps struct {
	store     *memStore
	projectID string
}

func (o *memOps) Project(ctx context.Context) (*model.Project, error) {
	return o.store.ProjectByID(ctx, o.projectID)
}

func (o *memOps) MarkProjectFunded(_ context.Context, at time.Time) error {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	t := at
	o.store.projects[o.projectID].FundedAt = &t
	return nil
}

func (o *memOps) SetProjectStatus(_ context.Context, status model.ProjectStatus) error {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	o.store.projects[o.projectID].Status = status
	return nil
}

func (o *memOps) Milestones(_ context.Context) ([]model.Milestone, error) {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	return append([]model.Milestone(nil), o.store.milestones[o.projectID]...), nil
}

func (o *memOps) Milestone(_ context.Context, index int) (*model.Milestone, error) {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	for _, m := range o.store.milestones[o.projectID] {
		if m.SequenceIndex == index {
			cp := m
			return &cp, nil
		}
	}
	return nil, ErrMilestoneNotFound
}

func (o *memOps) InsertMilestones(_ context.Context, milestones []model.Milestone) error {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	o.store.milestones[o.projectID] = append(o.store.milestones[o.projectID], milestones...)
	return nil
}

func (o *memOps) SetMilestoneStatus(_ context.Context, index int, status model.MilestoneStatus) error {
	o.store.setMilestoneStatus(o.projectID, index, status)
	return nil
}

func (o *memOps) LatestDeliverable(_ context.Context, index int) (*model.Deliverable, error) {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	var latest *model.Deliverable
	for i, d := range o.store.deliverables[o.projectID] {
		if d.MilestoneIndex != index {
			continue
		}
		if latest == nil || d.SubmittedAt.After(latest.SubmittedAt) {
			latest = &o.store.deliverables[o.projectID][i]
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (o *memOps) Transactions(ctx context.Context) ([]model.EscrowTransaction, error) {
	return o.store.TransactionsByProject(ctx, o.projectID)
}

func (o *memOps) TransactionByKey(_ context.Context, key string) (*model.EscrowTransaction, error) {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	for _, tx := range o.store.txs[o.projectID] {
		if tx.IdempotencyKey == key {
			cp := tx
			return &cp, nil
		}
	}
	return nil, nil
}

func (o *memOps) AppendTransaction(_ context.Context, tx *model.EscrowTransaction) error {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	for _, existing := range o.store.txs[o.projectID] {
		if existing.IdempotencyKey == tx.IdempotencyKey {
			return errors.New("duplicate key value violates unique constraint")
		}
	}
	o.store.txs[o.projectID] = append(o.store.txs[o.projectID], *tx)
	return nil
}

func (o *memOps) EnqueueEvent(_ context.Context, routingKey string, _ any) error {
	o.store.mu.Lock()
	defer o.store.mu.Unlock()
	o.store.events[o.projectID] = append(o.store.events[o.projectID], routingKey)
	return nil
}

// fakePayments records capability calls and can be scripted to fail.
type fakePayments struct {
	mu       sync.Mutex
	captures []string
	payouts  []string
	failNext error
}

func (f *fakePayments) CaptureFunds(_ context.Context, _ money.Money, ref, _ string) (*payment.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	f.captures = append(f.captures, ref)
	return &payment.Receipt{Reference: ref, ProcessedAt: time.Now()}, nil
}

func (f *fakePayments) PayoutFunds(_ context.Context, _ money.Money, ref, _ string) (*payment.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return nil, err
	}
	f.payouts = append(f.payouts, ref)
	return &payment.Receipt{Reference: ref, ProcessedAt: time.Now()}, nil
}

func (f *fakePayments) payoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payouts)
}

func newTestEngine(t *testing.T) (*Engine, *memStore, *fakePayments) {
	t.Helper()
	store := newMemStore()
	payments := &fakePayments{}
	return NewEngine(store, payments, zap.NewNop()), store, payments
}

func seedProject(store *memStore, id string, budget money.Money) {
	now := time.Now().UTC()
	store.addProject(model.Project{
		ID:           id,
		ClientID:     "client-1",
		ConsultantID: "consultant-1",
		TotalBudget:  budget,
		Status:       model.ProjectNotStarted,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

func standardBreakdown() []MilestoneSpec {
	return []MilestoneSpec{
		{Title: "Design", Amount: usd("500.00")},
		{Title: "Build", Amount: usd("300.00")},
		{Title: "Handover", Amount: usd("200.00")},
	}
}

// fundStandard funds a three-milestone project and returns the receipt.
func fundStandard(t *testing.T, e *Engine, store *memStore, projectID string) *FundingReceipt {
	t.Helper()
	seedProject(store, projectID, usd("1000.00"))
	receipt, err := e.FundProject(context.Background(), projectID, standardBreakdown())
	require.NoError(t, err)
	return receipt
}

// approveMilestone marks a milestone completed with an approved deliverable,
// satisfying release preconditions.
func approveMilestone(store *memStore, projectID string, index int) {
	now := time.Now().UTC()
	reviewed := now
	store.addDeliverable(model.Deliverable{
		ID:             "d-" + projectID + "-" + string(rune('0'+index)),
		ProjectID:      projectID,
		MilestoneIndex: index,
		Status:         model.DeliverableApproved,
		Payload:        "final",
		SubmittedAt:    now,
		ReviewedAt:     &reviewed,
	})
	store.setMilestoneStatus(projectID, index, model.MilestoneCompleted)
}

func assertConservation(t *testing.T, store *memStore, projectID string, budget money.Money) {
	t.Helper()
	txs, err := store.TransactionsByProject(context.Background(), projectID)
	require.NoError(t, err)

	b := model.FoldBalance(budget.Currency, txs)
	assert.False(t, b.Held.IsNegative(), "held balance went negative")

	holds := money.Zero(budget.Currency)
	for _, tx := range txs {
		if tx.Kind == model.TxHold {
			holds = holds.Add(tx.Amount)
		}
	}
	assert.True(t, holds.Equal(b.Held.Add(b.Released).Add(b.Refunded)),
		"sum(hold) != held + released + refunded")
}

func TestFundProject(t *testing.T) {
	t.Run("holds the full budget across milestones", func(t *testing.T) {
		e, store, payments := newTestEngine(t)
		receipt := fundStandard(t, e, store, "p1")

		assert.True(t, receipt.Total.Equal(usd("1000.00")))
		assert.Len(t, receipt.TransactionIDs, 3)
		assert.Equal(t, []string{"client-1"}, payments.captures)

		b, err := e.Balance(context.Background(), "p1")
		require.NoError(t, err)
		assert.True(t, b.Held.Equal(usd("1000.00")))
		assert.True(t, b.Released.IsZero())
		assert.True(t, b.Refunded.IsZero())

		p, err := store.ProjectByID(context.Background(), "p1")
		require.NoError(t, err)
		assert.Equal(t, model.ProjectInProgress, p.Status)
		assert.NotNil(t, p.FundedAt)

		ms, err := (&memOps{store: store, projectID: "p1"}).Milestones(context.Background())
		require.NoError(t, err)
		require.Len(t, ms, 3)
		for _, m := range ms {
			assert.Equal(t, model.MilestonePending, m.Status)
		}

		assertConservation(t, store, "p1", usd("1000.00"))
	})

	t.Run("replay with identical breakdown returns the original receipt", func(t *testing.T) {
		e, store, payments := newTestEngine(t)
		first := fundStandard(t, e, store, "p1")

		second, err := e.FundProject(context.Background(), "p1", standardBreakdown())
		require.NoError(t, err)
		assert.ElementsMatch(t, first.TransactionIDs, second.TransactionIDs)
		assert.True(t, first.Total.Equal(second.Total))

		// no second capture, no extra holds
		assert.Len(t, payments.captures, 1)
		b, err := e.Balance(context.Background(), "p1")
		require.NoError(t, err)
		assert.True(t, b.Held.Equal(usd("1000.00")))
	})

	t.Run("different breakdown after funding is rejected", func(t *testing.T) {
		e, store, _ := newTestEngine(t)
		fundStandard(t, e, store, "p1")

		_, err := e.FundProject(context.Background(), "p1", []MilestoneSpec{
			{Title: "Everything", Amount: usd("1000.00")},
		})
		assert.ErrorIs(t, err, ErrAlreadyFunded)
	})

	t.Run("breakdown must sum to the budget", func(t *testing.T) {
		e, store, payments := newTestEngine(t)
		seedProject(store, "p1", usd("1000.00"))

		_, err := e.FundProject(context.Background(), "p1", []MilestoneSpec{
			{Title: "Design", Amount: usd("500.00")},
			{Title: "Build", Amount: usd("300.00")},
		})
		assert.ErrorIs(t, err, ErrBudgetMismatch)
		assert.Empty(t, payments.captures)
	})

	t.Run("negative milestone amount is rejected", func(t *testing.T) {
		e, store, _ := newTestEngine(t)
		seedProject(store, "p1", usd("100.00"))

		_, err := e.FundProject(context.Background(), "p1", []MilestoneSpec{
			{Title: "Design", Amount: usd("200.00")},
			{Title: "Oops", Amount: usd("-100.00")},
		})
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("capture failure leaves no state behind", func(t *testing.T) {
		e, store, payments := newTestEngine(t)
		seedProject(store, "p1", usd("1000.00"))
		payments.failNext = errors.New("gateway unavailable")

		_, err := e.FundProject(context.Background(), "p1", standardBreakdown())
		assert.ErrorIs(t, err, ErrSettlementFailed)

		txs, err := store.TransactionsByProject(context.Background(), "p1")
		require.NoError(t, err)
		assert.Empty(t, txs)

		// retry succeeds cleanly
		_, err = e.FundProject(context.Background(), "p1", standardBreakdown())
		require.NoError(t, err)
	})

	t.Run("unknown project", func(t *testing.T) {
		e, _, _ := newTestEngine(t)
		_, err := e.FundProject(context.Background(), "ghost", standardBreakdown())
		assert.ErrorIs(t, err, ErrProjectNotFound)
	})
}

func TestReleaseMilestone(t *testing.T) {
	t.Run("releases a completed approved milestone", func(t *testing.T) {
		e, store, payments := newTestEngine(t)
		fundStandard(t, e, store, "p1")
		approveMilestone(store, "p1", 0)

		receipt, err := e.ReleaseMilestone(context.Background(), "p1", 0, usd("500.00"), "rel:p1:0")
		require.NoError(t, err)
		assert.Equal(t, 0, receipt.MilestoneIndex)
		assert.True(t, receipt.Amount.Equal(usd("500.00")))
		assert.Equal(t, []string{"consultant-1"}, payments.payouts)

		b, err := e.Balance(context.Background(), "p1")
		require.NoError(t, err)
		assert.True(t, b.Held.Equal(usd("500.00")))
		assert.True(t, b.Released.Equal(usd("500.00")))

		ms, err := (&memOps{store: store, projectID: "p1"}).Milestone(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, model.MilestonePaid, ms.Status)

		assert.Contains(t, store.events["p1"], "payment.released")
		assertConservation(t, store, "p1", usd("1000.00"))
	})

	t.Run("replay with the same key returns the original receipt", func(t *testing.T) {
		e, store, payments := newTestEngine(t)
		fundStandard(t, e, store, "p1")
		approveMilestone(store, "p1", 0)

		first, err := e.ReleaseMilestone(context.Background(), "p1", 0, usd("500.00"), "rel:p1:0")
		require.NoError(t, err)
		second, err := e.ReleaseMilestone(context.Background(), "p1", 0, usd("500.00"), "rel:p1:0")
		require.NoError(t, err)

		assert.Equal(t, first.TransactionID, second.TransactionID)
		assert.Equal(t, 1, payments.payoutCount())

		b, err := e.Balance(context.Background(), "p1")
		require.NoError(t, err)
		assert.True(t, b.Released.Equal(usd("500.00")))
	})

	t.Run("replay key with a different milestone or amount is a conflict", func(t *testing.T) {
		e, store, payments := newTestEngine(t)
		fundStandard(t, e, store, "p1")
		approveMilestone(store, "p1", 0)
		approveMilestone(store, "p1", 1)

		_, err := e.ReleaseMilestone(context.Background(), "p1", 0, usd("500.00"), "rel:p1:0")
		require.NoError(t, err)

		_, err = e.ReleaseMilestone(context.Background(), "p1", 1, usd("300.00"), "rel:p1:0")
		assert.ErrorIs(t, err, ErrIdempotencyConflict)
		_, err = e.ReleaseMilestone(context.Background(), "p1", 0, usd("400.00"), "rel:p1:0")
		assert.ErrorIs(t, err, ErrIdempotencyConflict)

		assert.Equal(t, 1, payments.payoutCount())
	})

	t.Run("release after a project-scoped refund is bounded by project held", func(t *testing.T) {
		e, store, payments := newTestEngine(t)
		fundStandard(t, e, store, "p1")

		_, err := e.Refund(context.Background(), "p1", usd("900.00"), RemainingHeldScope(), "ref:p1:all")
		require.NoError(t, err)

		// Milestone 0 still folds to 500 held on its own, but only 100
		// remains in the project pool.
		approveMilestone(store, "p1", 0)
		_, err = e.ReleaseMilestone(context.Background(), "p1", 0, usd("500.00"), "rel:p1:0")
		assert.ErrorIs(t, err, ErrInsufficientHeldFunds)
		assert.NotErrorIs(t, err, ErrConservationViolated)

		// only the refund paid out; the ledger saw no release
		assert.Equal(t, 1, payments.payoutCount())
		b, err := e.Balance(context.Background(), "p1")
		require.NoError(t, err)
		assert.True(t, b.Released.IsZero())
		assert.True(t, b.Held.Equal(usd("100.00")))
		assertConservation(t, store, "p1", usd("1000.00"))
	})

	t.Run("second release with a new key is rejected", func(t *testing.T) {
		e, store, _ := newTestEngine(t)
		fundStandard(t, e, store, "p1")
		approveMilestone(store, "p1", 0)

		_, err := e.ReleaseMilestone(context.Background(), "p1", 0, usd("500.00"), "rel:p1:0")
		require.NoError(t, err)
		_, err = e.ReleaseMilestone(context.Background(), "p1", 0, usd("500.00"), "rel:p1:0:again")
		assert.ErrorIs(t, err, ErrAlreadyReleased)
	})

	t.Run("release before approval is rejected", func(t *testing.T) {
		e, store, payments := newTestEngine(t)
		fundStandard(t, e, store, "p1")

		_, err := e.ReleaseMilestone(context.Background(), "p1", 0, usd("500.00"), "rel:p1:0")
		assert.ErrorIs(t, err, ErrNotApproved)
		assert.Zero(t, payments.payoutCount())
	})

	t.Run("completed milestone without approved deliverable is rejected", func(t *testing.T) {
		e, store, _ := newTestEngine(t)
		fundStandard(t, e, store, "p1")
		// completed but the latest deliverable is a fresh resubmission
		approveMilestone(store, "p1", 0)
		store.addDeliverable(model.Deliverable{
			ID:             "d-newer",
			ProjectID:      "p1",
			MilestoneIndex: 0,
			Status:         model.DeliverablePending,
			Payload:        "rework",
			SubmittedAt:    time.Now().UTC().Add(time.Minute),
		})

		_, err := e.ReleaseMilestone(context.Background(), "p1", 0, usd("500.00"), "rel:p1:0")
		assert.ErrorIs(t, err, ErrNotApproved)
	})

	t.Run("amount must equal the milestone's held amount", func(t *testing.T) {
		e, store, _ := newTestEngine(t)
		fundStandard(t, e, store, "p1")
		approveMilestone(store, "p1", 1)

		// partial refund on milestone 1 shrinks its held amount to 50
		_, err := e.Refund(context.Background(), "p1", usd("250.00"), MilestoneScope(1), "ref:p1:1")
		require.NoError(t, err)

		// full original amount no longer matches
		_, err = e.ReleaseMilestone(context.Background(), "p1", 1, usd("300.00"), "rel:p1:1")
		assert.ErrorIs(t, err, ErrAmountMismatch)

		// the remaining held amount does
		receipt, err := e.ReleaseMilestone(context.Background(), "p1", 1, usd("50.00"), "rel:p1:1")
		require.NoError(t, err)
		assert.True(t, receipt.Amount.Equal(usd("50.00")))
		assertConservation(t, store, "p1", usd("1000.00"))
	})

	t.Run("key reuse across kinds is a conflict", func(t *testing.T) {
		e, store, _ := newTestEngine(t)
		fundStandard(t, e, store, "p1")
		approveMilestone(store, "p1", 0)

		_, err := e.Refund(context.Background(), "p1", usd("100.00"), MilestoneScope(0), "op:p1:shared")
		require.NoError(t, err)
		_, err = e.ReleaseMilestone(context.Background(), "p1", 0, usd("400.00"), "op:p1:shared")
		assert.ErrorIs(t, err, ErrIdempotencyConflict)
	})

	t.Run("project completes when every milestone is paid", func(t *testing.T) {
		e, store, _ := newTestEngine(t)
		fundStandard(t, e, store, "p1")

		amounts := []string{"500.00", "300.00", "200.00"}
		for i, amt := range amounts {
			approveMilestone(store, "p1", i)
			_, err := e.ReleaseMilestone(context.Background(), "p1", i, usd(amt), FundingKey("p1")+":rel:"+amt)
			require.NoError(t, err)
		}

		p, err := store.ProjectByID(context.Background(), "p1")
		require.NoError(t, err)
		assert.Equal(t, model.ProjectCompleted, p.Status)

		b, err := e.Balance(context.Background(), "p1")
		require.NoError(t, err)
		assert.True(t, b.Held.IsZero())
		assert.True(t, b.Released.Equal(usd("1000.00")))
		assertConservation(t, store, "p1", usd("1000.00"))
	})
}

func TestRefund(t *testing.T) {
	t.Run("milestone-scoped refund returns funds to the client", func(t *testing.T) {
		e, store, payments := newTestEngine(t)
		fundStandard(t, e, store, "p1")

		receipt, err := e.Refund(context.Background(), "p1", usd("250.00"), MilestoneScope(1), "ref:p1:1")
		require.NoError(t, err)
		require.NotNil(t, receipt.MilestoneIndex)
		assert.Equal(t, 1, *receipt.MilestoneIndex)
		assert.Equal(t, []string{"client-1"}, payments.payouts)

		b, err := e.Balance(context.Background(), "p1")
		require.NoError(t, err)
		assert.True(t, b.Held.Equal(usd("750.00")))
		assert.True(t, b.Refunded.Equal(usd("250.00")))

		assert.Contains(t, store.events["p1"], "refund.processed")
		assertConservation(t, store, "p1", usd("1000.00"))
	})

	t.Run("refund above the milestone's held amount is rejected", func(t *testing.T) {
		e, store, _ := newTestEngine(t)
		fundStandard(t, e, store, "p1")

		_, err := e.Refund(context.Background(), "p1", usd("301.00"), MilestoneScope(1), "ref:p1:1")
		assert.ErrorIs(t, err, ErrInsufficientHeldFunds)
	})

	t.Run("project-scoped refund draws on the remaining held balance", func(t *testing.T) {
		e, store, _ := newTestEngine(t)
		fundStandard(t, e, store, "p1")
		approveMilestone(store, "p1", 0)
		_, err := e.ReleaseMilestone(context.Background(), "p1", 0, usd("500.00"), "rel:p1:0")
		require.NoError(t, err)

		// 500 remains held; a refund of the whole remainder is fine
		receipt, err := e.Refund(context.Background(), "p1", usd("500.00"), RemainingHeldScope(), "ref:p1:all")
		require.NoError(t, err)
		assert.Nil(t, receipt.MilestoneIndex)

		b, err := e.Balance(context.Background(), "p1")
		require.NoError(t, err)
		assert.True(t, b.Held.IsZero())
		assertConservation(t, store, "p1", usd("1000.00"))

		// nothing held anymore, further refunds bounce
		_, err = e.Refund(context.Background(), "p1", usd("0.01"), RemainingHeldScope(), "ref:p1:more")
		assert.ErrorIs(t, err, ErrInsufficientHeldFunds)
	})

	t.Run("replay returns the original receipt without a second payout", func(t *testing.T) {
		e, store, payments := newTestEngine(t)
		fundStandard(t, e, store, "p1")

		first, err := e.Refund(context.Background(), "p1", usd("100.00"), MilestoneScope(2), "ref:p1:2")
		require.NoError(t, err)
		second, err := e.Refund(context.Background(), "p1", usd("100.00"), MilestoneScope(2), "ref:p1:2")
		require.NoError(t, err)

		assert.Equal(t, first.TransactionID, second.TransactionID)
		assert.Equal(t, 1, payments.payoutCount())
	})

	t.Run("replay key with a different amount or scope is a conflict", func(t *testing.T) {
		e, store, payments := newTestEngine(t)
		fundStandard(t, e, store, "p1")

		_, err := e.Refund(context.Background(), "p1", usd("100.00"), MilestoneScope(2), "ref:p1:2")
		require.NoError(t, err)

		_, err = e.Refund(context.Background(), "p1", usd("50.00"), MilestoneScope(2), "ref:p1:2")
		assert.ErrorIs(t, err, ErrIdempotencyConflict)
		_, err = e.Refund(context.Background(), "p1", usd("100.00"), MilestoneScope(1), "ref:p1:2")
		assert.ErrorIs(t, err, ErrIdempotencyConflict)
		_, err = e.Refund(context.Background(), "p1", usd("100.00"), RemainingHeldScope(), "ref:p1:2")
		assert.ErrorIs(t, err, ErrIdempotencyConflict)

		assert.Equal(t, 1, payments.payoutCount())
	})

	t.Run("concurrent refunds on the same funds settle exactly once", func(t *testing.T) {
		e, store, payments := newTestEngine(t)
		fundStandard(t, e, store, "p1")

		// milestone 2 holds 200; two competing full refunds
		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := "ref:p1:2:" + string(rune('a'+i))
				_, errs[i] = e.Refund(context.Background(), "p1", usd("200.00"), MilestoneScope(2), key)
			}(i)
		}
		wg.Wait()

		var succeeded, rejected int
		for _, err := range errs {
			if err == nil {
				succeeded++
			} else if errors.Is(err, ErrInsufficientHeldFunds) {
				rejected++
			} else {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, 1, rejected)
		assert.Equal(t, 1, payments.payoutCount())

		b, err := e.Balance(context.Background(), "p1")
		require.NoError(t, err)
		assert.True(t, b.Refunded.Equal(usd("200.00")))
		assertConservation(t, store, "p1", usd("1000.00"))
	})

	t.Run("payout failure leaves the ledger untouched", func(t *testing.T) {
		e, store, payments := newTestEngine(t)
		fundStandard(t, e, store, "p1")
		payments.failNext = errors.New("gateway unavailable")

		_, err := e.Refund(context.Background(), "p1", usd("100.00"), MilestoneScope(0), "ref:p1:0")
		assert.ErrorIs(t, err, ErrSettlementFailed)

		b, err := e.Balance(context.Background(), "p1")
		require.NoError(t, err)
		assert.True(t, b.Held.Equal(usd("1000.00")))
		assert.True(t, b.Refunded.IsZero())
	})
}
