package settlement

import (
	"context"
	"time"

	"escrow-service/internal/model"
)

// Ops is the settlement state visible inside a serialized scope. Every method
// operates on the project whose lock is held.
type Ops interface {
	Project(ctx context.Context) (*model.Project, error)
	MarkProjectFunded(ctx context.Context, at time.Time) error
	SetProjectStatus(ctx context.Context, status model.ProjectStatus) error

	Milestones(ctx context.Context) ([]model.Milestone, error)
	Milestone(ctx context.Context, index int) (*model.Milestone, error)
	InsertMilestones(ctx context.Context, milestones []model.Milestone) error
	SetMilestoneStatus(ctx context.Context, index int, status model.MilestoneStatus) error

	LatestDeliverable(ctx context.Context, index int) (*model.Deliverable, error)

	Transactions(ctx context.Context) ([]model.EscrowTransaction, error)
	TransactionByKey(ctx context.Context, key string) (*model.EscrowTransaction, error)
	AppendTransaction(ctx context.Context, tx *model.EscrowTransaction) error

	// EnqueueEvent queues an outbound signal in the same transaction as the
	// settlement write, so a committed ledger entry always has its event.
	EnqueueEvent(ctx context.Context, routingKey string, payload any) error
}

// Store provides serialized, transactional access to settlement state.
type Store interface {
	// ExecSerialized runs fn under the project's mutual-exclusion scope; the
	// conservation check-then-write inside fn is atomic. Operations on
	// different projects run in parallel.
	ExecSerialized(ctx context.Context, projectID string, fn func(ops Ops) error) error

	// Lock-free reads; may observe a stale snapshot, acceptable for display.
	ProjectByID(ctx context.Context, projectID string) (*model.Project, error)
	TransactionsByProject(ctx context.Context, projectID string) ([]model.EscrowTransaction, error)
}
