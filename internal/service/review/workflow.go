package review

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"escrow-service/internal/model"
	"escrow-service/internal/mq"
	"escrow-service/internal/service/milestone"
	"escrow-service/pkg/logger"
)

var (
	ErrDeliverableNotFound = errors.New("deliverable not found")
	ErrAlreadyReviewed     = errors.New("deliverable already reviewed")
	ErrEmptyReviewNotes    = errors.New("revision request requires non-empty review notes")
	ErrMilestoneClosed     = errors.New("milestone already paid, no further submissions")
	ErrReviewPending       = errors.New("a deliverable for this milestone is already awaiting review")
)

type DeliverableRepository interface {
	Insert(ctx context.Context, d *model.Deliverable) error
	ByID(ctx context.Context, id string) (*model.Deliverable, error)
	LatestForMilestone(ctx context.Context, projectID string, index int) (*model.Deliverable, error)
	// MarkReviewed records the review verdict on a pending deliverable. The
	// row is immutable afterwards; resubmission means a new row.
	MarkReviewed(ctx context.Context, id string, status model.DeliverableStatus, notes string, reviewedAt time.Time) error
}

type MilestoneReader interface {
	Milestone(ctx context.Context, projectID string, index int) (*model.Milestone, error)
}

// EventPublisher delivers fire-and-forget signals for the notification
// collaborator. A publish failure is logged and swallowed: it must never
// block or roll back a review decision.
type EventPublisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// Workflow is the per-deliverable approve/revise state machine.
type Workflow struct {
	deliverables DeliverableRepository
	milestones   MilestoneReader
	tracker      *milestone.Tracker
	publisher    EventPublisher
	logger       *zap.Logger
}

func NewWorkflow(
	deliverables DeliverableRepository,
	milestones MilestoneReader,
	tracker *milestone.Tracker,
	publisher EventPublisher,
	log *zap.Logger,
) *Workflow {
	return &Workflow{
		deliverables: deliverables,
		milestones:   milestones,
		tracker:      tracker,
		publisher:    publisher,
		logger:       log,
	}
}

// Submit records a new work submission against a milestone. A resubmission
// after a revision request creates a new row, preserving the audit history.
func (w *Workflow) Submit(ctx context.Context, projectID string, index int, payload string) (*model.Deliverable, error) {
	ms, err := w.milestones.Milestone(ctx, projectID, index)
	if err != nil {
		return nil, err
	}
	if ms.Status == model.MilestonePaid {
		return nil, fmt.Errorf("%w: milestone %d", ErrMilestoneClosed, index)
	}

	latest, err := w.deliverables.LatestForMilestone(ctx, projectID, index)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.Status == model.DeliverablePending {
		return nil, ErrReviewPending
	}

	d := &model.Deliverable{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		MilestoneIndex: index,
		Status:         model.DeliverablePending,
		Payload:        payload,
		SubmittedAt:    time.Now().UTC(),
	}
	if err := w.deliverables.Insert(ctx, d); err != nil {
		return nil, err
	}

	if ms.Status == model.MilestonePending {
		if err := w.tracker.MarkInProgress(ctx, projectID, index); err != nil {
			return nil, err
		}
	}

	logger.WithTrace(ctx, w.logger).Info("deliverable submitted",
		zap.String("deliverable_id", d.ID),
		zap.String("project_id", projectID),
		zap.Int("milestone_index", index),
	)
	return d, nil
}

// Approve is terminal for the deliverable and signals the tracker to mark the
// milestone completed.
func (w *Workflow) Approve(ctx context.Context, deliverableID string) error {
	d, err := w.pendingDeliverable(ctx, deliverableID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := w.deliverables.MarkReviewed(ctx, d.ID, model.DeliverableApproved, "", now); err != nil {
		return err
	}

	if err := w.tracker.MarkCompleted(ctx, d.ProjectID, d.MilestoneIndex); err != nil {
		return err
	}

	w.publish(ctx, mq.RoutingKeyMilestoneCompleted, mq.MilestoneCompletedPayload{
		ProjectID:      d.ProjectID,
		MilestoneIndex: d.MilestoneIndex,
		DeliverableID:  d.ID,
		CompletedAt:    now,
	})
	return nil
}

// RequestRevision sends the deliverable back to the consultant. An empty
// reason is rejected: the consultant must know what to fix.
func (w *Workflow) RequestRevision(ctx context.Context, deliverableID, notes string) error {
	if strings.TrimSpace(notes) == "" {
		return ErrEmptyReviewNotes
	}

	d, err := w.pendingDeliverable(ctx, deliverableID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := w.deliverables.MarkReviewed(ctx, d.ID, model.DeliverableRevisionRequested, notes, now); err != nil {
		return err
	}

	w.publish(ctx, mq.RoutingKeyRevisionRequested, mq.RevisionRequestedPayload{
		DeliverableID:  d.ID,
		ProjectID:      d.ProjectID,
		MilestoneIndex: d.MilestoneIndex,
		ReviewNotes:    notes,
		RequestedAt:    now,
	})
	return nil
}

func (w *Workflow) pendingDeliverable(ctx context.Context, id string) (*model.Deliverable, error) {
	d, err := w.deliverables.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, ErrDeliverableNotFound
	}
	if d.Reviewed() {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyReviewed, id, d.Status)
	}
	return d, nil
}

func (w *Workflow) publish(ctx context.Context, routingKey string, payload any) {
	if err := w.publisher.PublishWithContext(ctx, routingKey, payload); err != nil {
		logger.WithTrace(ctx, w.logger).Error("failed to publish review event",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
	}
}
