package milestone

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"escrow-service/internal/model"
	"escrow-service/pkg/logger"
)

var (
	ErrInvalidTransition = errors.New("invalid milestone transition")
	ErrMilestonePaid     = errors.New("milestone already paid")
	ErrInvalidProgress   = errors.New("progress percent must be within [0,100]")
)

// Repository is the milestone state the tracker owns. The paid transition is
// not here: it belongs to the settlement engine.
type Repository interface {
	Milestone(ctx context.Context, projectID string, index int) (*model.Milestone, error)
	SetStatus(ctx context.Context, projectID string, index int, status model.MilestoneStatus) error
	SetProgress(ctx context.Context, projectID string, index int, percent int) error
}

// Tracker advances milestone status from deliverable events. Sequence order
// is informational only; each milestone moves on its own preconditions.
type Tracker struct {
	repo   Repository
	logger *zap.Logger
}

func NewTracker(repo Repository, log *zap.Logger) *Tracker {
	return &Tracker{repo: repo, logger: log}
}

// MarkInProgress moves a pending milestone to in_progress on its first
// deliverable submission. Already in_progress is a no-op so resubmissions
// stay cheap.
func (t *Tracker) MarkInProgress(ctx context.Context, projectID string, index int) error {
	m, err := t.repo.Milestone(ctx, projectID, index)
	if err != nil {
		return err
	}
	if m.Status == model.MilestoneInProgress {
		return nil
	}
	return t.transition(ctx, m, model.MilestoneInProgress)
}

// MarkCompleted moves an in_progress milestone to completed on deliverable
// approval.
func (t *Tracker) MarkCompleted(ctx context.Context, projectID string, index int) error {
	m, err := t.repo.Milestone(ctx, projectID, index)
	if err != nil {
		return err
	}
	return t.transition(ctx, m, model.MilestoneCompleted)
}

// Reopen is the explicit revision-after-approval correction path: completed
// back to in_progress. A paid milestone can never be reopened.
func (t *Tracker) Reopen(ctx context.Context, projectID string, index int) error {
	m, err := t.repo.Milestone(ctx, projectID, index)
	if err != nil {
		return err
	}
	if m.Status == model.MilestonePaid {
		return fmt.Errorf("%w: milestone %d", ErrMilestonePaid, index)
	}
	if m.Status != model.MilestoneCompleted {
		return fmt.Errorf("%w: reopen from %s", ErrInvalidTransition, m.Status)
	}
	return t.transition(ctx, m, model.MilestoneInProgress)
}

// SetProgress updates the display progress percent. No status effect.
func (t *Tracker) SetProgress(ctx context.Context, projectID string, index int, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("%w: got %d", ErrInvalidProgress, percent)
	}
	return t.repo.SetProgress(ctx, projectID, index, percent)
}

func (t *Tracker) transition(ctx context.Context, m *model.Milestone, next model.MilestoneStatus) error {
	if !m.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, next)
	}
	if err := t.repo.SetStatus(ctx, m.ProjectID, m.SequenceIndex, next); err != nil {
		return err
	}
	logger.WithTrace(ctx, t.logger).Info("milestone transitioned",
		zap.String("project_id", m.ProjectID),
		zap.Int("milestone_index", m.SequenceIndex),
		zap.String("from", string(m.Status)),
		zap.String("to", string(next)),
	)
	return nil
}
