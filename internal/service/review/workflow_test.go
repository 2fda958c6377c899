package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrow-service/internal/model"
	"escrow-service/internal/service/milestone"
)

type memDeliverables struct {
	rows []model.Deliverable
}

func (m *memDeliverables) Insert(_ context.Context, d *model.Deliverable) error {
	m.rows = append(m.rows, *d)
	return nil
}

func (m *memDeliverables) ByID(_ context.Context, id string) (*model.Deliverable, error) {
	for i := range m.rows {
		if m.rows[i].ID == id {
			cp := m.rows[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memDeliverables) LatestForMilestone(_ context.Context, projectID string, index int) (*model.Deliverable, error) {
	var latest *model.Deliverable
	for i := range m.rows {
		d := &m.rows[i]
		if d.ProjectID != projectID || d.MilestoneIndex != index {
			continue
		}
		if latest == nil || d.SubmittedAt.After(latest.SubmittedAt) {
			latest = d
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *memDeliverables) MarkReviewed(_ context.Context, id string, status model.DeliverableStatus, notes string, reviewedAt time.Time) error {
	for i := range m.rows {
		if m.rows[i].ID == id && m.rows[i].Status == model.DeliverablePending {
			m.rows[i].Status = status
			m.rows[i].ReviewNotes = notes
			t := reviewedAt
			m.rows[i].ReviewedAt = &t
			return nil
		}
	}
	return errors.New("deliverable not pending review")
}

type memMilestones struct {
	statuses map[int]model.MilestoneStatus
	progress map[int]int
}

func newMemMilestones(statuses ...model.MilestoneStatus) *memMilestones {
	m := &memMilestones{
		statuses: make(map[int]model.MilestoneStatus),
		progress: make(map[int]int),
	}
	for i, s := range statuses {
		m.statuses[i] = s
	}
	return m
}

func (m *memMilestones) Milestone(_ context.Context, projectID string, index int) (*model.Milestone, error) {
	s, ok := m.statuses[index]
	if !ok {
		return nil, errors.New("milestone not found")
	}
	return &model.Milestone{ProjectID: projectID, SequenceIndex: index, Status: s}, nil
}

func (m *memMilestones) SetStatus(_ context.Context, _ string, index int, status model.MilestoneStatus) error {
	m.statuses[index] = status
	return nil
}

func (m *memMilestones) SetProgress(_ context.Context, _ string, index int, percent int) error {
	m.progress[index] = percent
	return nil
}

type capturePublisher struct {
	routingKeys []string
	failWith    error
}

func (p *capturePublisher) PublishWithContext(_ context.Context, routingKey string, _ any) error {
	if p.failWith != nil {
		return p.failWith
	}
	p.routingKeys = append(p.routingKeys, routingKey)
	return nil
}

func newTestWorkflow(ms *memMilestones) (*Workflow, *memDeliverables, *capturePublisher) {
	deliverables := &memDeliverables{}
	publisher := &capturePublisher{}
	tracker := milestone.NewTracker(ms, zap.NewNop())
	w := NewWorkflow(deliverables, ms, tracker, publisher, zap.NewNop())
	return w, deliverables, publisher
}

func TestSubmit(t *testing.T) {
	t.Run("first submission moves the milestone in progress", func(t *testing.T) {
		ms := newMemMilestones(model.MilestonePending)
		w, _, _ := newTestWorkflow(ms)

		d, err := w.Submit(context.Background(), "p1", 0, "v1 archive")
		require.NoError(t, err)
		assert.Equal(t, model.DeliverablePending, d.Status)
		assert.NotEmpty(t, d.ID)
		assert.Equal(t, model.MilestoneInProgress, ms.statuses[0])
	})

	t.Run("second submission while one is pending is rejected", func(t *testing.T) {
		ms := newMemMilestones(model.MilestonePending)
		w, _, _ := newTestWorkflow(ms)

		_, err := w.Submit(context.Background(), "p1", 0, "v1")
		require.NoError(t, err)
		_, err = w.Submit(context.Background(), "p1", 0, "v2")
		assert.ErrorIs(t, err, ErrReviewPending)
	})

	t.Run("resubmission after revision request creates a new row", func(t *testing.T) {
		ms := newMemMilestones(model.MilestonePending)
		w, deliverables, _ := newTestWorkflow(ms)

		first, err := w.Submit(context.Background(), "p1", 0, "v1")
		require.NoError(t, err)
		require.NoError(t, w.RequestRevision(context.Background(), first.ID, "missing docs"))

		second, err := w.Submit(context.Background(), "p1", 0, "v2")
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, second.ID)
		assert.Len(t, deliverables.rows, 2)

		// history preserved: the first row still carries its verdict
		old, err := deliverables.ByID(context.Background(), first.ID)
		require.NoError(t, err)
		assert.Equal(t, model.DeliverableRevisionRequested, old.Status)
		assert.Equal(t, "missing docs", old.ReviewNotes)
	})

	t.Run("paid milestone accepts no submissions", func(t *testing.T) {
		ms := newMemMilestones(model.MilestonePaid)
		w, _, _ := newTestWorkflow(ms)

		_, err := w.Submit(context.Background(), "p1", 0, "late work")
		assert.ErrorIs(t, err, ErrMilestoneClosed)
	})
}

func TestApprove(t *testing.T) {
	t.Run("approval is terminal and completes the milestone", func(t *testing.T) {
		ms := newMemMilestones(model.MilestonePending)
		w, deliverables, publisher := newTestWorkflow(ms)

		d, err := w.Submit(context.Background(), "p1", 0, "v1")
		require.NoError(t, err)
		require.NoError(t, w.Approve(context.Background(), d.ID))

		got, err := deliverables.ByID(context.Background(), d.ID)
		require.NoError(t, err)
		assert.Equal(t, model.DeliverableApproved, got.Status)
		assert.NotNil(t, got.ReviewedAt)
		assert.Equal(t, model.MilestoneCompleted, ms.statuses[0])
		assert.Contains(t, publisher.routingKeys, "milestone.completed")
	})

	t.Run("reviewed deliverable cannot be decided again", func(t *testing.T) {
		ms := newMemMilestones(model.MilestonePending)
		w, _, _ := newTestWorkflow(ms)

		d, err := w.Submit(context.Background(), "p1", 0, "v1")
		require.NoError(t, err)
		require.NoError(t, w.Approve(context.Background(), d.ID))

		assert.ErrorIs(t, w.Approve(context.Background(), d.ID), ErrAlreadyReviewed)
		assert.ErrorIs(t, w.RequestRevision(context.Background(), d.ID, "too late"), ErrAlreadyReviewed)
	})

	t.Run("unknown deliverable", func(t *testing.T) {
		ms := newMemMilestones(model.MilestonePending)
		w, _, _ := newTestWorkflow(ms)
		assert.ErrorIs(t, w.Approve(context.Background(), "ghost"), ErrDeliverableNotFound)
	})

	t.Run("publish failure does not block the decision", func(t *testing.T) {
		ms := newMemMilestones(model.MilestonePending)
		w, deliverables, publisher := newTestWorkflow(ms)
		publisher.failWith = errors.New("broker down")

		d, err := w.Submit(context.Background(), "p1", 0, "v1")
		require.NoError(t, err)
		require.NoError(t, w.Approve(context.Background(), d.ID))

		got, err := deliverables.ByID(context.Background(), d.ID)
		require.NoError(t, err)
		assert.Equal(t, model.DeliverableApproved, got.Status)
	})
}

func TestRequestRevision(t *testing.T) {
	t.Run("requires non-empty notes", func(t *testing.T) {
		ms := newMemMilestones(model.MilestonePending)
		w, _, _ := newTestWorkflow(ms)

		d, err := w.Submit(context.Background(), "p1", 0, "v1")
		require.NoError(t, err)
		assert.ErrorIs(t, w.RequestRevision(context.Background(), d.ID, "   "), ErrEmptyReviewNotes)
	})

	t.Run("records notes and keeps the milestone open", func(t *testing.T) {
		ms := newMemMilestones(model.MilestonePending)
		w, deliverables, publisher := newTestWorkflow(ms)

		d, err := w.Submit(context.Background(), "p1", 0, "v1")
		require.NoError(t, err)
		require.NoError(t, w.RequestRevision(context.Background(), d.ID, "wrong format"))

		got, err := deliverables.ByID(context.Background(), d.ID)
		require.NoError(t, err)
		assert.Equal(t, model.DeliverableRevisionRequested, got.Status)
		assert.Equal(t, "wrong format", got.ReviewNotes)
		assert.Equal(t, model.MilestoneInProgress, ms.statuses[0])
		assert.Contains(t, publisher.routingKeys, "deliverable.revision_requested")
	})
}
