package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"escrow-service/internal/model"
)

type DeliverableRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewDeliverableRepository(db *pgxpool.Pool, logger *zap.Logger) *DeliverableRepository {
	return &DeliverableRepository{
		db:     db,
		logger: logger,
	}
}

const deliverableColumns = `id, project_id, milestone_index, status, payload, COALESCE(review_notes, ''), submitted_at, reviewed_at`

func (r *DeliverableRepository) Insert(ctx context.Context, d *model.Deliverable) error {
	query := `
        INSERT INTO deliverables (id, project_id, milestone_index, status, payload, submitted_at)
        VALUES ($1, $2, $3, $4, $5, $6)
    `
	_, err := r.db.Exec(ctx, query,
		d.ID,
		d.ProjectID,
		d.MilestoneIndex,
		string(d.Status),
		d.Payload,
		d.SubmittedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert deliverable",
			zap.String("deliverable_id", d.ID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (r *DeliverableRepository) ByID(ctx context.Context, id string) (*model.Deliverable, error) {
	query := `
        SELECT ` + deliverableColumns + `
        FROM deliverables
        WHERE id = $1
    `
	return scanDeliverable(r.db.QueryRow(ctx, query, id))
}

func (r *DeliverableRepository) LatestForMilestone(ctx context.Context, projectID string, index int) (*model.Deliverable, error) {
	query := `
        SELECT ` + deliverableColumns + `
        FROM deliverables
        WHERE project_id = $1 AND milestone_index = $2
        ORDER BY submitted_at DESC
        LIMIT 1
    `
	return scanDeliverable(r.db.QueryRow(ctx, query, projectID, index))
}

func (r *DeliverableRepository) ListForMilestone(ctx context.Context, projectID string, index int) ([]model.Deliverable, error) {
	query := `
        SELECT ` + deliverableColumns + `
        FROM deliverables
        WHERE project_id = $1 AND milestone_index = $2
        ORDER BY submitted_at ASC
    `
	rows, err := r.db.Query(ctx, query, projectID, index)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliverables []model.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, err
		}
		deliverables = append(deliverables, *d)
	}
	return deliverables, rows.Err()
}

// MarkReviewed records a verdict. The status guard in the WHERE clause is the
// database-level immutability check: a reviewed row is never re-reviewed.
func (r *DeliverableRepository) MarkReviewed(ctx context.Context, id string, status model.DeliverableStatus, notes string, reviewedAt time.Time) error {
	query := `
        UPDATE deliverables
        SET status = $2, review_notes = NULLIF($3, ''), reviewed_at = $4
        WHERE id = $1 AND status = 'pending'
    `
	tag, err := r.db.Exec(ctx, query, id, string(status), notes, reviewedAt)
	if err != nil {
		r.logger.Error("Failed to mark deliverable reviewed",
			zap.String("deliverable_id", id),
			zap.Error(err),
		)
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deliverable %s is not pending review", id)
	}
	return nil
}

func scanDeliverable(row rowScanner) (*model.Deliverable, error) {
	var (
		d      model.Deliverable
		status string
	)
	err := row.Scan(
		&d.ID,
		&d.ProjectID,
		&d.MilestoneIndex,
		&status,
		&d.Payload,
		&d.ReviewNotes,
		&d.SubmittedAt,
		&d.ReviewedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan deliverable: %w", err)
	}

	d.Status, err = model.ParseDeliverableStatus(status)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
