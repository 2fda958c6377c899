package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrow-service/internal/model"
	"escrow-service/internal/money"
)

type MilestoneRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewMilestoneRepository(db *pgxpool.Pool, logger *zap.Logger) *MilestoneRepository {
	return &MilestoneRepository{
		db:     db,
		logger: logger,
	}
}

const milestoneColumns = `project_id, sequence_index, title, amount::text, currency, status, progress_percent, created_at, updated_at`

func (r *MilestoneRepository) Milestone(ctx context.Context, projectID string, index int) (*model.Milestone, error) {
	query := `
        SELECT ` + milestoneColumns + `
        FROM milestones
        WHERE project_id = $1 AND sequence_index = $2
    `
	m, err := scanMilestone(r.db.QueryRow(ctx, query, projectID, index))
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("milestone %d of project %s not found", index, projectID)
	}
	return m, nil
}

func (r *MilestoneRepository) ListByProject(ctx context.Context, projectID string) ([]model.Milestone, error) {
	query := `
        SELECT ` + milestoneColumns + `
        FROM milestones
        WHERE project_id = $1
        ORDER BY sequence_index ASC
    `
	rows, err := r.db.Query(ctx, query, projectID)
	if err != nil {
		r.logger.Error("Failed to list milestones", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var milestones []model.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		milestones = append(milestones, *m)
	}
	return milestones, rows.Err()
}

func (r *MilestoneRepository) SetStatus(ctx context.Context, projectID string, index int, status model.MilestoneStatus) error {
	query := `
        UPDATE milestones
        SET status = $3, updated_at = NOW()
        WHERE project_id = $1 AND sequence_index = $2
    `
	tag, err := r.db.Exec(ctx, query, projectID, index, string(status))
	if err != nil {
		r.logger.Error("Failed to update milestone status",
			zap.String("project_id", projectID),
			zap.Int("sequence_index", index),
			zap.Error(err),
		)
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("milestone %d of project %s not found", index, projectID)
	}
	return nil
}

func (r *MilestoneRepository) SetProgress(ctx context.Context, projectID string, index int, percent int) error {
	query := `
        UPDATE milestones
        SET progress_percent = $3, updated_at = NOW()
        WHERE project_id = $1 AND sequence_index = $2
    `
	tag, err := r.db.Exec(ctx, query, projectID, index, percent)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("milestone %d of project %s not found", index, projectID)
	}
	return nil
}

func scanMilestone(row rowScanner) (*model.Milestone, error) {
	var (
		m        model.Milestone
		amount   string
		currency string
		status   string
	)
	err := row.Scan(
		&m.ProjectID,
		&m.SequenceIndex,
		&m.Title,
		&amount,
		&currency,
		&status,
		&m.ProgressPercent,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan milestone: %w", err)
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt milestone amount %q: %w", amount, err)
	}
	m.Amount = money.New(d, currency)

	m.Status, err = model.ParseMilestoneStatus(status)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
