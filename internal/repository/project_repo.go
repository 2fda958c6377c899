package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrow-service/internal/model"
	"escrow-service/internal/money"
)

type ProjectRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewProjectRepository(db *pgxpool.Pool, logger *zap.Logger) *ProjectRepository {
	return &ProjectRepository{
		db:     db,
		logger: logger,
	}
}

// Insert registers an awarded project. A duplicate id is a no-op so a
// replayed bid-awarded delivery does not fail before reaching the engine's
// own idempotency handling.
func (r *ProjectRepository) Insert(ctx context.Context, p *model.Project) error {
	query := `
        INSERT INTO projects (id, client_id, consultant_id, total_budget, currency, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $7)
        ON CONFLICT (id) DO NOTHING
    `
	_, err := r.db.Exec(ctx, query,
		p.ID,
		p.ClientID,
		p.ConsultantID,
		p.TotalBudget.Amount.String(),
		p.TotalBudget.Currency,
		string(p.Status),
		p.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to insert project", zap.String("project_id", p.ID), zap.Error(err))
		return err
	}

	r.logger.Info("Project registered",
		zap.String("project_id", p.ID),
		zap.String("total_budget", p.TotalBudget.String()),
	)
	return nil
}

func (r *ProjectRepository) ByID(ctx context.Context, id string) (*model.Project, error) {
	query := `
        SELECT id, client_id, consultant_id, total_budget::text, currency, status, funded_at, created_at, updated_at
        FROM projects
        WHERE id = $1
    `
	return scanProject(r.db.QueryRow(ctx, query, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*model.Project, error) {
	var (
		p        model.Project
		budget   string
		currency string
		status   string
		fundedAt *time.Time
	)
	err := row.Scan(
		&p.ID,
		&p.ClientID,
		&p.ConsultantID,
		&budget,
		&currency,
		&status,
		&fundedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}

	amount, err := decimal.NewFromString(budget)
	if err != nil {
		return nil, fmt.Errorf("corrupt budget value %q: %w", budget, err)
	}
	p.TotalBudget = money.New(amount, currency)

	p.Status, err = model.ParseProjectStatus(status)
	if err != nil {
		return nil, err
	}
	p.FundedAt = fundedAt

	return &p, nil
}
