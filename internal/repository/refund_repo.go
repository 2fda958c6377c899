package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrow-service/internal/model"
	"escrow-service/internal/money"
)

const refundRequestColumns = `id, user_id, project_id, milestone_index, amount::text, currency, reason, status, COALESCE(admin_notes, ''), processed_at, created_at`

type RefundRequestRepository struct {
	db *pgxpool.Pool
}

func NewRefundRequestRepository(db *pgxpool.Pool) *RefundRequestRepository {
	return &RefundRequestRepository{db: db}
}

func (r *RefundRequestRepository) Insert(ctx context.Context, req *model.RefundRequest) error {
	query := `
        INSERT INTO refund_requests (id, user_id, project_id, milestone_index, amount, currency, reason, status, created_at)
        VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9)
    `
	_, err := r.db.Exec(ctx, query,
		req.ID,
		req.UserID,
		req.ProjectID,
		req.MilestoneIndex,
		req.Amount.Amount.String(),
		req.Amount.Currency,
		req.Reason,
		string(req.Status),
		req.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refund request: %w", err)
	}
	return nil
}

func (r *RefundRequestRepository) ByID(ctx context.Context, id string) (*model.RefundRequest, error) {
	query := `
        SELECT ` + refundRequestColumns + `
        FROM refund_requests
        WHERE id = $1
    `
	return scanRefundRequest(r.db.QueryRow(ctx, query, id))
}

func (r *RefundRequestRepository) ListByStatus(ctx context.Context, status model.RefundRequestStatus, limit int) ([]model.RefundRequest, error) {
	query := `
        SELECT ` + refundRequestColumns + `
        FROM refund_requests
        WHERE status = $1
        ORDER BY created_at ASC
        LIMIT $2
    `
	rows, err := r.db.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []model.RefundRequest
	for rows.Next() {
		req, err := scanRefundRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// UpdateDecision records an admin decision. The status guard keeps decisions
// single-shot at the database level even if two admins race.
func (r *RefundRequestRepository) UpdateDecision(ctx context.Context, id string, status model.RefundRequestStatus, notes string, processedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE refund_requests
        SET status = $2, admin_notes = NULLIF($3, ''), processed_at = $4
        WHERE id = $1 AND status = 'pending'
    `, id, string(status), notes, processedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("refund request %s is not pending", id)
	}
	return nil
}

func scanRefundRequest(row rowScanner) (*model.RefundRequest, error) {
	var (
		req       model.RefundRequest
		amountStr string
		currency  string
	)
	err := row.Scan(
		&req.ID,
		&req.UserID,
		&req.ProjectID,
		&req.MilestoneIndex,
		&amountStr,
		&currency,
		&req.Reason,
		&req.Status,
		&req.AdminNotes,
		&req.ProcessedAt,
		&req.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse refund amount %q: %w", amountStr, err)
	}
	req.Amount = money.Money{Amount: amount, Currency: currency}
	return &req, nil
}
