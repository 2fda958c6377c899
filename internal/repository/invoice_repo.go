package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"escrow-service/internal/model"
	"escrow-service/internal/money"
)

const invoiceColumns = `id, transaction_id, project_id, milestone_index, amount::text, currency, issue_date, due_date, status, created_at`

type InvoiceRepository struct {
	db *pgxpool.Pool
}

func NewInvoiceRepository(db *pgxpool.Pool) *InvoiceRepository {
	return &InvoiceRepository{db: db}
}

func (r *InvoiceRepository) Insert(ctx context.Context, inv *model.Invoice) error {
	query := `
        INSERT INTO invoices (id, transaction_id, project_id, milestone_index, amount, currency, issue_date, due_date, status, created_at)
        VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)
    `
	_, err := r.db.Exec(ctx, query,
		inv.ID,
		inv.TransactionID,
		inv.ProjectID,
		inv.MilestoneIndex,
		inv.Amount.Amount.String(),
		inv.Amount.Currency,
		inv.IssueDate,
		inv.DueDate,
		inv.Status,
		inv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert invoice: %w", err)
	}
	return nil
}

func (r *InvoiceRepository) ExistsForTransaction(ctx context.Context, transactionID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
        SELECT EXISTS (SELECT 1 FROM invoices WHERE transaction_id = $1)
    `, transactionID).Scan(&exists)
	return exists, err
}

func (r *InvoiceRepository) ListByProject(ctx context.Context, projectID string) ([]model.Invoice, error) {
	query := `
        SELECT ` + invoiceColumns + `
        FROM invoices
        WHERE project_id = $1
        ORDER BY issue_date ASC, created_at ASC
    `
	rows, err := r.db.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

func scanInvoice(row rowScanner) (*model.Invoice, error) {
	var (
		inv       model.Invoice
		amountStr string
		currency  string
	)
	err := row.Scan(
		&inv.ID,
		&inv.TransactionID,
		&inv.ProjectID,
		&inv.MilestoneIndex,
		&amountStr,
		&currency,
		&inv.IssueDate,
		&inv.DueDate,
		&inv.Status,
		&inv.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse invoice amount %q: %w", amountStr, err)
	}
	inv.Amount = money.Money{Amount: amount, Currency: currency}
	return &inv, nil
}
