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

// LedgerRepository reads the append-only escrow transaction log. All writes
// go through the settlement store's serialized scope; this repository is the
// lock-free read side.
type LedgerRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewLedgerRepository(db *pgxpool.Pool, logger *zap.Logger) *LedgerRepository {
	return &LedgerRepository{
		db:     db,
		logger: logger,
	}
}

const transactionColumns = `id, project_id, milestone_index, kind, amount::text, currency, idempotency_key, created_at`

func (r *LedgerRepository) TransactionsByProject(ctx context.Context, projectID string) ([]model.EscrowTransaction, error) {
	query := `
        SELECT ` + transactionColumns + `
        FROM escrow_transactions
        WHERE project_id = $1
        ORDER BY created_at ASC, id ASC
    `
	rows, err := r.db.Query(ctx, query, projectID)
	if err != nil {
		r.logger.Error("Failed to query escrow transactions", zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func scanTransactions(rows pgx.Rows) ([]model.EscrowTransaction, error) {
	var txs []model.EscrowTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	return txs, rows.Err()
}

func scanTransaction(row rowScanner) (*model.EscrowTransaction, error) {
	var (
		tx       model.EscrowTransaction
		amount   string
		currency string
		kind     string
	)
	err := row.Scan(
		&tx.ID,
		&tx.ProjectID,
		&tx.MilestoneIndex,
		&kind,
		&amount,
		&currency,
		&tx.IdempotencyKey,
		&tx.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan escrow transaction: %w", err)
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt transaction amount %q: %w", amount, err)
	}
	tx.Amount = money.New(d, currency)

	tx.Kind, err = model.ParseTransactionKind(kind)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}
