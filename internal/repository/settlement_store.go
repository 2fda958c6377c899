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
	"escrow-service/internal/mq"
	"escrow-service/internal/service/settlement"
	"escrow-service/pkg/outbox"
)

// SettlementStore backs the settlement engine with Postgres. Per-project
// serialization is a row lock: every mutating scope opens a transaction and
// takes SELECT ... FOR UPDATE on the project row, so the engine's
// check-then-write is atomic and concurrent release/refund on the same
// project queue up. Different projects never contend.
type SettlementStore struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
	ledger *LedgerRepository
	logger *zap.Logger
}

func NewSettlementStore(db *pgxpool.Pool, outboxRepo *outbox.Repository, ledger *LedgerRepository, logger *zap.Logger) *SettlementStore {
	return &SettlementStore{
		db:     db,
		outbox: outboxRepo,
		ledger: ledger,
		logger: logger,
	}
}

func (s *SettlementStore) ExecSerialized(ctx context.Context, projectID string, fn func(ops settlement.Ops) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin settlement tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM projects WHERE id = $1 FOR UPDATE`, projectID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return settlement.ErrProjectNotFound
		}
		return fmt.Errorf("failed to lock project %s: %w", projectID, err)
	}

	ops := &txOps{
		tx:        tx,
		projectID: projectID,
		outbox:    s.outbox,
	}
	if err := fn(ops); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit settlement tx: %w", err)
	}
	return nil
}

func (s *SettlementStore) ProjectByID(ctx context.Context, projectID string) (*model.Project, error) {
	query := `
        SELECT id, client_id, consultant_id, total_budget::text, currency, status, funded_at, created_at, updated_at
        FROM projects
        WHERE id = $1
    `
	p, err := scanProject(s.db.QueryRow(ctx, query, projectID))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, settlement.ErrProjectNotFound
	}
	return p, nil
}

func (s *SettlementStore) TransactionsByProject(ctx context.Context, projectID string) ([]model.EscrowTransaction, error) {
	return s.ledger.TransactionsByProject(ctx, projectID)
}

// txOps is the settlement state inside one locked transaction.
type txOps struct {
	tx        pgx.Tx
	projectID string
	outbox    *outbox.Repository
}

func (o *txOps) Project(ctx context.Context) (*model.Project, error) {
	query := `
        SELECT id, client_id, consultant_id, total_budget::text, currency, status, funded_at, created_at, updated_at
        FROM projects
        WHERE id = $1
    `
	p, err := scanProject(o.tx.QueryRow(ctx, query, o.projectID))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, settlement.ErrProjectNotFound
	}
	return p, nil
}

func (o *txOps) MarkProjectFunded(ctx context.Context, at time.Time) error {
	_, err := o.tx.Exec(ctx, `
        UPDATE projects SET funded_at = $2, updated_at = NOW() WHERE id = $1
    `, o.projectID, at)
	return err
}

func (o *txOps) SetProjectStatus(ctx context.Context, status model.ProjectStatus) error {
	_, err := o.tx.Exec(ctx, `
        UPDATE projects SET status = $2, updated_at = NOW() WHERE id = $1
    `, o.projectID, string(status))
	return err
}

func (o *txOps) Milestones(ctx context.Context) ([]model.Milestone, error) {
	query := `
        SELECT ` + milestoneColumns + `
        FROM milestones
        WHERE project_id = $1
        ORDER BY sequence_index ASC
    `
	rows, err := o.tx.Query(ctx, query, o.projectID)
	if err != nil {
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

func (o *txOps) Milestone(ctx context.Context, index int) (*model.Milestone, error) {
	query := `
        SELECT ` + milestoneColumns + `
        FROM milestones
        WHERE project_id = $1 AND sequence_index = $2
    `
	m, err := scanMilestone(o.tx.QueryRow(ctx, query, o.projectID, index))
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, settlement.ErrMilestoneNotFound
	}
	return m, nil
}

func (o *txOps) InsertMilestones(ctx context.Context, milestones []model.Milestone) error {
	query := `
        INSERT INTO milestones (project_id, sequence_index, title, amount, currency, status, progress_percent, created_at, updated_at)
        VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $8)
    `
	for _, m := range milestones {
		_, err := o.tx.Exec(ctx, query,
			m.ProjectID,
			m.SequenceIndex,
			m.Title,
			m.Amount.Amount.String(),
			m.Amount.Currency,
			string(m.Status),
			m.ProgressPercent,
			m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert milestone %d: %w", m.SequenceIndex, err)
		}
	}
	return nil
}

func (o *txOps) SetMilestoneStatus(ctx context.Context, index int, status model.MilestoneStatus) error {
	tag, err := o.tx.Exec(ctx, `
        UPDATE milestones SET status = $3, updated_at = NOW()
        WHERE project_id = $1 AND sequence_index = $2
    `, o.projectID, index, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return settlement.ErrMilestoneNotFound
	}
	return nil
}

func (o *txOps) LatestDeliverable(ctx context.Context, index int) (*model.Deliverable, error) {
	query := `
        SELECT ` + deliverableColumns + `
        FROM deliverables
        WHERE project_id = $1 AND milestone_index = $2
        ORDER BY submitted_at DESC
        LIMIT 1
    `
	return scanDeliverable(o.tx.QueryRow(ctx, query, o.projectID, index))
}

func (o *txOps) Transactions(ctx context.Context) ([]model.EscrowTransaction, error) {
	query := `
        SELECT ` + transactionColumns + `
        FROM escrow_transactions
        WHERE project_id = $1
        ORDER BY created_at ASC, id ASC
    `
	rows, err := o.tx.Query(ctx, query, o.projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (o *txOps) TransactionByKey(ctx context.Context, key string) (*model.EscrowTransaction, error) {
	query := `
        SELECT ` + transactionColumns + `
        FROM escrow_transactions
        WHERE idempotency_key = $1
    `
	return scanTransaction(o.tx.QueryRow(ctx, query, key))
}

// AppendTransaction writes one immutable ledger entry. The unique
// idempotency_key index is the last line of defense: under the project lock
// a conflict means a replay the engine should have caught, and the insert
// fails rather than double-applying.
func (o *txOps) AppendTransaction(ctx context.Context, tx *model.EscrowTransaction) error {
	query := `
        INSERT INTO escrow_transactions (id, project_id, milestone_index, kind, amount, currency, idempotency_key, created_at)
        VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)
    `
	_, err := o.tx.Exec(ctx, query,
		tx.ID,
		tx.ProjectID,
		tx.MilestoneIndex,
		string(tx.Kind),
		tx.Amount.Amount.String(),
		tx.Amount.Currency,
		tx.IdempotencyKey,
		tx.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append %s transaction: %w", tx.Kind, err)
	}
	return nil
}

func (o *txOps) EnqueueEvent(ctx context.Context, routingKey string, payload any) error {
	return outbox.InsertEventInTx(ctx, o.tx, o.outbox, aggregateTypeForRoutingKey(routingKey), o.projectID, routingKey, payload)
}

func aggregateTypeForRoutingKey(routingKey string) string {
	switch routingKey {
	case mq.RoutingKeyPaymentReleased, mq.RoutingKeyRefundProcessed:
		return "escrow_transaction"
	default:
		return "project"
	}
}
