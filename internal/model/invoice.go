package model

import (
	"time"

	"escrow-service/internal/money"
)

// Invoice is a downstream billing record derived from a release transaction.
// It is never authoritative over escrow balances: TransactionID carries a
// unique index so at-least-once generation stays idempotent.
type Invoice struct {
	ID             string      `json:"id"`
	TransactionID  string      `json:"transaction_id"`
	ProjectID      string      `json:"project_id"`
	MilestoneIndex int         `json:"milestone_index"`
	Amount         money.Money `json:"amount"`
	IssueDate      time.Time   `json:"issue_date"`
	DueDate        time.Time   `json:"due_date"`
	Status         string      `json:"status"` // always "paid": release implies payment
	CreatedAt      time.Time   `json:"created_at"`
}
