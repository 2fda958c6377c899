package settlement

import (
	"time"

	"escrow-service/internal/money"
)

// MilestoneSpec is the funding-time breakdown supplied by the bid subsystem.
type MilestoneSpec struct {
	Title  string      `json:"title"`
	Amount money.Money `json:"amount"`
}

type FundingReceipt struct {
	ProjectID      string      `json:"project_id"`
	Total          money.Money `json:"total"`
	TransactionIDs []string    `json:"transaction_ids"`
	FundedAt       time.Time   `json:"funded_at"`
}

type ReleaseReceipt struct {
	TransactionID  string      `json:"transaction_id"`
	ProjectID      string      `json:"project_id"`
	MilestoneIndex int         `json:"milestone_index"`
	Amount         money.Money `json:"amount"`
	ReleasedAt     time.Time   `json:"released_at"`
}

type RefundReceipt struct {
	TransactionID  string      `json:"transaction_id"`
	ProjectID      string      `json:"project_id"`
	MilestoneIndex *int        `json:"milestone_index,omitempty"`
	Amount         money.Money `json:"amount"`
	RefundedAt     time.Time   `json:"refunded_at"`
}

// RefundScope targets either one milestone's held funds or the project's
// remaining held balance.
type RefundScope struct {
	MilestoneIndex *int
}

func MilestoneScope(index int) RefundScope {
	return RefundScope{MilestoneIndex: &index}
}

func RemainingHeldScope() RefundScope {
	return RefundScope{}
}
