package mq

import (
	"time"

	"escrow-service/internal/money"
)

// Routing keys on the "events" topic exchange. Delivery is at-least-once via
// the outbox dispatcher; consumers dedupe on the ids inside each payload.
const (
	RoutingKeyMilestoneCompleted = "milestone.completed"
	RoutingKeyPaymentReleased    = "payment.released"
	RoutingKeyRefundProcessed    = "refund.processed"
	RoutingKeyRevisionRequested  = "deliverable.revision_requested"
)

type MilestoneCompletedPayload struct {
	ProjectID      string    `json:"project_id"`
	MilestoneIndex int       `json:"milestone_index"`
	DeliverableID  string    `json:"deliverable_id"`
	CompletedAt    time.Time `json:"completed_at"`
}

type PaymentReleasedPayload struct {
	TransactionID  string      `json:"transaction_id"`
	ProjectID      string      `json:"project_id"`
	MilestoneIndex int         `json:"milestone_index"`
	Amount         money.Money `json:"amount"`
	ReleasedAt     time.Time   `json:"released_at"`
}

type RefundProcessedPayload struct {
	TransactionID  string      `json:"transaction_id"`
	ProjectID      string      `json:"project_id"`
	MilestoneIndex *int        `json:"milestone_index,omitempty"`
	Amount         money.Money `json:"amount"`
	ProcessedAt    time.Time   `json:"processed_at"`
}

type RevisionRequestedPayload struct {
	DeliverableID  string    `json:"deliverable_id"`
	ProjectID      string    `json:"project_id"`
	MilestoneIndex int       `json:"milestone_index"`
	ReviewNotes    string    `json:"review_notes"`
	RequestedAt    time.Time `json:"requested_at"`
}
