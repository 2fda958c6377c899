package model

import (
	"fmt"
	"time"

	"escrow-service/internal/money"
)

type RefundRequestStatus string

const (
	RefundRequestPending  RefundRequestStatus = "pending"
	RefundRequestApproved RefundRequestStatus = "approved"
	RefundRequestRejected RefundRequestStatus = "rejected"
)

func ParseRefundRequestStatus(s string) (RefundRequestStatus, error) {
	switch normalizeStatus(s) {
	case "pending":
		return RefundRequestPending, nil
	case "approved":
		return RefundRequestApproved, nil
	case "rejected":
		return RefundRequestRejected, nil
	}
	return "", fmt.Errorf("unknown refund request status %q", s)
}

// RefundRequest is a user-filed claim against held funds. Approval only
// succeeds if the settlement engine accepts the refund; an engine rejection
// leaves the request pending for a different remediation.
type RefundRequest struct {
	ID             string              `json:"id"`
	UserID         string              `json:"user_id"`
	ProjectID      string              `json:"project_id"`
	MilestoneIndex *int                `json:"milestone_index,omitempty"`
	Amount         money.Money         `json:"amount"`
	Reason         string              `json:"reason"`
	Status         RefundRequestStatus `json:"status"`
	AdminNotes     string              `json:"admin_notes,omitempty"`
	ProcessedAt    *time.Time          `json:"processed_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}
