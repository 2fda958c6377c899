package model

import (
	"fmt"
	"time"
)

type DeliverableStatus string

const (
	DeliverablePending           DeliverableStatus = "pending"
	DeliverableApproved          DeliverableStatus = "approved"
	DeliverableRevisionRequested DeliverableStatus = "revision_requested"
)

func ParseDeliverableStatus(s string) (DeliverableStatus, error) {
	switch normalizeStatus(s) {
	case "pending":
		return DeliverablePending, nil
	case "approved":
		return DeliverableApproved, nil
	case "revision_requested":
		return DeliverableRevisionRequested, nil
	}
	return "", fmt.Errorf("unknown deliverable status %q", s)
}

// Deliverable is a work submission reviewed against a milestone. Reviewed
// deliverables are never mutated; a resubmission after a revision request
// creates a new row referencing the same milestone, preserving history.
type Deliverable struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id"`
	MilestoneIndex int               `json:"milestone_index"`
	Status         DeliverableStatus `json:"status"`
	Payload        string            `json:"payload"`
	ReviewNotes    string            `json:"review_notes,omitempty"`
	SubmittedAt    time.Time         `json:"submitted_at"`
	ReviewedAt     *time.Time        `json:"reviewed_at,omitempty"`
}

func (d *Deliverable) Reviewed() bool {
	return d.Status != DeliverablePending
}
