package model

import (
	"fmt"
	"time"

	"escrow-service/internal/money"
)

type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneCompleted  MilestoneStatus = "completed"
	MilestonePaid       MilestoneStatus = "paid"
)

func ParseMilestoneStatus(s string) (MilestoneStatus, error) {
	switch normalizeStatus(s) {
	case "pending":
		return MilestonePending, nil
	case "in_progress":
		return MilestoneInProgress, nil
	case "completed":
		return MilestoneCompleted, nil
	case "paid":
		return MilestonePaid, nil
	}
	return "", fmt.Errorf("unknown milestone status %q", s)
}

// Milestone is an ordered sub-unit of a project. SequenceIndex is unique per
// project and drives display ordering only; release order is gated by each
// milestone's own preconditions, not by sequence.
type Milestone struct {
	ProjectID       string          `json:"project_id"`
	SequenceIndex   int             `json:"sequence_index"`
	Title           string          `json:"title"`
	Amount          money.Money     `json:"amount"`
	Status          MilestoneStatus `json:"status"`
	ProgressPercent int             `json:"progress_percent"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CanTransitionTo enforces the milestone state machine. "paid" is reachable
// only from "completed" and is terminal; reopening a completed milestone back
// to in_progress is the explicit correction path.
func (m *Milestone) CanTransitionTo(next MilestoneStatus) bool {
	switch m.Status {
	case MilestonePending:
		return next == MilestoneInProgress
	case MilestoneInProgress:
		return next == MilestoneCompleted
	case MilestoneCompleted:
		return next == MilestonePaid || next == MilestoneInProgress
	case MilestonePaid:
		return false
	}
	return false
}
