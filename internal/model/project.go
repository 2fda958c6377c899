package model

import (
	"fmt"
	"strings"
	"time"

	"escrow-service/internal/money"
)

// ProjectStatus is the canonical project lifecycle enum. Incoming strings are
// normalized exactly once, at ParseProjectStatus; core logic never compares
// free-form status strings.
type ProjectStatus string

const (
	ProjectNotStarted     ProjectStatus = "not_started"
	ProjectInProgress     ProjectStatus = "in_progress"
	ProjectAwaitingReview ProjectStatus = "awaiting_review"
	ProjectCompleted      ProjectStatus = "completed"
	ProjectOnHold         ProjectStatus = "on_hold"
	ProjectCancelled      ProjectStatus = "cancelled"
)

// ParseProjectStatus is the single normalization boundary for project status
// values arriving from the edge (camelCase and mixed-case aliases included).
func ParseProjectStatus(s string) (ProjectStatus, error) {
	switch normalizeStatus(s) {
	case "not_started":
		return ProjectNotStarted, nil
	case "in_progress":
		return ProjectInProgress, nil
	case "awaiting_review":
		return ProjectAwaitingReview, nil
	case "completed":
		return ProjectCompleted, nil
	case "on_hold":
		return ProjectOnHold, nil
	case "cancelled", "canceled":
		return ProjectCancelled, nil
	}
	return "", fmt.Errorf("unknown project status %q", s)
}

// normalizeStatus folds camelCase aliases like "inProgress" into snake_case.
func normalizeStatus(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Project is one awarded engagement. TotalBudget is immutable once funded;
// the funded amount is a projection of the ledger, not an authority over it.
type Project struct {
	ID           string        `json:"id"`
	ClientID     string        `json:"client_id"`
	ConsultantID string        `json:"consultant_id"`
	TotalBudget  money.Money   `json:"total_budget"`
	Status       ProjectStatus `json:"status"`
	FundedAt     *time.Time    `json:"funded_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func (p *Project) Funded() bool {
	return p.FundedAt != nil
}
