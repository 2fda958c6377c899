package model

import (
	"fmt"
	"time"

	"escrow-service/internal/money"
)

type TransactionKind string

const (
	TxHold    TransactionKind = "hold"
	TxRelease TransactionKind = "release"
	TxRefund  TransactionKind = "refund"
)

func ParseTransactionKind(s string) (TransactionKind, error) {
	switch normalizeStatus(s) {
	case "hold":
		return TxHold, nil
	case "release":
		return TxRelease, nil
	case "refund":
		return TxRefund, nil
	}
	return "", fmt.Errorf("unknown transaction kind %q", s)
}

// EscrowTransaction is an immutable ledger entry. MilestoneIndex is nil for
// whole-project operations. The idempotency key carries a unique index; a
// replayed write surfaces as a key conflict, never as a second entry.
type EscrowTransaction struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	MilestoneIndex *int            `json:"milestone_index,omitempty"`
	Kind           TransactionKind `json:"kind"`
	Amount         money.Money     `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
}

// EscrowBalance is the fold of a project's transaction log:
// held == sum(hold) - sum(release) - sum(refund), and held is never negative.
type EscrowBalance struct {
	Held     money.Money `json:"held"`
	Released money.Money `json:"released"`
	Refunded money.Money `json:"refunded"`
}

// FoldBalance reconstructs the balance from a transaction log. It is the
// ground-truth computation every cached projection must agree with.
func FoldBalance(currency string, txs []EscrowTransaction) EscrowBalance {
	b := EscrowBalance{
		Held:     money.Zero(currency),
		Released: money.Zero(currency),
		Refunded: money.Zero(currency),
	}
	for _, tx := range txs {
		switch tx.Kind {
		case TxHold:
			b.Held = b.Held.Add(tx.Amount)
		case TxRelease:
			b.Held = b.Held.Sub(tx.Amount)
			b.Released = b.Released.Add(tx.Amount)
		case TxRefund:
			b.Held = b.Held.Sub(tx.Amount)
			b.Refunded = b.Refunded.Add(tx.Amount)
		}
	}
	return b
}

// HeldForMilestone folds only the entries scoped to one milestone.
func HeldForMilestone(currency string, txs []EscrowTransaction, index int) money.Money {
	held := money.Zero(currency)
	for _, tx := range txs {
		if tx.MilestoneIndex == nil || *tx.MilestoneIndex != index {
			continue
		}
		switch tx.Kind {
		case TxHold:
			held = held.Add(tx.Amount)
		case TxRelease, TxRefund:
			held = held.Sub(tx.Amount)
		}
	}
	return held
}
