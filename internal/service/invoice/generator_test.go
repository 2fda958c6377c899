package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrow-service/internal/model"
	"escrow-service/internal/money"
	"escrow-service/internal/mq"
)

type memInvoices struct {
	rows      []model.Invoice
	insertErr error
}

func (m *memInvoices) Insert(_ context.Context, inv *model.Invoice) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	for _, existing := range m.rows {
		if existing.TransactionID == inv.TransactionID {
			return errors.New("duplicate key value violates unique constraint \"invoices_transaction_id_key\"")
		}
	}
	m.rows = append(m.rows, *inv)
	return nil
}

func (m *memInvoices) ExistsForTransaction(_ context.Context, transactionID string) (bool, error) {
	for _, inv := range m.rows {
		if inv.TransactionID == transactionID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memInvoices) ListByProject(_ context.Context, projectID string) ([]model.Invoice, error) {
	var out []model.Invoice
	for _, inv := range m.rows {
		if inv.ProjectID == projectID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func releasedEvent(t *testing.T, txID string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(mq.PaymentReleasedPayload{
		TransactionID:  txID,
		ProjectID:      "p1",
		MilestoneIndex: 2,
		Amount:         money.New(decimal.RequireFromString("200.00"), "USD"),
		ReleasedAt:     time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return raw
}

func TestHandlePaymentReleased(t *testing.T) {
	t.Run("generates a paid invoice due immediately", func(t *testing.T) {
		repo := &memInvoices{}
		g := NewGenerator(repo, zap.NewNop())

		require.NoError(t, g.HandlePaymentReleased(context.Background(), releasedEvent(t, "tx-1")))
		require.Len(t, repo.rows, 1)

		inv := repo.rows[0]
		assert.Equal(t, "tx-1", inv.TransactionID)
		assert.Equal(t, "p1", inv.ProjectID)
		assert.Equal(t, 2, inv.MilestoneIndex)
		assert.Equal(t, "paid", inv.Status)
		assert.True(t, inv.Amount.Equal(money.New(decimal.RequireFromString("200.00"), "USD")))
		assert.Equal(t, inv.IssueDate, inv.DueDate)
	})

	t.Run("redelivery is a no-op", func(t *testing.T) {
		repo := &memInvoices{}
		g := NewGenerator(repo, zap.NewNop())

		require.NoError(t, g.HandlePaymentReleased(context.Background(), releasedEvent(t, "tx-1")))
		require.NoError(t, g.HandlePaymentReleased(context.Background(), releasedEvent(t, "tx-1")))
		assert.Len(t, repo.rows, 1)
	})

	t.Run("unique-constraint race is swallowed", func(t *testing.T) {
		repo := &memInvoices{
			insertErr: errors.New("duplicate key value violates unique constraint"),
		}
		g := NewGenerator(repo, zap.NewNop())

		assert.NoError(t, g.HandlePaymentReleased(context.Background(), releasedEvent(t, "tx-1")))
	})

	t.Run("other insert failures propagate for retry", func(t *testing.T) {
		repo := &memInvoices{insertErr: errors.New("connection refused")}
		g := NewGenerator(repo, zap.NewNop())

		assert.Error(t, g.HandlePaymentReleased(context.Background(), releasedEvent(t, "tx-1")))
	})

	t.Run("malformed payload errors out", func(t *testing.T) {
		g := NewGenerator(&memInvoices{}, zap.NewNop())
		assert.Error(t, g.HandlePaymentReleased(context.Background(), json.RawMessage(`{"amount":`)))
	})
}
