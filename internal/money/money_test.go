package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "whole amount", input: "500"},
		{name: "two decimal places", input: "499.99"},
		{name: "zero", input: "0"},
		{name: "negative parses", input: "-10.50"},
		{name: "garbage", input: "12,00", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := FromString(tt.input, "USD")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "USD", m.Currency)
			assert.True(t, m.Amount.Equal(decimal.RequireFromString(tt.input)))
		})
	}
}

func TestArithmetic(t *testing.T) {
	a, _ := FromString("500.10", "USD")
	b, _ := FromString("300.05", "USD")

	assert.Equal(t, "800.15 USD", a.Add(b).String())
	assert.Equal(t, "200.05 USD", a.Sub(b).String())
	assert.True(t, a.GreaterThan(b))
	assert.True(t, b.LessThan(a))
	assert.False(t, a.Equal(b))
	assert.True(t, a.Sub(a).IsZero())
}

func TestNoFloatDrift(t *testing.T) {
	// 0.1 + 0.2 style sums must stay exact across many additions.
	cent, _ := FromString("0.01", "USD")
	sum := Zero("USD")
	for i := 0; i < 1000; i++ {
		sum = sum.Add(cent)
	}
	assert.Equal(t, "10.00 USD", sum.String())
}

func TestCurrencyMismatchPanics(t *testing.T) {
	usd := Zero("USD")
	eur := Zero("EUR")
	assert.Panics(t, func() { usd.Add(eur) })
	assert.False(t, usd.Equal(eur))
}
