package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"escrow-service/internal/money"
	"escrow-service/pkg/circuitbreaker"
	"escrow-service/pkg/metrics"
)

// Capability is the external funding/payout service: a fallible, retryable,
// idempotent-by-key black box. Nothing settlement-related lives behind it.
type Capability interface {
	CaptureFunds(ctx context.Context, amount money.Money, payerRef, dedupKey string) (*Receipt, error)
	PayoutFunds(ctx context.Context, amount money.Money, payeeRef, dedupKey string) (*Receipt, error)
}

// Receipt is the capability's acknowledgement of a capture or payout.
type Receipt struct {
	Reference   string    `json:"reference"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Client calls the payment capability over HTTP with a bounded retry policy:
// exponential backoff between attempts, 5xx and transport errors retried,
// 4xx terminal. The dedup key makes capability-side retries safe.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	breaker     *circuitbreaker.CircuitBreaker
	maxAttempts int
	backoffBase time.Duration
	logger      *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, maxAttempts int, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker:     circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()),
		maxAttempts: maxAttempts,
		backoffBase: 200 * time.Millisecond,
		logger:      logger,
	}
}

type fundsRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	PartyRef string `json:"party_ref"`
	DedupKey string `json:"dedup_key"`
}

func (c *Client) CaptureFunds(ctx context.Context, amount money.Money, payerRef, dedupKey string) (*Receipt, error) {
	return c.call(ctx, "/capture", fundsRequest{
		Amount:   amount.Amount.String(),
		Currency: amount.Currency,
		PartyRef: payerRef,
		DedupKey: dedupKey,
	})
}

func (c *Client) PayoutFunds(ctx context.Context, amount money.Money, payeeRef, dedupKey string) (*Receipt, error) {
	return c.call(ctx, "/payout", fundsRequest{
		Amount:   amount.Amount.String(),
		Currency: amount.Currency,
		PartyRef: payeeRef,
		DedupKey: dedupKey,
	})
}

func (c *Client) call(ctx context.Context, endpoint string, req fundsRequest) (*Receipt, error) {
	var receipt *Receipt
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		var retryable bool
		lastErr = c.breaker.Execute(func() error {
			r, retry, err := c.doOnce(ctx, endpoint, req)
			receipt = r
			retryable = retry
			return err
		})

		if lastErr == nil {
			return receipt, nil
		}
		if lastErr == circuitbreaker.ErrCircuitBreakerOpen {
			// Breaker open counts as retryable: it may half-open within the
			// backoff window.
			retryable = true
		}
		if !retryable {
			return nil, lastErr
		}

		c.logger.Warn("payment capability call failed, retrying",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}

	return nil, fmt.Errorf("payment capability exhausted %d attempts: %w", c.maxAttempts, lastErr)
}

// doOnce performs a single HTTP attempt. The bool result reports whether the
// failure is worth retrying.
func (c *Client) doOnce(ctx context.Context, endpoint string, req fundsRequest) (*Receipt, bool, error) {
	start := time.Now()

	b, err := json.Marshal(req)
	if err != nil {
		return nil, false, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.RecordPaymentCall(endpoint, "transport_error", time.Since(start))
		return nil, true, fmt.Errorf("failed to call payment capability: %w", err)
	}
	defer resp.Body.Close()

	metrics.RecordPaymentCall(endpoint, fmt.Sprintf("%d", resp.StatusCode), time.Since(start))

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("payment capability 5xx: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("payment capability error: %d", resp.StatusCode)
	}

	var receipt Receipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, false, err
	}
	return &receipt, false, nil
}
