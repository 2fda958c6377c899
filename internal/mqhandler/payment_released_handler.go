package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	internalmq "escrow-service/internal/mq"
	"escrow-service/internal/service/invoice"
	"escrow-service/pkg/logger"
	"escrow-service/pkg/metrics"
	"escrow-service/pkg/mq"
	"escrow-service/pkg/util"
)

const (
	maxRetries = 5

	invoiceQueueName = "invoice.payment_released"
)

// PaymentReleasedHandler consumes release events and drives invoice
// generation. Delivery is at-least-once: redis dedup trims concurrent
// duplicates cheaply, and the invoice unique index is the hard backstop.
type PaymentReleasedHandler struct {
	generator    *invoice.Generator
	deduper      *util.Deduper
	retryCounter *util.RetryCounter
	dlqPublisher *mq.Publisher
	logger       *zap.Logger
}

func NewPaymentReleasedHandler(
	generator *invoice.Generator,
	deduper *util.Deduper,
	retryCounter *util.RetryCounter,
	dlqPublisher *mq.Publisher,
	logger *zap.Logger,
) *PaymentReleasedHandler {
	return &PaymentReleasedHandler{
		generator:    generator,
		deduper:      deduper,
		retryCounter: retryCounter,
		dlqPublisher: dlqPublisher,
		logger:       logger,
	}
}

func (h *PaymentReleasedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	start := time.Now()
	defer func() {
		metrics.RecordMQConsumeLatency(internalmq.RoutingKeyPaymentReleased, invoiceQueueName, time.Since(start))
	}()

	var payload internalmq.PaymentReleasedPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.logger.Error("Invalid PaymentReleasedPayload, sending to DLQ",
			zap.String("raw", string(raw)),
			zap.Error(err),
		)
		h.sendToDLQ(raw, err)
		return nil
	}
	if payload.TransactionID == "" {
		h.logger.Error("PaymentReleasedPayload missing transaction_id, sending to DLQ",
			zap.String("raw", string(raw)),
		)
		h.sendToDLQ(raw, fmt.Errorf("missing transaction_id"))
		return nil
	}

	traceLogger := logger.WithTrace(ctx, h.logger)
	traceLogger.Info("PaymentReleasedHandler: received release",
		zap.String("transaction_id", payload.TransactionID),
		zap.String("project_id", payload.ProjectID),
		zap.Int("milestone_index", payload.MilestoneIndex),
	)

	if !h.deduper.AcquireOnce(ctx, "invoice", payload.TransactionID) {
		traceLogger.Info("Duplicated release event, skip",
			zap.String("transaction_id", payload.TransactionID),
		)
		return nil
	}

	retryKey := util.FormatRetryKey("invoice", payload.TransactionID)
	retryCount, _ := h.retryCounter.IncrementAndGet(ctx, retryKey)

	if err := h.generator.HandlePaymentReleased(ctx, raw); err != nil {
		retryable, class := util.IsRetryableError(err)
		traceLogger.Error("Invoice generation failed",
			zap.String("transaction_id", payload.TransactionID),
			zap.String("error_class", class),
			zap.Bool("retryable", retryable),
			zap.Int64("retry", retryCount),
			zap.Error(err),
		)

		if util.ShouldRetry(retryCount, maxRetries, retryable) {
			// Returning the error nacks the delivery back onto the queue.
			// Drop the dedup key first so the redelivery is not skipped.
			h.deduper.Release(ctx, "invoice", payload.TransactionID)
			return err
		}

		h.sendToDLQ(raw, err)
		_ = h.retryCounter.Reset(ctx, retryKey)
		return nil
	}

	_ = h.retryCounter.Reset(ctx, retryKey)
	traceLogger.Info("Invoice generated",
		zap.String("transaction_id", payload.TransactionID),
	)
	return nil
}

func (h *PaymentReleasedHandler) sendToDLQ(raw json.RawMessage, cause error) {
	if h.dlqPublisher == nil {
		return
	}
	if err := h.dlqPublisher.PublishToDLQ(internalmq.RoutingKeyPaymentReleased, raw, cause.Error()); err != nil {
		h.logger.Error("Failed to publish to DLQ",
			zap.String("routing_key", internalmq.RoutingKeyPaymentReleased),
			zap.Error(err),
		)
	}
}
