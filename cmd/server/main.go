package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"escrow-service/config"
	"escrow-service/internal/handler"
	"escrow-service/internal/httpserver"
	"escrow-service/internal/repository"
	"escrow-service/internal/service/milestone"
	"escrow-service/internal/service/payment"
	"escrow-service/internal/service/refundadj"
	"escrow-service/internal/service/review"
	"escrow-service/internal/service/settlement"
	"escrow-service/pkg/db"
	"escrow-service/pkg/logger"
	"escrow-service/pkg/mq"
	"escrow-service/pkg/outbox"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting escrow settlement server...")

	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("failed to init publisher", zap.Error(err))
	}
	defer publisher.Close()

	// Outbox dispatcher: drains settlement events committed alongside ledger
	// writes and publishes them to the exchange.
	outboxRepo := outbox.NewRepository(dbConn)
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
		WithInterval(1 * time.Second).
		WithBatchSize(100).
		WithMaxRetries(8)
	dispatcherCtx, stopDispatcher := context.WithCancel(context.Background())
	defer stopDispatcher()
	go dispatcher.Start(dispatcherCtx)

	// Repositories
	projectRepo := repository.NewProjectRepository(dbConn, log)
	milestoneRepo := repository.NewMilestoneRepository(dbConn, log)
	deliverableRepo := repository.NewDeliverableRepository(dbConn, log)
	ledgerRepo := repository.NewLedgerRepository(dbConn, log)
	refundRepo := repository.NewRefundRequestRepository(dbConn)
	invoiceRepo := repository.NewInvoiceRepository(dbConn)
	settlementStore := repository.NewSettlementStore(dbConn, outboxRepo, ledgerRepo, log)

	// Services
	paymentClient := payment.NewClient(
		cfg.Payment.BaseURL,
		time.Duration(cfg.Payment.TimeoutSeconds)*time.Second,
		cfg.Payment.MaxAttempts,
		log,
	)
	engine := settlement.NewEngine(settlementStore, paymentClient, log)
	tracker := milestone.NewTracker(milestoneRepo, log)
	workflow := review.NewWorkflow(deliverableRepo, milestoneRepo, tracker, publisher, log)
	adjudicator := refundadj.NewAdjudicator(refundRepo, engine, log)

	// Handlers
	escrowHandler := handler.NewEscrowHandler(engine, projectRepo, ledgerRepo, log)
	deliverableHandler := handler.NewDeliverableHandler(workflow, deliverableRepo, log)
	refundHandler := handler.NewRefundHandler(adjudicator, log)
	milestoneHandler := handler.NewMilestoneHandler(tracker, milestoneRepo, log)
	invoiceHandler := handler.NewInvoiceHandler(invoiceRepo, log)
	outboxHandler := handler.NewOutboxHandler(outbox.NewReplayService(outboxRepo, publisher), log)

	router := httpserver.NewRouter(
		escrowHandler,
		deliverableHandler,
		refundHandler,
		milestoneHandler,
		invoiceHandler,
		outboxHandler,
		cfg.JWT.Secret,
		log,
		dbConn,
		publisher,
	)

	log.Info("Escrow settlement server ready", zap.String("port", cfg.Server.Port))
	if err := router.Run(cfg.Server.Port); err != nil {
		log.Fatal("server start failed", zap.Error(err))
	}
}
