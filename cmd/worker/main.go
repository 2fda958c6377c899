package main

import (
	"time"

	"go.uber.org/zap"

	"escrow-service/config"
	internalmq "escrow-service/internal/mq"
	"escrow-service/internal/mqhandler"
	"escrow-service/internal/repository"
	"escrow-service/internal/service/invoice"
	"escrow-service/pkg/db"
	"escrow-service/pkg/logger"
	"escrow-service/pkg/mq"
	redisclient "escrow-service/pkg/redis"
	"escrow-service/pkg/util"
)

func main() {
	cfg := config.Load()

	log := logger.NewLogger()
	defer log.Sync()

	log.Info("Starting invoice worker...")

	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	rdb := redisclient.NewRedisClient(cfg.Redis)
	defer rdb.Close()

	deduper := util.NewDeduper(rdb, time.Hour, log)
	retryCounter := util.NewRetryCounter(rdb, 24*time.Hour)

	dlqPublisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("failed to init DLQ publisher", zap.Error(err))
	}
	defer dlqPublisher.Close()

	invoiceRepo := repository.NewInvoiceRepository(dbConn)
	generator := invoice.NewGenerator(invoiceRepo, log)
	releasedHandler := mqhandler.NewPaymentReleasedHandler(generator, deduper, retryCounter, dlqPublisher, log)

	log.Info("Initializing invoice consumer", zap.String("queue", "invoice.payment_released.q"))
	consumer, err := mq.NewConsumer(cfg.MQ.URL, "invoice.payment_released.q", internalmq.RoutingKeyPaymentReleased, log)
	if err != nil {
		log.Fatal("failed to init invoice consumer", zap.Error(err))
	}
	consumer.SetHandler(releasedHandler.Handle)
	go func() {
		log.Info("Starting invoice consumer")
		if err := consumer.StartConsuming(); err != nil {
			log.Fatal("invoice consumer failed", zap.Error(err))
		}
	}()
	defer consumer.Close()

	log.Info("Invoice worker ready")

	select {}
}
