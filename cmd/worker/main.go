package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/storefront-fulfillment/internal/app"
	"github.com/ariefcatur/storefront-fulfillment/internal/config"
	"github.com/ariefcatur/storefront-fulfillment/internal/logging"
	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
)

// The settlement worker applies payment events published by the webhook
// endpoint: confirm, fail or recover late payments.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if cfg.StoreDriver == "memory" {
		log.Fatal("worker needs a shared store, set STORE_DRIVER=postgres")
	}
	if len(cfg.KafkaBrokers) == 0 {
		log.Fatal("worker needs KAFKA_BROKERS")
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("consumer exit", zap.Error(err))
		_ = logger.Sync()
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	a, err := app.Build(ctx, cfg, logger.With(zap.String("process", "settlement-worker")))
	if err != nil {
		return err
	}
	defer a.Close()

	consumer, handler := a.SettlementConsumer()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("settlement consumer started",
			zap.String("group", cfg.WorkerGroup), zap.String("topic", orders.TopicPaymentEvents), zap.Int("workers", cfg.WorkerCount))
		return consumer.Start(gctx, handler)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("settlement worker stopped")
	return nil
}
