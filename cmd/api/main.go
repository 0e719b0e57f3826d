package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/storefront-fulfillment/internal/app"
	"github.com/ariefcatur/storefront-fulfillment/internal/config"
	"github.com/ariefcatur/storefront-fulfillment/internal/httpx"
	"github.com/ariefcatur/storefront-fulfillment/internal/logging"
	"github.com/ariefcatur/storefront-fulfillment/internal/resilience"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api exited", zap.Error(err))
		_ = logger.Sync()
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	router := httpx.NewRouter()
	(&httpx.OrdersHandler{
		Checkout:    a.Checkout,
		Orders:      a.Orders,
		Tracker:     a.Tracker,
		Returns:     a.Returns,
		Inventory:   a.Inventory,
		Breakers:    a.Breakers,
		Limiter:     a.Limiter,
		AdminPolicy: resilience.Policy{Prefix: "admin-write", Limit: cfg.AdminRateLimit, Window: cfg.AdminRateWindow},
		Logger:      logger.Named("http"),
	}).Register(router)
	(&httpx.WebhookHandler{
		Secret:    cfg.StripeWebhookSecret,
		Publisher: a.Events,
		Producer:  cfg.ServiceName,
		Logger:    logger.Named("webhook"),
	}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	// the memory store only exists in this process, so settlement runs here too
	if cfg.StoreDriver == "memory" && a.Producer != nil {
		consumer, handler := a.SettlementConsumer()
		g.Go(func() error { return consumer.Start(gctx, handler) })
	}

	return g.Wait()
}
