package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/storefront-fulfillment/internal/checkout"
	"github.com/ariefcatur/storefront-fulfillment/internal/config"
	"github.com/ariefcatur/storefront-fulfillment/internal/fulfillment"
	"github.com/ariefcatur/storefront-fulfillment/internal/inventory"
	kafkax "github.com/ariefcatur/storefront-fulfillment/internal/kafka"
	"github.com/ariefcatur/storefront-fulfillment/internal/memstore"
	"github.com/ariefcatur/storefront-fulfillment/internal/notify"
	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/storefront-fulfillment/internal/payments"
	"github.com/ariefcatur/storefront-fulfillment/internal/postgres"
	"github.com/ariefcatur/storefront-fulfillment/internal/redisx"
	"github.com/ariefcatur/storefront-fulfillment/internal/resilience"
	"github.com/ariefcatur/storefront-fulfillment/internal/returns"
)

const (
	BreakerPaymentGateway = "payment-gateway"
	BreakerEmail          = "email"
)

// App holds the services of one process and the connections behind them.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Store    orders.Store
	Breakers *resilience.Registry
	Limiter  resilience.Limiter
	Producer *kafkax.Producer
	Events   orders.EventPublisher

	Inventory *inventory.Service
	Orders    *orders.Manager
	Checkout  *checkout.Service
	Tracker   *fulfillment.Tracker
	Returns   *returns.Processor

	db  *pgxpool.Pool
	rdb *redis.Client
}

// Build connects the backing services named by cfg and wires the domain
// services on top of them. The Kafka producer is started with ctx.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		a.Store = memstore.New()
	default:
		db, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.db = db
		if err := postgres.Migrate(ctx, db); err != nil {
			return nil, err
		}
		a.Store = postgres.NewStore(db)
	}

	var cache orders.StatusCache
	if cfg.RedisAddr != "" {
		rdb, err := redisx.New(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		a.rdb = rdb
		cache = redisx.NewStatusCache(rdb, redisx.TTLStatusCache)
	}
	switch {
	case cfg.RateLimitBackend == "redis" && a.rdb != nil:
		a.Limiter = redisx.NewSlidingWindowLimiter(a.rdb, nil)
	default:
		a.Limiter = resilience.NewMemoryLimiter(nil)
	}

	a.Events = orders.NopPublisher
	if len(cfg.KafkaBrokers) > 0 {
		a.Producer = kafkax.NewProducer(cfg.KafkaBrokers, 1024, logger.Named("kafka"))
		a.Producer.Start(ctx)
		a.Events = kafkax.NewPublisher(a.Producer)
	}

	a.Breakers = resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		RecoveryTimeout:  cfg.BreakerRecovery,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name), zap.String("from", string(from)), zap.String("to", string(to)))
		},
	})

	var notifier notify.Notifier = notify.Log{Logger: logger.Named("email")}
	if a.Producer != nil {
		notifier = notify.NewOutbox(a.Events, cfg.ServiceName)
	}
	notifier = notify.Guarded{Next: notifier, Breaker: a.Breakers.Get(BreakerEmail)}

	gateway, err := newGateway(cfg, logger)
	if err != nil {
		return nil, err
	}
	paymentBreaker := a.Breakers.Get(BreakerPaymentGateway)

	if a.Inventory, err = inventory.NewService(inventory.Deps{
		Store: a.Store, Publisher: a.Events, Logger: logger.Named("inventory"), Producer: cfg.ServiceName,
	}); err != nil {
		return nil, err
	}
	if a.Orders, err = orders.NewManager(orders.Deps{
		Store: a.Store, Releaser: a.Inventory, Publisher: a.Events, Cache: cache,
		Logger: logger.Named("orders"), Producer: cfg.ServiceName,
	}); err != nil {
		return nil, err
	}

	var dedup checkout.Deduper
	if a.rdb != nil {
		dedup = redisx.NewDedup(a.rdb, cfg.WorkerGroup, redisx.TTLDedup)
	}
	if a.Checkout, err = checkout.NewService(checkout.Deps{
		Store: a.Store, Orders: a.Orders, Inventory: a.Inventory, Gateway: gateway, Breaker: paymentBreaker,
		Limiter: a.Limiter, Notifier: notifier, Dedup: dedup, Logger: logger.Named("checkout"),
		Policy:   resilience.Policy{Prefix: "checkout", Limit: cfg.CheckoutRateLimit, Window: cfg.CheckoutRateWindow},
		Currency: cfg.Currency, PublicURL: cfg.PublicURL,
	}); err != nil {
		return nil, err
	}
	if a.Tracker, err = fulfillment.NewTracker(fulfillment.Deps{
		Store: a.Store, Orders: a.Orders, Notifier: notifier, Logger: logger.Named("fulfillment"),
		OrderURL: func(id string) string { return cfg.PublicURL + "/dashboard/orders/" + id },
	}); err != nil {
		return nil, err
	}
	if a.Returns, err = returns.NewProcessor(returns.Deps{
		Store: a.Store, Orders: a.Orders, Inventory: a.Inventory, Gateway: gateway, Breaker: paymentBreaker,
		Notifier: notifier, Logger: logger.Named("returns"), Currency: cfg.Currency,
	}); err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

func newGateway(cfg config.Config, logger *zap.Logger) (payments.Gateway, error) {
	if cfg.StripeAPIKey == "" {
		logger.Warn("STRIPE_API_KEY not set, charges are captured offline")
		return payments.Offline{}, nil
	}
	return payments.NewStripe(payments.StripeConfig{APIKey: cfg.StripeAPIKey, Logger: logger.Named("stripe")})
}

// SettlementConsumer reads payment events and applies them through checkout.
// A failing event is retried in place and dead-lettered once retries run out.
func (a *App) SettlementConsumer() (*kafkax.Consumer, kafkax.Handler) {
	c := kafkax.NewConsumer(a.Config.KafkaBrokers, a.Config.WorkerGroup, orders.TopicPaymentEvents,
		a.Config.WorkerCount, a.Logger.Named("settlement")).WithRetry(kafkax.DefaultRetry)
	if a.Producer != nil {
		c.WithDeadLetter(orders.TopicPaymentEventsDLQ, a.Producer)
	}
	return c, kafkax.EnvelopeHandler(a.Logger.Named("settlement"), a.Checkout.HandlePaymentEvent)
}

// Close flushes the producer and releases connections. It is safe to call on
// a partially built App.
func (a *App) Close() {
	if a.Producer != nil {
		a.Producer.Close()
		select {
		case <-waitClosed(a.Producer):
		case <-time.After(5 * time.Second):
			a.Logger.Warn("kafka producer did not flush in time")
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

func waitClosed(p *kafkax.Producer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		p.WaitClosed()
		close(done)
	}()
	return done
}
