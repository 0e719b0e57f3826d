package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/storefront-fulfillment/internal/auth"
	"github.com/ariefcatur/storefront-fulfillment/internal/inventory"
	"github.com/ariefcatur/storefront-fulfillment/internal/notify"
	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/storefront-fulfillment/internal/payments"
	"github.com/ariefcatur/storefront-fulfillment/internal/resilience"
)

var tracer = otel.Tracer("github.com/ariefcatur/storefront-fulfillment/internal/checkout")

// DefaultPolicy allows five checkouts per user per minute.
var DefaultPolicy = resilience.Policy{Prefix: "checkout", Limit: 5, Window: time.Minute}

// Deduper remembers which payment events were already handled. Claim reports
// true the first time an id is seen; Release forgets it so a redelivery is
// processed again.
type Deduper interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type Deps struct {
	Store     orders.Store
	Orders    *orders.Manager
	Inventory *inventory.Service
	Gateway   payments.Gateway
	Breaker   *resilience.Breaker
	Limiter   resilience.Limiter
	Policy    resilience.Policy
	Notifier  notify.Notifier
	Dedup     Deduper
	Logger    *zap.Logger
	Clock     func() time.Time
	Currency  string
	PublicURL string
}

// Service runs checkout and settles its payment.
type Service struct {
	store     orders.Store
	orders    *orders.Manager
	inventory *inventory.Service
	gateway   payments.Gateway
	breaker   *resilience.Breaker
	limiter   resilience.Limiter
	policy    resilience.Policy
	notifier  notify.Notifier
	dedup     Deduper
	logger    *zap.Logger
	now       func() time.Time
	currency  string
	publicURL string
}

func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Orders == nil || deps.Inventory == nil || deps.Gateway == nil {
		return nil, errors.New("checkout: store, order manager, inventory and gateway are required")
	}
	s := &Service{
		store:     deps.Store,
		orders:    deps.Orders,
		inventory: deps.Inventory,
		gateway:   deps.Gateway,
		breaker:   deps.Breaker,
		limiter:   deps.Limiter,
		policy:    deps.Policy,
		notifier:  deps.Notifier,
		dedup:     deps.Dedup,
		logger:    deps.Logger,
		now:       deps.Clock,
		currency:  deps.Currency,
		publicURL: deps.PublicURL,
	}
	if s.breaker == nil {
		s.breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "payment-gateway"})
	}
	if s.policy == (resilience.Policy{}) {
		s.policy = DefaultPolicy
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.currency == "" {
		s.currency = "usd"
	}
	return s, nil
}

// Result is the outcome of a checkout. RedirectURL is set when the customer
// still has to complete payment with the gateway.
type Result struct {
	Order       orders.Order `json:"order"`
	RedirectURL string       `json:"redirect_url,omitempty"`
}

// Checkout turns the cart into an order, reserves its stock and starts the
// payment. A failed reservation or charge cancels the order and releases
// whatever was reserved.
func (s *Service) Checkout(ctx context.Context, actor auth.Actor, cart orders.Cart, addr orders.Address) (Result, error) {
	if actor.ID == "" {
		return Result{}, auth.ErrUnauthenticated
	}
	ctx, span := tracer.Start(ctx, "checkout.Checkout", trace.WithAttributes(attribute.String("user.id", actor.ID)))
	defer span.End()

	if err := s.admit(ctx, actor.ID); err != nil {
		return Result{}, fail(span, err)
	}

	o, err := s.orders.CreateFromCart(ctx, orders.Owner{ID: actor.ID, Email: actor.Email}, cart, addr)
	if err != nil {
		return Result{}, fail(span, err)
	}
	span.SetAttributes(attribute.String("order.id", o.ID))
	log := s.logger.With(zap.String("order_id", o.ID), zap.String("user_id", actor.ID))

	err = orders.RetryOnConflict(ctx, 2, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
			if err := s.inventory.ReserveTx(ctx, tx, o.ID, o.Lines()); err != nil {
				return err
			}
			pending, err := s.orders.MarkPendingTx(ctx, tx, o.ID)
			if err != nil {
				return err
			}
			o = pending
			return nil
		})
	})
	if err != nil {
		log.Warn("reservation failed", zap.Error(err))
		s.cancel(ctx, o.ID, "Out of Stock")
		return Result{}, fail(span, err)
	}

	var charge payments.ChargeResult
	err = s.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		charge, err = s.gateway.Charge(ctx, payments.NewChargeRequest(o, s.currency, s.publicURL))
		return err
	})
	if err != nil {
		log.Error("charge failed", zap.Error(err))
		s.cancel(ctx, o.ID, "Payment Unavailable")
		return Result{}, fail(span, err)
	}

	now := s.now()
	payment := orders.Payment{
		OrderID:       o.ID,
		Provider:      s.gateway.Provider(),
		TransactionID: charge.TransactionID,
		SessionID:     charge.SessionID,
		RedirectURL:   charge.RedirectURL,
		Status:        orders.PaymentPending,
		AmountCents:   o.AmountCents,
		Currency:      s.currency,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		return tx.SavePayment(ctx, payment)
	}); err != nil {
		// settlement writes the row again from the payment event
		log.Error("save payment failed", zap.Error(err))
	}

	if charge.Captured {
		paid, err := s.ConfirmPayment(ctx, orders.PaymentEventPayload{
			OrderID:       o.ID,
			TransactionID: charge.TransactionID,
			SessionID:     charge.SessionID,
			AmountCents:   o.AmountCents,
		})
		if err != nil {
			return Result{}, fail(span, err)
		}
		o = paid
	}
	log.Info("checkout completed", zap.String("status", string(o.Status)), zap.Bool("captured", charge.Captured))
	return Result{Order: o, RedirectURL: charge.RedirectURL}, nil
}

func (s *Service) admit(ctx context.Context, userID string) error {
	d, err := s.policy.Check(ctx, s.limiter, userID)
	if err != nil {
		s.logger.Warn("rate limiter unavailable, admitting request", zap.String("user_id", userID), zap.Error(err))
		return nil
	}
	if !d.Allowed {
		return &orders.RateLimitError{Key: s.policy.Key(userID), RetryAfter: d.RetryAfter}
	}
	return nil
}

func (s *Service) cancel(ctx context.Context, orderID, reason string) {
	if _, err := s.orders.Cancel(context.WithoutCancel(ctx), orderID, reason); err != nil {
		s.logger.Error("cancel after failed checkout", zap.String("order_id", orderID), zap.Error(err))
	}
}

// ConfirmPayment settles a successful payment. A PENDING order converts its
// reservation into a sale and becomes PAID. A CANCELLED order whose payment
// arrived late is sold from free stock when possible, otherwise the payment
// is refunded and the order stays CANCELLED. Repeated confirmations are
// no-ops.
func (s *Service) ConfirmPayment(ctx context.Context, p orders.PaymentEventPayload) (orders.Order, error) {
	ctx, span := tracer.Start(ctx, "checkout.ConfirmPayment", trace.WithAttributes(attribute.String("order.id", p.OrderID)))
	defer span.End()

	var (
		out  orders.Order
		late bool
	)
	err := orders.RetryOnConflict(ctx, 2, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
			o, err := tx.GetOrder(ctx, p.OrderID)
			if err != nil {
				return err
			}
			out = o
			if settled(o) {
				return nil
			}
			late = o.Status == orders.StatusCancelled
			lines := o.Lines()
			if len(lines) > 0 {
				if late {
					err = s.inventory.SellUnreservedTx(ctx, tx, o.ID, lines)
				} else {
					err = s.inventory.ConfirmSaleTx(ctx, tx, o.ID, lines)
				}
				if err != nil {
					return err
				}
			}
			if out, err = s.orders.MarkPaidTx(ctx, tx, o.ID); err != nil {
				return err
			}
			if err := s.savePayment(ctx, tx, out, p, orders.PaymentCompleted); err != nil {
				return err
			}
			paid := out
			tx.AfterCommit(func(ctx context.Context) {
				notify.Deliver(ctx, s.notifier, s.logger, paid.OwnerEmail, notify.OrderConfirmed(paid, s.currency))
			})
			return nil
		})
	})
	if late && errors.Is(err, orders.ErrInsufficientStock) {
		s.logger.Warn("late payment cannot be fulfilled, refunding", zap.String("order_id", p.OrderID), zap.Error(err))
		out, err = s.refundLatePayment(ctx, p)
	}
	if err != nil {
		return orders.Order{}, fail(span, err)
	}
	if late && out.Status == orders.StatusPaid {
		s.logger.Warn("late payment recovered order", zap.String("order_id", out.ID))
	}
	return out, nil
}

// settled reports whether a success event for o has nothing left to do.
func settled(o orders.Order) bool {
	if o.PaymentStatus == orders.PaymentCompleted || o.PaymentStatus == orders.PaymentRefunded {
		return true
	}
	switch o.Status {
	case orders.StatusCreated, orders.StatusPending, orders.StatusCancelled:
		return false
	}
	return true
}

func (s *Service) refundLatePayment(ctx context.Context, p orders.PaymentEventPayload) (orders.Order, error) {
	if p.TransactionID == "" {
		s.logger.Warn("late payment carries no transaction id, skipping gateway refund", zap.String("order_id", p.OrderID))
	} else {
		err := s.breaker.Execute(ctx, func(ctx context.Context) error {
			return s.gateway.Refund(ctx, payments.RefundRequest{
				OrderID:        p.OrderID,
				TransactionID:  p.TransactionID,
				IdempotencyKey: payments.RefundKey(p.OrderID),
				Reason:         "requested_by_customer",
			})
		})
		if err != nil {
			return orders.Order{}, fmt.Errorf("refund late payment of order %s: %w", p.OrderID, err)
		}
	}

	var out orders.Order
	err := orders.RetryOnConflict(ctx, 2, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
			o, err := tx.GetOrder(ctx, p.OrderID)
			if err != nil {
				return err
			}
			if o.PaymentStatus == orders.PaymentRefunded {
				out = o
				return nil
			}
			o.PaymentStatus = orders.PaymentRefunded
			if out, err = s.orders.UpdateTx(ctx, tx, o, orders.EventOrderRefunded, "late payment, stock unavailable"); err != nil {
				return err
			}
			return s.savePayment(ctx, tx, out, p, orders.PaymentRefunded)
		})
	})
	return out, err
}

// FailPayment cancels an order whose payment failed or expired and releases
// its reservation. Orders that already moved past payment are left alone.
func (s *Service) FailPayment(ctx context.Context, p orders.PaymentEventPayload) (orders.Order, error) {
	reason := "Payment " + p.Reason
	if p.Reason == "" {
		reason = "Payment failed"
	}
	var out orders.Order
	err := orders.RetryOnConflict(ctx, 2, func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
			o, err := tx.GetOrder(ctx, p.OrderID)
			if err != nil {
				return err
			}
			out = o
			if o.Status != orders.StatusCreated && o.Status != orders.StatusPending {
				return nil
			}
			if out, err = s.orders.CancelTx(ctx, tx, o.ID, reason); err != nil {
				return err
			}
			return s.savePayment(ctx, tx, out, p, orders.PaymentFailed)
		})
	})
	if err != nil {
		return orders.Order{}, err
	}
	if out.Status != orders.StatusCancelled {
		s.logger.Info("payment failure ignored", zap.String("order_id", out.ID), zap.String("status", string(out.Status)))
	}
	return out, nil
}

func (s *Service) savePayment(ctx context.Context, tx orders.Tx, o orders.Order, p orders.PaymentEventPayload, status orders.PaymentStatus) error {
	pay, err := tx.GetPayment(ctx, o.ID)
	switch {
	case errors.Is(err, orders.ErrNotFound):
		pay = orders.Payment{
			OrderID:     o.ID,
			Provider:    s.gateway.Provider(),
			AmountCents: o.AmountCents,
			Currency:    s.currency,
			CreatedAt:   s.now(),
		}
	case err != nil:
		return err
	}
	if p.TransactionID != "" {
		pay.TransactionID = p.TransactionID
	}
	if p.SessionID != "" {
		pay.SessionID = p.SessionID
	}
	if p.AmountCents > 0 {
		pay.AmountCents = p.AmountCents
	}
	pay.Status = status
	pay.UpdatedAt = s.now()
	return tx.SavePayment(ctx, pay)
}

// HandlePaymentEvent applies one payment event from the event stream. Events
// are deduplicated by id; a failed event releases its claim so the consumer
// can retry it.
func (s *Service) HandlePaymentEvent(ctx context.Context, env orders.Envelope) error {
	log := s.logger.With(zap.String("event_id", env.EventID), zap.String("event_type", env.EventType))
	switch env.EventType {
	case orders.EventPaymentSucceeded, orders.EventPaymentFailed:
	default:
		log.Debug("ignoring event")
		return nil
	}

	var p orders.PaymentEventPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.OrderID == "" {
		log.Error("dropping malformed payment event", zap.Error(err))
		return nil
	}

	claimed := false
	if s.dedup != nil && env.EventID != "" {
		first, err := s.dedup.Claim(ctx, env.EventID)
		switch {
		case err != nil:
			log.Warn("dedup unavailable, processing anyway", zap.Error(err))
		case !first:
			log.Info("duplicate payment event skipped")
			return nil
		default:
			claimed = true
		}
	}

	var err error
	if env.EventType == orders.EventPaymentSucceeded {
		_, err = s.ConfirmPayment(ctx, p)
	} else {
		_, err = s.FailPayment(ctx, p)
	}
	if err != nil {
		if claimed {
			if rerr := s.dedup.Release(context.WithoutCancel(ctx), env.EventID); rerr != nil {
				log.Warn("release dedup claim failed", zap.Error(rerr))
			}
		}
		if errors.Is(err, orders.ErrNotFound) || errors.Is(err, orders.ErrInvalidTransition) {
			log.Error("payment event cannot be applied", zap.String("order_id", p.OrderID), zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
