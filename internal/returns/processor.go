package returns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
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
	"github.com/ariefcatur/storefront-fulfillment/internal/pipeline"
	"github.com/ariefcatur/storefront-fulfillment/internal/resilience"
)

var tracer = otel.Tracer("github.com/ariefcatur/storefront-fulfillment/internal/returns")

// ErrExceedsPurchased rejects a return of more units than were bought and not
// yet returned.
var ErrExceedsPurchased = errors.New("return exceeds purchased quantity")

type Line struct {
	ProductID string               `json:"product_id"`
	Qty       int                  `json:"qty"`
	Condition orders.ItemCondition `json:"condition"`
}

type ReturnInput struct {
	OrderID string
	Reason  string
	Items   []Line
}

type Deps struct {
	Store     orders.Store
	Orders    *orders.Manager
	Inventory *inventory.Service
	Gateway   payments.Gateway
	Breaker   *resilience.Breaker
	Notifier  notify.Notifier
	Logger    *zap.Logger
	Clock     func() time.Time
	NewID     func() string
	Currency  string
}

type Processor struct {
	store     orders.Store
	orders    *orders.Manager
	inventory *inventory.Service
	gateway   payments.Gateway
	breaker   *resilience.Breaker
	notifier  notify.Notifier
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
	currency  string
}

func NewProcessor(deps Deps) (*Processor, error) {
	if deps.Store == nil || deps.Orders == nil || deps.Inventory == nil || deps.Gateway == nil {
		return nil, errors.New("returns: store, order manager, inventory and gateway are required")
	}
	p := &Processor{
		store:     deps.Store,
		orders:    deps.Orders,
		inventory: deps.Inventory,
		gateway:   deps.Gateway,
		breaker:   deps.Breaker,
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		now:       deps.Clock,
		newID:     deps.NewID,
		currency:  deps.Currency,
	}
	if p.breaker == nil {
		p.breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: "payment-gateway"})
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	if p.newID == nil {
		p.newID = uuid.NewString
	}
	if p.currency == "" {
		p.currency = "usd"
	}
	return p, nil
}

// Refund pays the customer back and puts the goods back on the shelf.
//
// The gateway refund runs first, outside any transaction, with an idempotency
// key derived from the order. The status flip and the restock then commit in
// one transaction. The customer notification is best-effort. An order that is
// already REFUNDED or CANCELLED is rejected with ErrAlreadyRefunded.
func (p *Processor) Refund(ctx context.Context, actor auth.Actor, orderID string) (orders.Order, error) {
	if err := auth.RequireAdmin(actor); err != nil {
		return orders.Order{}, err
	}
	ctx, span := tracer.Start(ctx, "returns.Refund", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	var (
		order   orders.Order
		payment orders.Payment
	)
	err := p.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		if order, err = tx.GetOrder(ctx, orderID); err != nil {
			return err
		}
		if payment, err = tx.GetPayment(ctx, orderID); err != nil && !errors.Is(err, orders.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return orders.Order{}, fail(span, err)
	}
	if !order.Status.Refundable() {
		return orders.Order{}, fail(span, fmt.Errorf("order %s: %w", orderID, orders.ErrAlreadyRefunded))
	}

	var refunded orders.Order
	run := pipeline.New("refund", p.logger.With(zap.String("order_id", orderID)),
		pipeline.Step{
			Name: "gateway-refund",
			Execute: func(ctx context.Context) error {
				if payment.TransactionID == "" {
					p.logger.Warn("no payment transaction id found for refund, skipping gateway", zap.String("order_id", orderID))
					return nil
				}
				return p.breaker.Execute(ctx, func(ctx context.Context) error {
					return p.gateway.Refund(ctx, payments.RefundRequest{
						OrderID:        orderID,
						TransactionID:  payment.TransactionID,
						IdempotencyKey: payments.RefundKey(orderID),
						Reason:         "requested_by_customer",
					})
				})
			},
		},
		pipeline.Step{
			Name: "mark-refunded-and-restock",
			Execute: func(ctx context.Context) error {
				return orders.RetryOnConflict(ctx, 2, func(ctx context.Context) error {
					return p.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
						var err error
						refunded, err = p.refundTx(ctx, tx, orderID, payment)
						return err
					})
				})
			},
		},
		pipeline.Step{
			Name:       "notify-owner",
			BestEffort: true,
			Execute: func(ctx context.Context) error {
				if p.notifier == nil {
					return nil
				}
				msg := notify.OrderRefunded(refunded, p.currency)
				return p.notifier.Send(ctx, refunded.OwnerEmail, msg.Subject, msg.Body)
			},
		},
	)
	if err := run.Run(ctx); err != nil {
		return orders.Order{}, fail(span, err)
	}
	p.logger.Info("order refunded", zap.String("order_id", orderID), zap.String("actor", actor.ID))
	return refunded, nil
}

func (p *Processor) refundTx(ctx context.Context, tx orders.Tx, orderID string, payment orders.Payment) (orders.Order, error) {
	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if !o.Status.Refundable() {
		return orders.Order{}, fmt.Errorf("order %s: %w", orderID, orders.ErrAlreadyRefunded)
	}
	prev := o.Status

	lines := o.Lines()
	switch {
	case prev == orders.StatusCreated || len(lines) == 0:
		// nothing reserved or nothing left to restock
	case prev.Reserved():
		if err := p.inventory.ReleaseTx(ctx, tx, o.ID, lines); err != nil {
			return orders.Order{}, err
		}
	default:
		lines, err = orders.NormalizeLines(lines)
		if err != nil {
			return orders.Order{}, err
		}
		returned, err := returnedPerProduct(ctx, tx, o.ID)
		if err != nil {
			return orders.Order{}, err
		}
		for _, l := range lines {
			qty := l.Qty - returned[l.ProductID]
			if qty <= 0 {
				continue
			}
			if err := p.inventory.ReturnTx(ctx, tx, o.ID, l.ProductID, qty, orders.ConditionResellable, inventory.ReasonRefund); err != nil {
				return orders.Order{}, err
			}
		}
	}

	out, err := p.orders.TransitionTx(ctx, tx, o.ID, orders.StatusRefunded, "refund", func(o *orders.Order) {
		o.PaymentStatus = orders.PaymentRefunded
	})
	if err != nil {
		return orders.Order{}, err
	}
	if payment.OrderID != "" {
		payment.Status = orders.PaymentRefunded
		payment.UpdatedAt = p.now()
		if err := tx.SavePayment(ctx, payment); err != nil {
			return orders.Order{}, err
		}
	}
	return out, nil
}

// ProcessReturn books goods sent back by the customer. Resellable units are
// restocked, damaged units are recorded without entering sellable stock.
func (p *Processor) ProcessReturn(ctx context.Context, actor auth.Actor, in ReturnInput) (orders.ReturnRequest, orders.Order, error) {
	if err := auth.RequireAdmin(actor); err != nil {
		return orders.ReturnRequest{}, orders.Order{}, err
	}
	lines, err := normalize(in)
	if err != nil {
		return orders.ReturnRequest{}, orders.Order{}, err
	}
	ctx, span := tracer.Start(ctx, "returns.ProcessReturn", trace.WithAttributes(attribute.String("order.id", in.OrderID)))
	defer span.End()

	var (
		rr    orders.ReturnRequest
		order orders.Order
	)
	err = orders.RetryOnConflict(ctx, 2, func(ctx context.Context) error {
		return p.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
			o, err := tx.GetOrder(ctx, in.OrderID)
			if err != nil {
				return err
			}
			if !o.Status.Returnable() {
				return fmt.Errorf("%w: order %s in status %s does not accept returns", orders.ErrInvalidTransition, o.ID, o.Status)
			}

			ordered := map[string]int{}
			price := map[string]int64{}
			for _, it := range o.Items {
				if it.ProductID == "" {
					continue
				}
				ordered[it.ProductID] += it.Qty
				price[it.ProductID] = it.PriceCents
			}
			// once the order has shipments only shipped units can come back
			shipped, err := shippedPerProduct(ctx, tx, o)
			if err != nil {
				return err
			}
			if shipped != nil {
				for id := range ordered {
					ordered[id] = min(ordered[id], shipped[id])
				}
			}
			returned, err := returnedPerProduct(ctx, tx, o.ID)
			if err != nil {
				return err
			}
			requested := map[string]int{}
			var refund int64
			for _, l := range lines {
				requested[l.ProductID] += l.Qty
				refund += price[l.ProductID] * int64(l.Qty)
			}
			for id, n := range requested {
				if left := ordered[id] - returned[id]; n > left {
					return fmt.Errorf("%w: product %s: returning %d, %d returnable", ErrExceedsPurchased, id, n, left)
				}
			}

			rr = orders.ReturnRequest{
				ID:                p.newID(),
				OrderID:           o.ID,
				UserID:            actor.ID,
				Reason:            strings.TrimSpace(in.Reason),
				Status:            orders.ReturnStatusCompleted,
				AdminNotes:        "Processed by " + actor.Email,
				RefundAmountCents: refund,
				CreatedAt:         p.now(),
			}
			for _, l := range lines {
				rr.Items = append(rr.Items, orders.ReturnItem{ProductID: l.ProductID, Qty: l.Qty, Condition: l.Condition})
			}
			if err := tx.InsertReturn(ctx, rr); err != nil {
				return err
			}
			for _, l := range lines {
				if err := p.inventory.ReturnTx(ctx, tx, rr.ID, l.ProductID, l.Qty, l.Condition, ""); err != nil {
					return err
				}
			}

			o.FulfillmentStatus = orders.FulfillmentReturned
			order, err = p.orders.UpdateTx(ctx, tx, o, orders.EventReturnProcessed, rr.Reason)
			if err != nil {
				return err
			}
			done, notified := rr, order
			tx.AfterCommit(func(ctx context.Context) {
				notify.Deliver(ctx, p.notifier, p.logger, notified.OwnerEmail, notify.ReturnProcessed(notified, done, p.currency))
			})
			return nil
		})
	})
	if err != nil {
		return orders.ReturnRequest{}, orders.Order{}, fail(span, err)
	}
	p.logger.Info("return processed",
		zap.String("order_id", order.ID), zap.String("return_id", rr.ID), zap.Int64("refund_cents", rr.RefundAmountCents))
	return rr, order, nil
}

// shippedPerProduct returns nil when the order has no shipments.
func shippedPerProduct(ctx context.Context, tx orders.Tx, o orders.Order) (map[string]int, error) {
	shipments, err := tx.ListShipments(ctx, o.ID)
	if err != nil || len(shipments) == 0 {
		return nil, err
	}
	out := map[string]int{}
	for _, s := range shipments {
		for _, it := range s.Items {
			if item, ok := o.Item(it.OrderItemID); ok && item.ProductID != "" {
				out[item.ProductID] += it.Qty
			}
		}
	}
	return out, nil
}

func returnedPerProduct(ctx context.Context, tx orders.Tx, orderID string) (map[string]int, error) {
	prior, err := tx.ListReturns(ctx, orderID)
	if err != nil {
		return nil, err
	}
	out := map[string]int{}
	for _, r := range prior {
		for _, it := range r.Items {
			out[it.ProductID] += it.Qty
		}
	}
	return out, nil
}

func normalize(in ReturnInput) ([]Line, error) {
	if strings.TrimSpace(in.OrderID) == "" {
		return nil, fmt.Errorf("%w: order id is required", orders.ErrValidation)
	}
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("%w: no items selected", orders.ErrValidation)
	}
	type key struct {
		id   string
		cond orders.ItemCondition
	}
	idx := map[key]int{}
	var out []Line
	for _, l := range in.Items {
		id := strings.TrimSpace(l.ProductID)
		if id == "" || l.Qty <= 0 {
			return nil, fmt.Errorf("%w: return lines need a product id and a positive quantity", orders.ErrValidation)
		}
		if l.Condition != orders.ConditionResellable && l.Condition != orders.ConditionDamaged {
			return nil, fmt.Errorf("%w: unknown item condition %q", orders.ErrValidation, l.Condition)
		}
		k := key{id, l.Condition}
		if i, ok := idx[k]; ok {
			out[i].Qty += l.Qty
			continue
		}
		idx[k] = len(out)
		out = append(out, Line{ProductID: id, Qty: l.Qty, Condition: l.Condition})
	}
	return out, nil
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
