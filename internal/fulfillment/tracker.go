package fulfillment

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
	"github.com/ariefcatur/storefront-fulfillment/internal/notify"
	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
)

var tracer = otel.Tracer("github.com/ariefcatur/storefront-fulfillment/internal/fulfillment")

// ErrExceedsOrdered rejects a shipment line larger than what is left to ship.
var ErrExceedsOrdered = errors.New("shipment exceeds ordered quantity")

type BoundError struct {
	OrderItemID string
	Requested   int
	Remaining   int
}

func (e *BoundError) Error() string {
	return fmt.Sprintf("order item %s: shipping %d but only %d left to ship", e.OrderItemID, e.Requested, e.Remaining)
}

func (e *BoundError) Is(target error) bool { return target == ErrExceedsOrdered }

type Line struct {
	OrderItemID string `json:"order_item_id"`
	Qty         int    `json:"qty"`
}

type ShipmentRequest struct {
	OrderID        string
	TrackingNumber string
	Carrier        string
	LabelURL       string
	Lines          []Line
}

type Deps struct {
	Store    orders.Store
	Orders   *orders.Manager
	Notifier notify.Notifier
	Logger   *zap.Logger
	Clock    func() time.Time
	NewID    func() string
	// OrderURL renders the customer-facing link used in notifications.
	OrderURL func(orderID string) string
}

// Tracker records shipments and keeps the order's fulfillment state derived
// from them.
type Tracker struct {
	store    orders.Store
	orders   *orders.Manager
	notifier notify.Notifier
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string
	orderURL func(string) string
}

func NewTracker(deps Deps) (*Tracker, error) {
	if deps.Store == nil || deps.Orders == nil {
		return nil, errors.New("fulfillment: store and order manager are required")
	}
	t := &Tracker{
		store:    deps.Store,
		orders:   deps.Orders,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		now:      deps.Clock,
		newID:    deps.NewID,
		orderURL: deps.OrderURL,
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	if t.now == nil {
		t.now = func() time.Time { return time.Now().UTC() }
	}
	if t.newID == nil {
		t.newID = uuid.NewString
	}
	if t.orderURL == nil {
		t.orderURL = func(id string) string { return "/dashboard/orders/" + id }
	}
	return t, nil
}

// CreateShipment records a shipment against an order. Every line is checked
// against ordered minus already shipped; one violating line rejects the call.
// The shipment insert and the fulfillment recompute commit together.
func (t *Tracker) CreateShipment(ctx context.Context, actor auth.Actor, req ShipmentRequest) (orders.Shipment, orders.Order, error) {
	if err := auth.RequireAdmin(actor); err != nil {
		return orders.Shipment{}, orders.Order{}, err
	}
	lines, err := normalize(req)
	if err != nil {
		return orders.Shipment{}, orders.Order{}, err
	}

	ctx, span := tracer.Start(ctx, "fulfillment.CreateShipment", trace.WithAttributes(attribute.String("order.id", req.OrderID)))
	defer span.End()

	var (
		shipment orders.Shipment
		order    orders.Order
	)
	err = orders.RetryOnConflict(ctx, 2, func(ctx context.Context) error {
		return t.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
			o, err := tx.GetOrder(ctx, req.OrderID)
			if err != nil {
				return err
			}
			if !o.Status.Shippable() {
				return &orders.TransitionError{OrderID: o.ID, From: o.Status, To: orders.StatusShipped}
			}
			prior, err := tx.ListShipments(ctx, o.ID)
			if err != nil {
				return err
			}
			shipped := shippedPerItem(prior)
			for _, l := range lines {
				item, ok := o.Item(l.OrderItemID)
				if !ok {
					return fmt.Errorf("%w: order item %s does not belong to order %s", orders.ErrValidation, l.OrderItemID, o.ID)
				}
				if remaining := item.Qty - shipped[item.ID]; l.Qty > remaining {
					return &BoundError{OrderItemID: item.ID, Requested: l.Qty, Remaining: remaining}
				}
			}

			shipment = orders.Shipment{
				ID:             t.newID(),
				OrderID:        o.ID,
				TrackingNumber: strings.TrimSpace(req.TrackingNumber),
				Carrier:        strings.TrimSpace(req.Carrier),
				Status:         orders.ShipmentStatusShipped,
				LabelURL:       strings.TrimSpace(req.LabelURL),
				CreatedAt:      t.now(),
			}
			for _, l := range lines {
				shipment.Items = append(shipment.Items, orders.ShipmentItem{ShipmentID: shipment.ID, OrderItemID: l.OrderItemID, Qty: l.Qty})
			}
			if err := tx.InsertShipment(ctx, shipment); err != nil {
				return err
			}

			order, err = t.RecomputeTx(ctx, tx, o.ID)
			if err != nil {
				return err
			}
			sent, notified := shipment, order
			tx.AfterCommit(func(ctx context.Context) {
				msg := notify.OrderShipped(notified, sent, t.orderURL(notified.ID))
				notify.Deliver(ctx, t.notifier, t.logger, notified.OwnerEmail, msg)
			})
			return nil
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return orders.Shipment{}, orders.Order{}, err
	}
	t.logger.Info("shipment created",
		zap.String("order_id", order.ID), zap.String("shipment_id", shipment.ID),
		zap.String("status", string(order.Status)), zap.String("actor", actor.ID))
	return shipment, order, nil
}

// Recompute derives status and fulfillment status from the recorded shipments.
// Running it again without new shipments changes nothing.
func (t *Tracker) Recompute(ctx context.Context, orderID string) (orders.Order, error) {
	var out orders.Order
	err := orders.RetryOnConflict(ctx, 2, func(ctx context.Context) error {
		return t.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
			var err error
			out, err = t.RecomputeTx(ctx, tx, orderID)
			return err
		})
	})
	return out, err
}

func (t *Tracker) RecomputeTx(ctx context.Context, tx orders.Tx, orderID string) (orders.Order, error) {
	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	switch o.Status {
	case orders.StatusPaid, orders.StatusPartiallyShipped, orders.StatusShipped:
	default:
		return o, nil
	}
	shipments, err := tx.ListShipments(ctx, o.ID)
	if err != nil {
		return orders.Order{}, err
	}
	total := 0
	for _, n := range shippedPerItem(shipments) {
		total += n
	}
	if total == 0 {
		return o, nil
	}

	status, fs := orders.StatusPartiallyShipped, orders.FulfillmentPartiallyFulfilled
	if total >= o.TotalQty() {
		status, fs = orders.StatusShipped, orders.FulfillmentFulfilled
	}
	if o.Status == status && o.FulfillmentStatus == fs {
		return o, nil
	}
	return t.orders.TransitionTx(ctx, tx, o.ID, status, "", func(o *orders.Order) {
		o.FulfillmentStatus = fs
	})
}

// Shipments lists the shipments recorded for an order.
func (t *Tracker) Shipments(ctx context.Context, orderID string) ([]orders.Shipment, error) {
	var out []orders.Shipment
	err := t.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		if _, err := tx.GetOrder(ctx, orderID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListShipments(ctx, orderID)
		return err
	})
	return out, err
}

func shippedPerItem(shipments []orders.Shipment) map[string]int {
	out := map[string]int{}
	for _, s := range shipments {
		for _, it := range s.Items {
			out[it.OrderItemID] += it.Qty
		}
	}
	return out
}

func normalize(req ShipmentRequest) ([]Line, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return nil, fmt.Errorf("%w: order id is required", orders.ErrValidation)
	}
	if strings.TrimSpace(req.TrackingNumber) == "" || strings.TrimSpace(req.Carrier) == "" {
		return nil, fmt.Errorf("%w: tracking number and carrier are required", orders.ErrValidation)
	}
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("%w: no items selected for shipment", orders.ErrValidation)
	}
	idx := map[string]int{}
	var out []Line
	for _, l := range req.Lines {
		id := strings.TrimSpace(l.OrderItemID)
		if id == "" || l.Qty <= 0 {
			return nil, fmt.Errorf("%w: shipment lines need an order item id and a positive quantity", orders.ErrValidation)
		}
		if i, ok := idx[id]; ok {
			out[i].Qty += l.Qty
			continue
		}
		idx[id] = len(out)
		out = append(out, Line{OrderItemID: id, Qty: l.Qty})
	}
	return out, nil
}
