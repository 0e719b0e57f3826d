package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/storefront-fulfillment/internal/auth"
	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
)

var tracer = otel.Tracer("github.com/ariefcatur/storefront-fulfillment/internal/inventory")

const (
	ReasonReservation = "Order Reservation"
	ReasonRelease     = "Reservation Released"
	ReasonSale        = "Order Paid"
	ReasonLateSale    = "Late Payment Sale"
	ReasonRefund      = "Refund Restock"
	ReasonResellable  = "Return: Resellable"
	ReasonDamaged     = "Return: Damaged/Write-off"
)

// Deps bundles the collaborators of the reservation service.
type Deps struct {
	Store       orders.Store
	Publisher   orders.EventPublisher
	Logger      *zap.Logger
	Clock       func() time.Time
	IDGenerator func() string
	Producer    string
}

// Service keeps product counters and the inventory ledger in step. Every
// counter change goes through a conditional update and appends exactly one
// ledger row in the same transaction.
type Service struct {
	store     orders.Store
	publisher orders.EventPublisher
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
	producer  string
}

func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil {
		return nil, errors.New("inventory service: store is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	s := &Service{
		store:     deps.Store,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		now:       func() time.Time { return clock().UTC() },
		newID:     idGen,
		producer:  deps.Producer,
	}
	if s.publisher == nil {
		s.publisher = orders.NopPublisher
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.producer == "" {
		s.producer = "inventory"
	}
	return s, nil
}

// Reserve holds stock for every line of an order, or for none of them.
func (s *Service) Reserve(ctx context.Context, orderID string, lines []orders.Line) error {
	ctx, span := tracer.Start(ctx, "inventory.Reserve", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()
	err := s.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		return s.ReserveTx(ctx, tx, orderID, lines)
	})
	return endSpan(span, err)
}

func (s *Service) ReserveTx(ctx context.Context, tx orders.Tx, orderID string, lines []orders.Line) error {
	norm, err := orders.NormalizeLines(lines)
	if err != nil {
		return err
	}
	for _, l := range norm {
		if _, err := tx.ReserveStock(ctx, l.ProductID, l.Qty); err != nil {
			return fmt.Errorf("reserve order %s: %w", orderID, err)
		}
		if err := s.appendEntry(ctx, tx, l.ProductID, orders.TxReserve, 0, l.Qty, orderID, ReasonReservation); err != nil {
			return err
		}
	}
	return nil
}

// Release gives back a reservation made by Reserve.
func (s *Service) Release(ctx context.Context, orderID string, lines []orders.Line) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		return s.ReleaseTx(ctx, tx, orderID, lines)
	})
}

func (s *Service) ReleaseTx(ctx context.Context, tx orders.Tx, orderID string, lines []orders.Line) error {
	norm, err := orders.NormalizeLines(lines)
	if err != nil {
		return err
	}
	for _, l := range norm {
		if _, err := tx.ReleaseStock(ctx, l.ProductID, l.Qty); err != nil {
			return fmt.Errorf("release order %s: %w", orderID, err)
		}
		if err := s.appendEntry(ctx, tx, l.ProductID, orders.TxRelease, 0, -l.Qty, orderID, ReasonRelease); err != nil {
			return err
		}
	}
	return nil
}

// ConfirmSale turns a reservation into a permanent deduction.
func (s *Service) ConfirmSale(ctx context.Context, orderID string, lines []orders.Line) error {
	return s.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		return s.ConfirmSaleTx(ctx, tx, orderID, lines)
	})
}

func (s *Service) ConfirmSaleTx(ctx context.Context, tx orders.Tx, orderID string, lines []orders.Line) error {
	norm, err := orders.NormalizeLines(lines)
	if err != nil {
		return err
	}
	for _, l := range norm {
		p, err := tx.CommitStock(ctx, l.ProductID, l.Qty)
		if err != nil {
			return fmt.Errorf("confirm sale of order %s: %w", orderID, err)
		}
		if err := s.appendEntry(ctx, tx, l.ProductID, orders.TxSale, -l.Qty, -l.Qty, orderID, ReasonSale); err != nil {
			return err
		}
		s.checkLowStock(tx, p)
	}
	return nil
}

// SellUnreservedTx deducts stock for an order that holds no reservation, such
// as a payment arriving after the order expired. All lines sell or none do.
func (s *Service) SellUnreservedTx(ctx context.Context, tx orders.Tx, orderID string, lines []orders.Line) error {
	norm, err := orders.NormalizeLines(lines)
	if err != nil {
		return err
	}
	for _, l := range norm {
		p, err := tx.SellStock(ctx, l.ProductID, l.Qty)
		if err != nil {
			return fmt.Errorf("sell order %s: %w", orderID, err)
		}
		if err := s.appendEntry(ctx, tx, l.ProductID, orders.TxSale, -l.Qty, 0, orderID, ReasonLateSale); err != nil {
			return err
		}
		s.checkLowStock(tx, p)
	}
	return nil
}

// Restock adds received goods to a product. Admin only.
func (s *Service) Restock(ctx context.Context, actor auth.Actor, productID string, qty int, reason string) (orders.Product, error) {
	if err := auth.RequireAdmin(actor); err != nil {
		return orders.Product{}, err
	}
	productID = strings.TrimSpace(productID)
	if productID == "" || qty <= 0 {
		return orders.Product{}, fmt.Errorf("%w: restock needs a product id and a positive quantity", orders.ErrValidation)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "Manual Restock"
	}
	var out orders.Product
	err := s.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		p, err := tx.AddStock(ctx, productID, qty)
		if err != nil {
			return err
		}
		out = p
		return s.appendEntry(ctx, tx, productID, orders.TxRestock, qty, 0, actor.ID, reason)
	})
	if err != nil {
		return orders.Product{}, err
	}
	s.logger.Info("product restocked",
		zap.String("product_id", productID), zap.Int("qty", qty), zap.String("actor", actor.ID))
	return out, nil
}

// ReturnTx books goods coming back. Resellable units go back on the shelf,
// damaged units are logged with a zero delta.
func (s *Service) ReturnTx(ctx context.Context, tx orders.Tx, referenceID, productID string, qty int, cond orders.ItemCondition, reason string) error {
	if qty <= 0 {
		return fmt.Errorf("%w: return quantity for product %s must be positive", orders.ErrValidation, productID)
	}
	switch cond {
	case orders.ConditionResellable:
		if _, err := tx.AddStock(ctx, productID, qty); err != nil {
			return err
		}
		if reason == "" {
			reason = ReasonResellable
		}
		return s.appendEntry(ctx, tx, productID, orders.TxReturn, qty, 0, referenceID, reason)
	case orders.ConditionDamaged:
		if _, err := tx.GetProduct(ctx, productID); err != nil {
			return err
		}
		if reason == "" {
			reason = ReasonDamaged
		}
		return s.appendEntry(ctx, tx, productID, orders.TxReturn, 0, 0, referenceID, reason)
	default:
		return fmt.Errorf("%w: unknown item condition %q", orders.ErrValidation, cond)
	}
}

func (s *Service) appendEntry(ctx context.Context, tx orders.Tx, productID string, typ orders.TxType, qty, reservedDelta int, ref, reason string) error {
	e := orders.InventoryTransaction{
		ID:            s.newID(),
		ProductID:     productID,
		Type:          typ,
		Qty:           qty,
		ReservedDelta: reservedDelta,
		ReferenceID:   ref,
		Reason:        reason,
		CreatedAt:     s.now(),
	}
	if err := tx.AppendLedger(ctx, e); err != nil {
		return fmt.Errorf("append %s ledger entry: %w", typ, err)
	}
	tx.AfterCommit(func(ctx context.Context) {
		s.publish(ctx, orders.TopicInventoryLedger, orders.EventLedgerAppended, productID, orders.LedgerPayload{
			EntryID:       e.ID,
			ProductID:     e.ProductID,
			Type:          e.Type,
			Qty:           e.Qty,
			ReservedDelta: e.ReservedDelta,
			ReferenceID:   e.ReferenceID,
			Reason:        e.Reason,
		})
	})
	return nil
}

func (s *Service) checkLowStock(tx orders.Tx, p orders.Product) {
	if p.LowStockThreshold <= 0 || p.Available() > p.LowStockThreshold {
		return
	}
	tx.AfterCommit(func(ctx context.Context) {
		s.logger.Warn("product low on stock",
			zap.String("product_id", p.ID), zap.Int("available", p.Available()), zap.Int("threshold", p.LowStockThreshold))
		s.publish(ctx, orders.TopicLowStock, orders.EventLowStock, p.ID, orders.LowStockPayload{
			ProductID: p.ID,
			Name:      p.Name,
			Available: p.Available(),
			Threshold: p.LowStockThreshold,
		})
	})
}

func (s *Service) publish(ctx context.Context, topic, event, key string, payload any) {
	env, err := orders.NewEnvelope(event, s.producer, key, payload)
	if err == nil {
		err = s.publisher.Publish(ctx, topic, env)
	}
	if err != nil {
		s.logger.Warn("publish inventory event failed", zap.String("event", event), zap.String("product_id", key), zap.Error(err))
	}
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
