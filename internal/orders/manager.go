package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StockReleaser gives back the reservation of an order inside the caller's
// transaction.
type StockReleaser interface {
	ReleaseTx(ctx context.Context, tx Tx, orderID string, lines []Line) error
}

// Owner identifies the customer an order belongs to.
type Owner struct {
	ID    string
	Email string
}

// Deps wires the collaborators of Manager.
type Deps struct {
	Store     Store
	Releaser  StockReleaser
	Publisher EventPublisher
	Cache     StatusCache
	Logger    *zap.Logger
	Clock     func() time.Time
	NewID     func() string
	Producer  string
}

// Manager owns the order state machine. Every mutation re-reads the order
// inside a transaction and writes it back with a version check.
type Manager struct {
	store     Store
	releaser  StockReleaser
	publisher EventPublisher
	cache     StatusCache
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
	producer  string
}

func NewManager(deps Deps) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("orders: store is required")
	}
	m := &Manager{
		store:     deps.Store,
		releaser:  deps.Releaser,
		publisher: deps.Publisher,
		cache:     deps.Cache,
		logger:    deps.Logger,
		now:       deps.Clock,
		newID:     deps.NewID,
		producer:  deps.Producer,
	}
	if m.publisher == nil {
		m.publisher = NopPublisher
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	if m.producer == "" {
		m.producer = "order-api"
	}
	return m, nil
}

// CreateFromCart snapshots the cart into a CREATED order. Names and prices are
// read from the product rows, lines of the same product are merged.
func (m *Manager) CreateFromCart(ctx context.Context, owner Owner, cart Cart, addr Address) (Order, error) {
	if strings.TrimSpace(owner.ID) == "" {
		return Order{}, validation("owner id is required")
	}
	if err := validateAddress(addr); err != nil {
		return Order{}, err
	}
	if cart.ShippingCents < 0 {
		return Order{}, validation("shipping cost must not be negative")
	}
	lines, err := mergeCart(cart.Items)
	if err != nil {
		return Order{}, err
	}

	now := m.now()
	o := Order{
		ID:                m.newID(),
		OwnerID:           owner.ID,
		OwnerEmail:        owner.Email,
		ShippingCents:     cart.ShippingCents,
		Status:            StatusCreated,
		PaymentStatus:     PaymentPending,
		FulfillmentStatus: FulfillmentUnfulfilled,
		Shipping:          addr,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = m.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		o.Items = o.Items[:0]
		var subtotal int64
		for _, l := range lines {
			p, err := tx.GetProduct(ctx, l.ProductID)
			if err != nil {
				return err
			}
			img := l.Image
			if img == "" {
				img = p.ImageURL
			}
			o.Items = append(o.Items, OrderItem{
				ID:         m.newID(),
				OrderID:    o.ID,
				ProductID:  p.ID,
				Name:       p.Name,
				PriceCents: p.PriceCents,
				Qty:        l.Qty,
				Image:      img,
			})
			subtotal += p.PriceCents * int64(l.Qty)
		}
		o.AmountCents = subtotal + o.ShippingCents
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}
		created := o
		tx.AfterCommit(func(ctx context.Context) { m.emit(ctx, created, EventOrderCreated, "") })
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return o, nil
}

func (m *Manager) Get(ctx context.Context, orderID string) (Order, error) {
	var o Order
	err := m.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID)
		return err
	})
	return o, err
}

// LookupStatus serves the order status and owner from the cache when one is
// configured. Entries without an owner are treated as misses.
func (m *Manager) LookupStatus(ctx context.Context, orderID string) (CachedStatus, error) {
	if m.cache != nil {
		s, ok, err := m.cache.GetStatus(ctx, orderID)
		if err != nil {
			m.logger.Warn("status cache read failed", zap.String("order_id", orderID), zap.Error(err))
		} else if ok && s.OwnerID != "" {
			return s, nil
		}
	}
	o, err := m.Get(ctx, orderID)
	if err != nil {
		return CachedStatus{}, err
	}
	m.cacheStatus(ctx, o)
	return CachedStatus{Status: o.Status, OwnerID: o.OwnerID}, nil
}

func (m *Manager) MarkPending(ctx context.Context, orderID string) (Order, error) {
	return m.inTx(ctx, func(ctx context.Context, tx Tx) (Order, error) {
		return m.MarkPendingTx(ctx, tx, orderID)
	})
}

func (m *Manager) MarkPendingTx(ctx context.Context, tx Tx, orderID string) (Order, error) {
	return m.TransitionTx(ctx, tx, orderID, StatusPending, "", nil)
}

func (m *Manager) MarkPaid(ctx context.Context, orderID string) (Order, error) {
	return m.inTx(ctx, func(ctx context.Context, tx Tx) (Order, error) {
		return m.MarkPaidTx(ctx, tx, orderID)
	})
}

// MarkPaidTx moves the order to PAID with a completed payment. It is also the
// path of a late payment on a CANCELLED order.
func (m *Manager) MarkPaidTx(ctx context.Context, tx Tx, orderID string) (Order, error) {
	return m.TransitionTx(ctx, tx, orderID, StatusPaid, "", func(o *Order) {
		o.PaymentStatus = PaymentCompleted
	})
}

// Cancel cancels a CREATED or PENDING order, releasing the reservation of a
// PENDING one. Cancelling a cancelled order is a no-op.
func (m *Manager) Cancel(ctx context.Context, orderID, reason string) (Order, error) {
	return m.inTx(ctx, func(ctx context.Context, tx Tx) (Order, error) {
		return m.CancelTx(ctx, tx, orderID, reason)
	})
}

func (m *Manager) CancelTx(ctx context.Context, tx Tx, orderID, reason string) (Order, error) {
	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if o.Status == StatusCancelled {
		return o, nil
	}
	if !CanTransition(o.Status, StatusCancelled) {
		return Order{}, &TransitionError{OrderID: o.ID, From: o.Status, To: StatusCancelled}
	}
	if lines := o.Lines(); o.Status.Reserved() && m.releaser != nil && len(lines) > 0 {
		if err := m.releaser.ReleaseTx(ctx, tx, o.ID, lines); err != nil {
			return Order{}, err
		}
	}
	o.Status = StatusCancelled
	o.PaymentStatus = PaymentFailed
	return m.UpdateTx(ctx, tx, o, EventOrderCancelled, reason)
}

// TransitionTx loads the order, checks the move against the transition table,
// applies mutate and writes the result.
func (m *Manager) TransitionTx(ctx context.Context, tx Tx, orderID string, to Status, reason string, mutate func(*Order)) (Order, error) {
	o, err := tx.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if !CanTransition(o.Status, to) {
		return Order{}, &TransitionError{OrderID: o.ID, From: o.Status, To: to}
	}
	o.Status = to
	if mutate != nil {
		mutate(&o)
	}
	return m.UpdateTx(ctx, tx, o, eventFor(to), reason)
}

// UpdateTx writes o with its version check and schedules the lifecycle event
// for after commit. Callers are responsible for having validated the change.
func (m *Manager) UpdateTx(ctx context.Context, tx Tx, o Order, event, reason string) (Order, error) {
	o.UpdatedAt = m.now()
	updated, err := tx.UpdateOrder(ctx, o)
	if err != nil {
		return Order{}, err
	}
	tx.AfterCommit(func(ctx context.Context) { m.emit(ctx, updated, event, reason) })
	return updated, nil
}

func (m *Manager) inTx(ctx context.Context, fn func(ctx context.Context, tx Tx) (Order, error)) (Order, error) {
	var out Order
	err := RetryOnConflict(ctx, 2, func(ctx context.Context) error {
		return m.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			out, err = fn(ctx, tx)
			return err
		})
	})
	return out, err
}

func (m *Manager) emit(ctx context.Context, o Order, event, reason string) {
	m.cacheStatus(ctx, o)
	if event == "" {
		return
	}
	env, err := NewEnvelope(event, m.producer, o.ID, statusPayload(o, reason))
	if err == nil {
		err = m.publisher.Publish(ctx, TopicOrderLifecycle, env)
	}
	if err != nil {
		m.logger.Warn("publish order event failed",
			zap.String("order_id", o.ID), zap.String("event", event), zap.Error(err))
	}
}

func (m *Manager) cacheStatus(ctx context.Context, o Order) {
	if m.cache == nil {
		return
	}
	if err := m.cache.SetStatus(ctx, o.ID, CachedStatus{Status: o.Status, OwnerID: o.OwnerID}); err != nil {
		m.logger.Warn("status cache write failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func eventFor(s Status) string {
	switch s {
	case StatusPending:
		return EventOrderPending
	case StatusPaid:
		return EventOrderPaid
	case StatusCancelled:
		return EventOrderCancelled
	case StatusPartiallyShipped, StatusShipped:
		return EventOrderShipped
	case StatusRefunded:
		return EventOrderRefunded
	}
	return ""
}

type mergedLine struct {
	ProductID string
	Qty       int
	Image     string
}

func mergeCart(items []CartItem) ([]mergedLine, error) {
	if len(items) == 0 {
		return nil, validation("cart is empty")
	}
	idx := map[string]int{}
	var out []mergedLine
	for _, it := range items {
		id := strings.TrimSpace(it.ProductID)
		if id == "" {
			return nil, validation("product id is required")
		}
		if it.Qty <= 0 {
			return nil, validation("quantity for product %s must be positive", id)
		}
		if i, ok := idx[id]; ok {
			out[i].Qty += it.Qty
			continue
		}
		idx[id] = len(out)
		out = append(out, mergedLine{ProductID: id, Qty: it.Qty, Image: it.Image})
	}
	return out, nil
}

func validateAddress(a Address) error {
	required := []struct{ field, v string }{
		{"name", a.Name},
		{"street1", a.Street1},
		{"city", a.City},
		{"postal_code", a.PostalCode},
		{"country", a.Country},
	}
	for _, r := range required {
		if strings.TrimSpace(r.v) == "" {
			return validation("shipping address %s is required", r.field)
		}
	}
	return nil
}

// NormalizeLines validates lines and merges quantities per product, keeping
// the order of first appearance.
func NormalizeLines(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, validation("no lines given")
	}
	idx := map[string]int{}
	out := make([]Line, 0, len(lines))
	for _, l := range lines {
		id := strings.TrimSpace(l.ProductID)
		if id == "" {
			return nil, validation("product id is required")
		}
		if l.Qty <= 0 {
			return nil, validation("quantity for product %s must be positive", id)
		}
		if i, ok := idx[id]; ok {
			out[i].Qty += l.Qty
			continue
		}
		idx[id] = len(out)
		out = append(out, Line{ProductID: id, Qty: l.Qty})
	}
	return out, nil
}
