// Package memstore is an in-process orders.Store. Transactions are serialized
// by a single mutex and work on a private copy of the state that replaces the
// shared state only on commit.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
)

type state struct {
	products  map[string]orders.Product
	ledger    []orders.InventoryTransaction
	orders    map[string]orders.Order
	payments  map[string]orders.Payment
	shipments map[string][]orders.Shipment
	returns   map[string][]orders.ReturnRequest
}

func (s *state) clone() *state {
	c := &state{
		products:  make(map[string]orders.Product, len(s.products)),
		ledger:    append([]orders.InventoryTransaction(nil), s.ledger...),
		orders:    make(map[string]orders.Order, len(s.orders)),
		payments:  make(map[string]orders.Payment, len(s.payments)),
		shipments: make(map[string][]orders.Shipment, len(s.shipments)),
		returns:   make(map[string][]orders.ReturnRequest, len(s.returns)),
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = cloneOrder(v)
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.shipments {
		c.shipments[k] = append([]orders.Shipment(nil), v...)
	}
	for k, v := range s.returns {
		c.returns[k] = append([]orders.ReturnRequest(nil), v...)
	}
	return c
}

type Store struct {
	mu sync.Mutex
	st *state
}

func New() *Store {
	return &Store{st: &state{
		products:  map[string]orders.Product{},
		orders:    map[string]orders.Order{},
		payments:  map[string]orders.Payment{},
		shipments: map[string][]orders.Shipment{},
		returns:   map[string][]orders.ReturnRequest{},
	}}
}

// PutProduct inserts or replaces a product row outside of any ledger
// bookkeeping. Intended for seeding.
func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[p.ID] = p
}

// Product returns the committed product row.
func (s *Store) Product(id string) (orders.Product, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.st.products[id]
	return p, ok
}

// DeleteProduct removes a product and nulls the product id of order items
// that referenced it.
func (s *Store) DeleteProduct(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.st.products, id)
	for oid, o := range s.st.orders {
		o = cloneOrder(o)
		for i := range o.Items {
			if o.Items[i].ProductID == id {
				o.Items[i].ProductID = ""
			}
		}
		s.st.orders[oid] = o
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	tx := &memTx{st: s.st.clone()}
	err := fn(ctx, tx)
	if err == nil {
		err = tx.st.check()
	}
	if err == nil {
		s.st = tx.st
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, h := range tx.hooks {
		h(ctx)
	}
	return nil
}

func (s *state) check() error {
	for _, p := range s.products {
		if p.StockQuantity < 0 || p.ReservedStock < 0 || p.ReservedStock > p.StockQuantity {
			return fmt.Errorf("memstore: product %s violates stock bounds (stock=%d reserved=%d)",
				p.ID, p.StockQuantity, p.ReservedStock)
		}
	}
	return nil
}

type memTx struct {
	st    *state
	hooks []func(context.Context)
}

func (t *memTx) AfterCommit(fn func(ctx context.Context)) { t.hooks = append(t.hooks, fn) }

func (t *memTx) GetProduct(_ context.Context, id string) (orders.Product, error) {
	p, ok := t.st.products[id]
	if !ok {
		return orders.Product{}, fmt.Errorf("%w: %s", orders.ErrProductNotFound, id)
	}
	return p, nil
}

func (t *memTx) update(id string, n int, ok func(p orders.Product) (bool, int), apply func(p *orders.Product)) (orders.Product, error) {
	p, found := t.st.products[id]
	if !found {
		return orders.Product{}, fmt.Errorf("%w: %s", orders.ErrProductNotFound, id)
	}
	if pass, avail := ok(p); !pass {
		return orders.Product{}, &orders.StockError{ProductID: id, Required: n, Available: avail}
	}
	apply(&p)
	t.st.products[id] = p
	return p, nil
}

func (t *memTx) ReserveStock(_ context.Context, id string, n int) (orders.Product, error) {
	return t.update(id, n,
		func(p orders.Product) (bool, int) { return p.Available() >= n, p.Available() },
		func(p *orders.Product) { p.ReservedStock += n })
}

func (t *memTx) ReleaseStock(_ context.Context, id string, n int) (orders.Product, error) {
	return t.update(id, n,
		func(p orders.Product) (bool, int) { return p.ReservedStock >= n, p.ReservedStock },
		func(p *orders.Product) { p.ReservedStock -= n })
}

func (t *memTx) CommitStock(_ context.Context, id string, n int) (orders.Product, error) {
	return t.update(id, n,
		func(p orders.Product) (bool, int) { return p.ReservedStock >= n, p.ReservedStock },
		func(p *orders.Product) { p.StockQuantity -= n; p.ReservedStock -= n })
}

func (t *memTx) SellStock(_ context.Context, id string, n int) (orders.Product, error) {
	return t.update(id, n,
		func(p orders.Product) (bool, int) { return p.Available() >= n, p.Available() },
		func(p *orders.Product) { p.StockQuantity -= n })
}

func (t *memTx) AddStock(_ context.Context, id string, n int) (orders.Product, error) {
	return t.update(id, n,
		func(orders.Product) (bool, int) { return true, 0 },
		func(p *orders.Product) { p.StockQuantity += n })
}

func (t *memTx) AppendLedger(_ context.Context, e orders.InventoryTransaction) error {
	if _, ok := t.st.products[e.ProductID]; !ok {
		return fmt.Errorf("%w: %s", orders.ErrProductNotFound, e.ProductID)
	}
	t.st.ledger = append(t.st.ledger, e)
	return nil
}

func (t *memTx) Ledger(_ context.Context, productID string) ([]orders.InventoryTransaction, error) {
	var out []orders.InventoryTransaction
	for _, e := range t.st.ledger {
		if e.ProductID == productID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) InsertOrder(_ context.Context, o orders.Order) error {
	if _, ok := t.st.orders[o.ID]; ok {
		return fmt.Errorf("memstore: order %s already exists", o.ID)
	}
	t.st.orders[o.ID] = cloneOrder(o)
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id string) (orders.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return orders.Order{}, fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
	}
	return cloneOrder(o), nil
}

func (t *memTx) UpdateOrder(_ context.Context, o orders.Order) (orders.Order, error) {
	cur, ok := t.st.orders[o.ID]
	if !ok {
		return orders.Order{}, fmt.Errorf("order %s: %w", o.ID, orders.ErrNotFound)
	}
	if cur.Version != o.Version {
		return orders.Order{}, fmt.Errorf("order %s: %w", o.ID, orders.ErrConcurrencyConflict)
	}
	cur.Status = o.Status
	cur.PaymentStatus = o.PaymentStatus
	cur.FulfillmentStatus = o.FulfillmentStatus
	cur.UpdatedAt = o.UpdatedAt
	cur.Version++
	t.st.orders[o.ID] = cur
	return cloneOrder(cur), nil
}

func (t *memTx) SavePayment(_ context.Context, p orders.Payment) error {
	if _, ok := t.st.orders[p.OrderID]; !ok {
		return fmt.Errorf("order %s: %w", p.OrderID, orders.ErrNotFound)
	}
	if prev, ok := t.st.payments[p.OrderID]; ok && p.CreatedAt.IsZero() {
		p.CreatedAt = prev.CreatedAt
	}
	t.st.payments[p.OrderID] = p
	return nil
}

func (t *memTx) GetPayment(_ context.Context, orderID string) (orders.Payment, error) {
	p, ok := t.st.payments[orderID]
	if !ok {
		return orders.Payment{}, fmt.Errorf("payment for order %s: %w", orderID, orders.ErrNotFound)
	}
	return p, nil
}

func (t *memTx) InsertShipment(_ context.Context, s orders.Shipment) error {
	if _, ok := t.st.orders[s.OrderID]; !ok {
		return fmt.Errorf("order %s: %w", s.OrderID, orders.ErrNotFound)
	}
	s.Items = append([]orders.ShipmentItem(nil), s.Items...)
	t.st.shipments[s.OrderID] = append(t.st.shipments[s.OrderID], s)
	return nil
}

func (t *memTx) ListShipments(_ context.Context, orderID string) ([]orders.Shipment, error) {
	return append([]orders.Shipment(nil), t.st.shipments[orderID]...), nil
}

func (t *memTx) InsertReturn(_ context.Context, r orders.ReturnRequest) error {
	if _, ok := t.st.orders[r.OrderID]; !ok {
		return fmt.Errorf("order %s: %w", r.OrderID, orders.ErrNotFound)
	}
	r.Items = append([]orders.ReturnItem(nil), r.Items...)
	t.st.returns[r.OrderID] = append(t.st.returns[r.OrderID], r)
	return nil
}

func (t *memTx) ListReturns(_ context.Context, orderID string) ([]orders.ReturnRequest, error) {
	return append([]orders.ReturnRequest(nil), t.st.returns[orderID]...), nil
}

func cloneOrder(o orders.Order) orders.Order {
	o.Items = append([]orders.OrderItem(nil), o.Items...)
	return o
}
