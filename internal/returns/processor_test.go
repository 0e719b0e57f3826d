package returns

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ariefcatur/storefront-fulfillment/internal/auth"
	"github.com/ariefcatur/storefront-fulfillment/internal/inventory"
	"github.com/ariefcatur/storefront-fulfillment/internal/memstore"
	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/storefront-fulfillment/internal/payments"
	"github.com/ariefcatur/storefront-fulfillment/internal/resilience"
)

var admin = auth.Actor{ID: "admin-1", Email: "ops@example.com", Role: auth.RoleAdmin}

var addr = orders.Address{Name: "Jane", Street1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}

type fakeGateway struct {
	mu      sync.Mutex
	refunds []payments.RefundRequest
	err     error
}

func (g *fakeGateway) Provider() string { return "fake" }

func (g *fakeGateway) Charge(context.Context, payments.ChargeRequest) (payments.ChargeResult, error) {
	return payments.ChargeResult{}, errors.New("not used")
}

func (g *fakeGateway) Refund(_ context.Context, req payments.RefundRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, req)
	return g.err
}

type mailbox struct {
	mu       sync.Mutex
	subjects []string
}

func (m *mailbox) Send(_ context.Context, _, subject, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = append(m.subjects, subject)
	return nil
}

type fixture struct {
	store   *memstore.Store
	orders  *orders.Manager
	inv     *inventory.Service
	gateway *fakeGateway
	mail    *mailbox
	proc    *Processor
}

func newFixture(t *testing.T, breaker *resilience.Breaker) *fixture {
	t.Helper()
	store := memstore.New()
	inv, err := inventory.NewService(inventory.Deps{Store: store, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	m, err := orders.NewManager(orders.Deps{Store: store, Releaser: inv, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	f := &fixture{store: store, orders: m, inv: inv, gateway: &fakeGateway{}, mail: &mailbox{}}
	f.proc, err = NewProcessor(Deps{
		Store:     store,
		Orders:    m,
		Inventory: inv,
		Gateway:   f.gateway,
		Breaker:   breaker,
		Notifier:  f.mail,
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	for _, id := range []string{"p1", "p2"} {
		store.PutProduct(orders.Product{ID: id, Name: "Product " + id, PriceCents: 1000})
		_, err := inv.Restock(context.Background(), admin, id, 10, "initial")
		require.NoError(t, err)
	}
	return f
}

// order drives a cart to the requested status through the regular paths.
func (f *fixture) order(t *testing.T, status orders.Status, txnID string, items ...orders.CartItem) orders.Order {
	t.Helper()
	ctx := context.Background()
	o, err := f.orders.CreateFromCart(ctx, orders.Owner{ID: "u1", Email: "jane@example.com"}, orders.Cart{Items: items}, addr)
	require.NoError(t, err)
	if status == orders.StatusCreated {
		return o
	}
	require.NoError(t, f.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		if err := f.inv.ReserveTx(ctx, tx, o.ID, o.Lines()); err != nil {
			return err
		}
		o, err = f.orders.MarkPendingTx(ctx, tx, o.ID)
		return err
	}))
	if status == orders.StatusPending {
		return o
	}
	require.NoError(t, f.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		if err := f.inv.ConfirmSaleTx(ctx, tx, o.ID, o.Lines()); err != nil {
			return err
		}
		if o, err = f.orders.MarkPaidTx(ctx, tx, o.ID); err != nil {
			return err
		}
		return tx.SavePayment(ctx, orders.Payment{
			OrderID: o.ID, Provider: "fake", TransactionID: txnID, Status: orders.PaymentCompleted, AmountCents: o.AmountCents,
		})
	}))
	return o
}

func (f *fixture) stock(t *testing.T, id string) orders.Product {
	t.Helper()
	p, ok := f.store.Product(id)
	require.True(t, ok)
	return p
}

func (f *fixture) balanced(t *testing.T, id string) {
	t.Helper()
	rec, err := f.inv.Reconcile(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, rec.Balanced(), "%+v", rec)
}

func TestRefundTwiceRestocksOnce(t *testing.T) {
	f := newFixture(t, nil)
	o := f.order(t, orders.StatusPaid, "pi_123", orders.CartItem{ProductID: "p1", Qty: 2})
	require.Equal(t, 8, f.stock(t, "p1").StockQuantity)

	refunded, err := f.proc.Refund(context.Background(), admin, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRefunded, refunded.Status)
	assert.Equal(t, orders.PaymentRefunded, refunded.PaymentStatus)
	assert.Equal(t, 10, f.stock(t, "p1").StockQuantity)
	require.Len(t, f.gateway.refunds, 1)
	assert.Equal(t, "pi_123", f.gateway.refunds[0].TransactionID)
	assert.Equal(t, payments.RefundKey(o.ID), f.gateway.refunds[0].IdempotencyKey)
	assert.Len(t, f.mail.subjects, 1)

	_, err = f.proc.Refund(context.Background(), admin, o.ID)
	assert.ErrorIs(t, err, orders.ErrAlreadyRefunded)
	assert.Equal(t, 10, f.stock(t, "p1").StockQuantity)
	assert.Len(t, f.gateway.refunds, 1)

	entries, err := f.inv.Ledger(context.Background(), "p1")
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, orders.TxReturn, last.Type)
	assert.Equal(t, inventory.ReasonRefund, last.Reason)
	assert.Equal(t, 2, last.Qty)
	f.balanced(t, "p1")
}

func TestRefundWithoutTransactionSkipsGateway(t *testing.T) {
	f := newFixture(t, nil)
	o := f.order(t, orders.StatusPaid, "", orders.CartItem{ProductID: "p1", Qty: 1})

	refunded, err := f.proc.Refund(context.Background(), admin, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRefunded, refunded.Status)
	assert.Empty(t, f.gateway.refunds)
	assert.Equal(t, 10, f.stock(t, "p1").StockQuantity)
}

func TestRefundGatewayFailureChangesNothing(t *testing.T) {
	f := newFixture(t, nil)
	f.gateway.err = &payments.GatewayError{Provider: "fake", Op: "refund", Err: errors.New("boom")}
	o := f.order(t, orders.StatusPaid, "pi_1", orders.CartItem{ProductID: "p1", Qty: 3})

	_, err := f.proc.Refund(context.Background(), admin, o.ID)
	assert.ErrorIs(t, err, payments.ErrGateway)

	got, err := f.orders.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, got.Status)
	assert.Equal(t, 7, f.stock(t, "p1").StockQuantity)
}

func TestRefundFailsFastWhenBreakerOpen(t *testing.T) {
	b := resilience.NewBreaker(resilience.BreakerConfig{Name: "payment-gateway", FailureThreshold: 1, RecoveryTimeout: time.Hour})
	f := newFixture(t, b)
	f.gateway.err = errors.New("timeout")
	first := f.order(t, orders.StatusPaid, "pi_1", orders.CartItem{ProductID: "p1", Qty: 1})
	second := f.order(t, orders.StatusPaid, "pi_2", orders.CartItem{ProductID: "p1", Qty: 1})

	_, err := f.proc.Refund(context.Background(), admin, first.ID)
	require.Error(t, err)
	require.Equal(t, resilience.StateOpen, b.State())

	_, err = f.proc.Refund(context.Background(), admin, second.ID)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Len(t, f.gateway.refunds, 1)
}

func TestRefundPendingOrderReleasesReservation(t *testing.T) {
	f := newFixture(t, nil)
	o := f.order(t, orders.StatusPending, "", orders.CartItem{ProductID: "p1", Qty: 4})
	require.Equal(t, 4, f.stock(t, "p1").ReservedStock)

	_, err := f.proc.Refund(context.Background(), admin, o.ID)
	require.NoError(t, err)
	p := f.stock(t, "p1")
	assert.Equal(t, 10, p.StockQuantity)
	assert.Equal(t, 0, p.ReservedStock)
	f.balanced(t, "p1")
}

func TestRefundRequiresAdmin(t *testing.T) {
	f := newFixture(t, nil)
	o := f.order(t, orders.StatusPaid, "pi_1", orders.CartItem{ProductID: "p1", Qty: 1})

	_, err := f.proc.Refund(context.Background(), auth.Actor{ID: "u1", Role: auth.RoleCustomer}, o.ID)
	assert.ErrorIs(t, err, auth.ErrForbidden)

	_, err = f.proc.Refund(context.Background(), admin, "missing")
	assert.ErrorIs(t, err, orders.ErrNotFound)
}

func TestProcessReturnSplitsByCondition(t *testing.T) {
	f := newFixture(t, nil)
	o := f.order(t, orders.StatusPaid, "pi_1",
		orders.CartItem{ProductID: "p1", Qty: 3},
		orders.CartItem{ProductID: "p2", Qty: 1},
	)

	rr, updated, err := f.proc.ProcessReturn(context.Background(), admin, ReturnInput{
		OrderID: o.ID,
		Reason:  "wrong size",
		Items: []Line{
			{ProductID: "p1", Qty: 1, Condition: orders.ConditionResellable},
			{ProductID: "p1", Qty: 1, Condition: orders.ConditionDamaged},
			{ProductID: "p2", Qty: 1, Condition: orders.ConditionDamaged},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, orders.ReturnStatusCompleted, rr.Status)
	assert.Equal(t, "Processed by ops@example.com", rr.AdminNotes)
	assert.Equal(t, int64(3000), rr.RefundAmountCents)
	assert.Equal(t, orders.FulfillmentReturned, updated.FulfillmentStatus)
	assert.Equal(t, orders.StatusPaid, updated.Status)

	assert.Equal(t, 8, f.stock(t, "p1").StockQuantity)
	assert.Equal(t, 9, f.stock(t, "p2").StockQuantity)

	entries, err := f.inv.Ledger(context.Background(), "p2")
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, orders.TxReturn, last.Type)
	assert.Equal(t, 0, last.Qty)
	assert.Equal(t, inventory.ReasonDamaged, last.Reason)
	f.balanced(t, "p1")
	f.balanced(t, "p2")
}

func TestProcessReturnBoundedByPurchased(t *testing.T) {
	f := newFixture(t, nil)
	o := f.order(t, orders.StatusPaid, "pi_1", orders.CartItem{ProductID: "p1", Qty: 2})

	in := ReturnInput{OrderID: o.ID, Items: []Line{{ProductID: "p1", Qty: 2, Condition: orders.ConditionResellable}}}
	_, _, err := f.proc.ProcessReturn(context.Background(), admin, in)
	require.NoError(t, err)

	in.Items[0].Qty = 1
	_, _, err = f.proc.ProcessReturn(context.Background(), admin, in)
	assert.ErrorIs(t, err, ErrExceedsPurchased)

	_, _, err = f.proc.ProcessReturn(context.Background(), admin, ReturnInput{
		OrderID: o.ID, Items: []Line{{ProductID: "p1", Qty: 1, Condition: "lost"}},
	})
	assert.ErrorIs(t, err, orders.ErrValidation)
}

func TestProcessReturnBoundedByShippedOnceShipped(t *testing.T) {
	f := newFixture(t, nil)
	o := f.order(t, orders.StatusPaid, "pi_1", orders.CartItem{ProductID: "p1", Qty: 3})
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		return tx.InsertShipment(ctx, orders.Shipment{
			ID: "s1", OrderID: o.ID, TrackingNumber: "1Z", Carrier: "UPS", Status: orders.ShipmentStatusShipped,
			Items: []orders.ShipmentItem{{ShipmentID: "s1", OrderItemID: o.Items[0].ID, Qty: 1}},
		})
	}))
	before := f.stock(t, "p1").StockQuantity

	_, _, err := f.proc.ProcessReturn(ctx, admin, ReturnInput{
		OrderID: o.ID, Items: []Line{{ProductID: "p1", Qty: 2, Condition: orders.ConditionResellable}},
	})
	assert.ErrorIs(t, err, ErrExceedsPurchased)
	assert.Equal(t, before, f.stock(t, "p1").StockQuantity)

	_, _, err = f.proc.ProcessReturn(ctx, admin, ReturnInput{
		OrderID: o.ID, Items: []Line{{ProductID: "p1", Qty: 1, Condition: orders.ConditionResellable}},
	})
	require.NoError(t, err)
	assert.Equal(t, before+1, f.stock(t, "p1").StockQuantity)
	f.balanced(t, "p1")
}

func TestProcessReturnRejectsUnpaidOrder(t *testing.T) {
	f := newFixture(t, nil)
	o := f.order(t, orders.StatusPending, "", orders.CartItem{ProductID: "p1", Qty: 1})

	_, _, err := f.proc.ProcessReturn(context.Background(), admin, ReturnInput{
		OrderID: o.ID, Items: []Line{{ProductID: "p1", Qty: 1, Condition: orders.ConditionResellable}},
	})
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)
}

func TestRefundAfterReturnSkipsReturnedUnits(t *testing.T) {
	f := newFixture(t, nil)
	o := f.order(t, orders.StatusPaid, "pi_1", orders.CartItem{ProductID: "p1", Qty: 3})

	_, _, err := f.proc.ProcessReturn(context.Background(), admin, ReturnInput{
		OrderID: o.ID, Items: []Line{{ProductID: "p1", Qty: 2, Condition: orders.ConditionResellable}},
	})
	require.NoError(t, err)
	assert.Equal(t, 9, f.stock(t, "p1").StockQuantity)

	_, err = f.proc.Refund(context.Background(), admin, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, f.stock(t, "p1").StockQuantity)
	f.balanced(t, "p1")
}
