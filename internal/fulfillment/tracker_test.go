package fulfillment

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ariefcatur/storefront-fulfillment/internal/auth"
	"github.com/ariefcatur/storefront-fulfillment/internal/memstore"
	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
)

var admin = auth.Actor{ID: "admin-1", Email: "ops@example.com", Role: auth.RoleAdmin}

type outbox struct {
	mu   sync.Mutex
	sent []string
}

func (o *outbox) Send(_ context.Context, to, subject, _ string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, to+"|"+subject)
	return nil
}

func setup(t *testing.T, status orders.Status, items ...orders.OrderItem) (*Tracker, *memstore.Store, *outbox) {
	t.Helper()
	store := memstore.New()
	m, err := orders.NewManager(orders.Deps{Store: store, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	mail := &outbox{}
	tr, err := NewTracker(Deps{Store: store, Orders: m, Notifier: mail, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	o := orders.Order{
		ID:                "ord-1",
		OwnerID:           "u1",
		OwnerEmail:        "jane@example.com",
		Status:            status,
		PaymentStatus:     orders.PaymentCompleted,
		FulfillmentStatus: orders.FulfillmentUnfulfilled,
		Items:             items,
		Version:           1,
	}
	require.NoError(t, store.WithTx(context.Background(), func(ctx context.Context, tx orders.Tx) error {
		return tx.InsertOrder(ctx, o)
	}))
	return tr, store, mail
}

func ship(tr *Tracker, lines ...Line) (orders.Shipment, orders.Order, error) {
	return tr.CreateShipment(context.Background(), admin, ShipmentRequest{
		OrderID:        "ord-1",
		TrackingNumber: "1Z999",
		Carrier:        "UPS",
		Lines:          lines,
	})
}

func TestShipThreeThenTwoThenRejectOne(t *testing.T) {
	tr, _, mail := setup(t, orders.StatusPaid, orders.OrderItem{ID: "i1", ProductID: "p1", Qty: 5})

	_, o, err := ship(tr, Line{OrderItemID: "i1", Qty: 3})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPartiallyShipped, o.Status)
	assert.Equal(t, orders.FulfillmentPartiallyFulfilled, o.FulfillmentStatus)

	_, o, err = ship(tr, Line{OrderItemID: "i1", Qty: 2})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusShipped, o.Status)
	assert.Equal(t, orders.FulfillmentFulfilled, o.FulfillmentStatus)

	_, _, err = ship(tr, Line{OrderItemID: "i1", Qty: 1})
	var be *BoundError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 0, be.Remaining)
	assert.ErrorIs(t, err, ErrExceedsOrdered)

	shipments, err := tr.Shipments(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Len(t, shipments, 2)
	assert.Len(t, mail.sent, 2)
}

func TestShipmentRejectsWholeCallOnOneBadLine(t *testing.T) {
	tr, _, _ := setup(t, orders.StatusPaid,
		orders.OrderItem{ID: "i1", ProductID: "p1", Qty: 2},
		orders.OrderItem{ID: "i2", ProductID: "p2", Qty: 1},
	)

	_, _, err := ship(tr, Line{OrderItemID: "i1", Qty: 2}, Line{OrderItemID: "i2", Qty: 2})
	assert.ErrorIs(t, err, ErrExceedsOrdered)

	shipments, err := tr.Shipments(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Empty(t, shipments)

	_, _, err = ship(tr, Line{OrderItemID: "other-order-item", Qty: 1})
	assert.ErrorIs(t, err, orders.ErrValidation)
}

func TestShipmentAggregatesDuplicateLines(t *testing.T) {
	tr, _, _ := setup(t, orders.StatusPaid, orders.OrderItem{ID: "i1", ProductID: "p1", Qty: 3})

	_, _, err := ship(tr, Line{OrderItemID: "i1", Qty: 2}, Line{OrderItemID: "i1", Qty: 2})
	assert.ErrorIs(t, err, ErrExceedsOrdered)
}

func TestConcurrentShipmentsRespectBound(t *testing.T) {
	tr, _, _ := setup(t, orders.StatusPaid, orders.OrderItem{ID: "i1", ProductID: "p1", Qty: 5})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = ship(tr, Line{OrderItemID: "i1", Qty: 3})
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrExceedsOrdered)
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	shipments, err := tr.Shipments(context.Background(), "ord-1")
	require.NoError(t, err)
	total := 0
	for _, s := range shipments {
		for _, it := range s.Items {
			total += it.Qty
		}
	}
	assert.LessOrEqual(t, total, 5)
}

func TestShipmentRequiresAdminAndPaidOrder(t *testing.T) {
	tr, _, _ := setup(t, orders.StatusPending, orders.OrderItem{ID: "i1", ProductID: "p1", Qty: 1})

	_, _, err := tr.CreateShipment(context.Background(), auth.Actor{ID: "u1", Role: auth.RoleCustomer}, ShipmentRequest{
		OrderID: "ord-1", TrackingNumber: "t", Carrier: "c", Lines: []Line{{OrderItemID: "i1", Qty: 1}},
	})
	assert.ErrorIs(t, err, auth.ErrForbidden)

	_, _, err = ship(tr, Line{OrderItemID: "i1", Qty: 1})
	assert.ErrorIs(t, err, orders.ErrInvalidTransition)

	_, _, err = tr.CreateShipment(context.Background(), admin, ShipmentRequest{OrderID: "ord-1", Lines: []Line{{OrderItemID: "i1", Qty: 1}}})
	assert.ErrorIs(t, err, orders.ErrValidation)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	tr, _, _ := setup(t, orders.StatusPaid,
		orders.OrderItem{ID: "i1", ProductID: "p1", Qty: 2},
		orders.OrderItem{ID: "i2", ProductID: "", Qty: 1}, // product deleted since
	)

	o, err := tr.Recompute(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, o.Status, "nothing shipped yet")

	_, shipped, err := ship(tr, Line{OrderItemID: "i1", Qty: 2})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPartiallyShipped, shipped.Status)

	again, err := tr.Recompute(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, shipped.Status, again.Status)
	assert.Equal(t, shipped.FulfillmentStatus, again.FulfillmentStatus)
	assert.Equal(t, shipped.Version, again.Version, "no write without a change")

	_, full, err := ship(tr, Line{OrderItemID: "i2", Qty: 1})
	require.NoError(t, err)
	assert.Equal(t, orders.StatusShipped, full.Status)
}
