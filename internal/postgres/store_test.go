package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ariefcatur/storefront-fulfillment/internal/auth"
	"github.com/ariefcatur/storefront-fulfillment/internal/fulfillment"
	"github.com/ariefcatur/storefront-fulfillment/internal/inventory"
	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
)

// newTestStore connects to POSTGRES_TEST_DSN and applies the schema.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return NewStore(pool)
}

func seedProduct(t *testing.T, s *Store, stock int) string {
	t.Helper()
	id := "p-" + ulid.Make().String()
	require.NoError(t, s.UpsertProduct(context.Background(), orders.Product{ID: id, Name: "Mug", PriceCents: 1200, StockQuantity: stock}))
	return id
}

func TestConditionalStockUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedProduct(t, s, 3)

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		p, err := tx.ReserveStock(ctx, id, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, p.ReservedStock)
		return nil
	}))

	err := s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		_, err := tx.ReserveStock(ctx, id, 2)
		return err
	})
	var se *orders.StockError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Available)

	err = s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		_, err := tx.ReleaseStock(ctx, id, 3)
		return err
	})
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Available)

	err = s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		_, err := tx.AddStock(ctx, "missing-"+id, 1)
		return err
	})
	assert.ErrorIs(t, err, orders.ErrProductNotFound)

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		p, err := tx.CommitStock(ctx, id, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, p.StockQuantity)
		assert.Equal(t, 0, p.ReservedStock)
		return nil
	}))
}

func TestWithTxRollsBackAndSkipsHooks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedProduct(t, s, 5)
	boom := errors.New("boom")

	hookRan := false
	err := s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		_, err := tx.ReserveStock(ctx, id, 5)
		require.NoError(t, err)
		tx.AfterCommit(func(context.Context) { hookRan = true })
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, hookRan)

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		p, err := tx.GetProduct(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, p.ReservedStock)
		tx.AfterCommit(func(context.Context) { hookRan = true })
		return nil
	}))
	assert.True(t, hookRan)
}

func TestOrderRoundTripAndVersionCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pid := seedProduct(t, s, 5)
	now := time.Now().UTC().Truncate(time.Millisecond)

	o := orders.Order{
		ID: "o-" + ulid.Make().String(), OwnerID: "u1", OwnerEmail: "jane@example.com",
		AmountCents: 2900, ShippingCents: 500,
		Status: orders.StatusCreated, PaymentStatus: orders.PaymentPending, FulfillmentStatus: orders.FulfillmentUnfulfilled,
		Shipping: orders.Address{Name: "Jane", Street1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
		Version:  1, CreatedAt: now, UpdatedAt: now,
	}
	o.Items = []orders.OrderItem{
		{ID: "i1-" + o.ID, OrderID: o.ID, ProductID: pid, Name: "Mug", PriceCents: 1200, Qty: 2},
		{ID: "i2-" + o.ID, OrderID: o.ID, Name: "Gone", PriceCents: 0, Qty: 1},
	}
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error { return tx.InsertOrder(ctx, o) }))

	var loaded orders.Order
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		var err error
		loaded, err = tx.GetOrder(ctx, o.ID)
		return err
	}))
	assert.Equal(t, o.Shipping, loaded.Shipping)
	require.Len(t, loaded.Items, 2)
	assert.Equal(t, pid, loaded.Items[0].ProductID)
	assert.Empty(t, loaded.Items[1].ProductID)

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		loaded.Status = orders.StatusPending
		got, err := tx.UpdateOrder(ctx, loaded)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		return nil
	}))

	err := s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		_, err := tx.UpdateOrder(ctx, loaded)
		return err
	})
	assert.ErrorIs(t, err, orders.ErrConcurrencyConflict)

	err = s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		_, err := tx.GetOrder(ctx, "missing")
		return err
	})
	assert.ErrorIs(t, err, orders.ErrNotFound)
}

func TestLedgerOrderedByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pid := seedProduct(t, s, 0)
	now := time.Now().UTC()

	first, second := ulid.Make().String(), ulid.Make().String()
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		if err := tx.AppendLedger(ctx, orders.InventoryTransaction{ID: second, ProductID: pid, Type: orders.TxReserve, ReservedDelta: 1, CreatedAt: now}); err != nil {
			return err
		}
		return tx.AppendLedger(ctx, orders.InventoryTransaction{ID: first, ProductID: pid, Type: orders.TxRestock, Qty: 3, CreatedAt: now})
	}))

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		rows, err := tx.Ledger(ctx, pid)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, first, rows[0].ID)
		assert.Equal(t, orders.TxRestock, rows[0].Type)
		assert.Equal(t, 1, rows[1].ReservedDelta)
		return nil
	}))

	err := s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		return tx.AppendLedger(ctx, orders.InventoryTransaction{ID: ulid.Make().String(), ProductID: "missing-" + pid, Type: orders.TxRestock, Qty: 1, CreatedAt: now})
	})
	assert.ErrorIs(t, err, orders.ErrProductNotFound)
}

func TestUpsertProductOpensLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedProduct(t, s, 7)

	inv, err := inventory.NewService(inventory.Deps{Store: s, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	rec, err := inv.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Balanced(), "%+v", rec)
	assert.Equal(t, 1, rec.Entries)

	// catalog updates leave counters and ledger alone
	require.NoError(t, s.UpsertProduct(ctx, orders.Product{ID: id, Name: "Big Mug", PriceCents: 1500, StockQuantity: 99}))
	rec, err = inv.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 7, rec.StockQuantity)
	assert.Equal(t, 1, rec.Entries)
	assert.True(t, rec.Balanced())
}

func TestLedgerSurvivesProductDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedProduct(t, s, 2)

	_, err := s.DB.Exec(ctx, `DELETE FROM products WHERE id=$1`, id)
	require.NoError(t, err)

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		rows, err := tx.Ledger(ctx, id)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, orders.TxRestock, rows[0].Type)
		return nil
	}))
}

func TestConcurrentReserveSellsLastUnitOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedProduct(t, s, 1)
	inv, err := inventory.NewService(inventory.Deps{Store: s, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	const buyers = 8
	errs := make([]error, buyers)
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = inv.Reserve(ctx, "o-"+ulid.Make().String(), []orders.Line{{ProductID: id, Qty: 1}})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, orders.ErrInsufficientStock)
	}
	assert.Equal(t, 1, won)

	rec, err := inv.Reconcile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ReservedStock)
	assert.True(t, rec.Balanced(), "%+v", rec)
}

func TestConcurrentShipmentsRespectOrderedQuantity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pid := seedProduct(t, s, 5)
	logger := zaptest.NewLogger(t)

	m, err := orders.NewManager(orders.Deps{Store: s, Logger: logger})
	require.NoError(t, err)
	tr, err := fulfillment.NewTracker(fulfillment.Deps{Store: s, Orders: m, Logger: logger})
	require.NoError(t, err)

	now := time.Now().UTC()
	o := orders.Order{
		ID: "o-" + ulid.Make().String(), OwnerID: "u1", AmountCents: 6000,
		Status: orders.StatusPaid, PaymentStatus: orders.PaymentCompleted, FulfillmentStatus: orders.FulfillmentUnfulfilled,
		Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	itemID := "i-" + o.ID
	o.Items = []orders.OrderItem{{ID: itemID, OrderID: o.ID, ProductID: pid, Name: "Mug", PriceCents: 1200, Qty: 5}}
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error { return tx.InsertOrder(ctx, o) }))

	admin := auth.Actor{ID: "admin-1", Role: auth.RoleAdmin}
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = tr.CreateShipment(ctx, admin, fulfillment.ShipmentRequest{
				OrderID: o.ID, TrackingNumber: "1Z999", Carrier: "UPS",
				Lines: []fulfillment.Line{{OrderItemID: itemID, Qty: 3}},
			})
		}(i)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, fulfillment.ErrExceedsOrdered)
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	shipments, err := tr.Shipments(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, shipments, 1)
	assert.Equal(t, 3, shipments[0].Items[0].Qty)
}
