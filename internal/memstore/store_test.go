package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
)

func TestWithTxRollsBackOnError(t *testing.T) {
	s := New()
	s.PutProduct(orders.Product{ID: "p1", StockQuantity: 5})
	boom := errors.New("boom")

	hookRan := false
	err := s.WithTx(context.Background(), func(ctx context.Context, tx orders.Tx) error {
		_, err := tx.ReserveStock(ctx, "p1", 3)
		require.NoError(t, err)
		tx.AfterCommit(func(context.Context) { hookRan = true })
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.False(t, hookRan)

	p, _ := s.Product("p1")
	assert.Equal(t, 0, p.ReservedStock)
}

func TestConditionalUpdates(t *testing.T) {
	s := New()
	s.PutProduct(orders.Product{ID: "p1", StockQuantity: 2, ReservedStock: 1})
	ctx := context.Background()

	err := s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		_, err := tx.ReserveStock(ctx, "p1", 2)
		return err
	})
	var se *orders.StockError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.Available)
	assert.ErrorIs(t, err, orders.ErrInsufficientStock)

	err = s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		_, err := tx.ReleaseStock(ctx, "nope", 1)
		return err
	})
	assert.ErrorIs(t, err, orders.ErrProductNotFound)
	assert.ErrorIs(t, err, orders.ErrNotFound)

	err = s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		p, err := tx.CommitStock(ctx, "p1", 1)
		if err != nil {
			return err
		}
		assert.Equal(t, 1, p.StockQuantity)
		assert.Equal(t, 0, p.ReservedStock)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateOrderVersionCheck(t *testing.T) {
	s := New()
	ctx := context.Background()
	o := orders.Order{ID: "o1", Status: orders.StatusCreated, Version: 1}
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		return tx.InsertOrder(ctx, o)
	}))

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		o.Status = orders.StatusPending
		got, err := tx.UpdateOrder(ctx, o)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Version)
		return nil
	}))

	err := s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		_, err := tx.UpdateOrder(ctx, o) // still version 1
		return err
	})
	assert.ErrorIs(t, err, orders.ErrConcurrencyConflict)
}

func TestDeleteProductNullsOrderItems(t *testing.T) {
	s := New()
	s.PutProduct(orders.Product{ID: "p1", StockQuantity: 1})
	ctx := context.Background()
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		return tx.InsertOrder(ctx, orders.Order{ID: "o1", Version: 1, Items: []orders.OrderItem{{ID: "i1", ProductID: "p1", Qty: 1}}})
	}))

	s.DeleteProduct("p1")

	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		o, err := tx.GetOrder(ctx, "o1")
		require.NoError(t, err)
		assert.Empty(t, o.Items[0].ProductID)
		assert.Empty(t, o.Lines())
		return nil
	}))
}
