package inventory

import (
	"context"

	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
)

// Reconciliation compares a product's counters with a replay of its ledger.
type Reconciliation struct {
	ProductID      string `json:"product_id"`
	StockQuantity  int    `json:"stock_quantity"`
	ReservedStock  int    `json:"reserved_stock"`
	LedgerStock    int    `json:"ledger_stock"`
	LedgerReserved int    `json:"ledger_reserved"`
	Entries        int    `json:"entries"`
}

func (r Reconciliation) Balanced() bool {
	return r.StockQuantity == r.LedgerStock && r.ReservedStock == r.LedgerReserved
}

// Replay folds ledger entries starting from zero.
func Replay(entries []orders.InventoryTransaction) (stock, reserved int) {
	for _, e := range entries {
		stock += e.Qty
		reserved += e.ReservedDelta
	}
	return stock, reserved
}

func (s *Service) Ledger(ctx context.Context, productID string) ([]orders.InventoryTransaction, error) {
	var out []orders.InventoryTransaction
	err := s.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		if _, err := tx.GetProduct(ctx, productID); err != nil {
			return err
		}
		var err error
		out, err = tx.Ledger(ctx, productID)
		return err
	})
	return out, err
}

// Reconcile reads the counters and the ledger in one transaction and replays
// the ledger against them.
func (s *Service) Reconcile(ctx context.Context, productID string) (Reconciliation, error) {
	var rec Reconciliation
	err := s.store.WithTx(ctx, func(ctx context.Context, tx orders.Tx) error {
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return err
		}
		entries, err := tx.Ledger(ctx, productID)
		if err != nil {
			return err
		}
		stock, reserved := Replay(entries)
		rec = Reconciliation{
			ProductID:      p.ID,
			StockQuantity:  p.StockQuantity,
			ReservedStock:  p.ReservedStock,
			LedgerStock:    stock,
			LedgerReserved: reserved,
			Entries:        len(entries),
		}
		return nil
	})
	return rec, err
}
