package orders

import (
	"context"
	"errors"
)

// Store runs fn inside one atomic transaction. Either every write made through
// tx commits or none does. Hooks registered with Tx.AfterCommit run only after
// a successful commit.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional view of persisted state.
//
// The stock methods are single conditional updates: each either applies its
// delta and returns the updated row, or changes nothing and returns
// ErrProductNotFound or a *StockError.
type Tx interface {
	GetProduct(ctx context.Context, id string) (Product, error)
	// ReserveStock: reserved += n where stock - reserved >= n.
	ReserveStock(ctx context.Context, productID string, n int) (Product, error)
	// ReleaseStock: reserved -= n where reserved >= n.
	ReleaseStock(ctx context.Context, productID string, n int) (Product, error)
	// CommitStock: stock -= n, reserved -= n where reserved >= n.
	CommitStock(ctx context.Context, productID string, n int) (Product, error)
	// SellStock: stock -= n where stock - reserved >= n.
	SellStock(ctx context.Context, productID string, n int) (Product, error)
	// AddStock: stock += n.
	AddStock(ctx context.Context, productID string, n int) (Product, error)

	AppendLedger(ctx context.Context, e InventoryTransaction) error
	Ledger(ctx context.Context, productID string) ([]InventoryTransaction, error)

	InsertOrder(ctx context.Context, o Order) error
	// GetOrder loads the order with its items and locks it for the rest of the
	// transaction.
	GetOrder(ctx context.Context, id string) (Order, error)
	// UpdateOrder writes the status fields if the stored version still equals
	// o.Version and returns the order with the bumped version. A stale version
	// yields ErrConcurrencyConflict.
	UpdateOrder(ctx context.Context, o Order) (Order, error)

	SavePayment(ctx context.Context, p Payment) error
	GetPayment(ctx context.Context, orderID string) (Payment, error)

	InsertShipment(ctx context.Context, s Shipment) error
	ListShipments(ctx context.Context, orderID string) ([]Shipment, error)

	InsertReturn(ctx context.Context, r ReturnRequest) error
	ListReturns(ctx context.Context, orderID string) ([]ReturnRequest, error)

	AfterCommit(fn func(ctx context.Context))
}

// CachedStatus is what the status cache keeps per order. The owner travels
// with the status so cache hits can be access checked.
type CachedStatus struct {
	Status  Status `json:"status"`
	OwnerID string `json:"owner_id"`
}

// StatusCache is an optional read-through cache of order statuses.
type StatusCache interface {
	GetStatus(ctx context.Context, orderID string) (CachedStatus, bool, error)
	SetStatus(ctx context.Context, orderID string, s CachedStatus) error
}

// RetryOnConflict runs fn up to attempts times while it fails with
// ErrConcurrencyConflict.
func RetryOnConflict(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
