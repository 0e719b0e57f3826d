package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
)

// Store is the Postgres orders.Store. Stock changes are single conditional
// UPDATEs; orders are locked with SELECT ... FOR UPDATE and written with a
// version check.
type Store struct {
	DB *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t := &pgTx{tx: tx}
	if err := fn(ctx, t); err != nil {
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err)
	}
	for _, h := range t.hooks {
		h(ctx)
	}
	return nil
}

// mapError turns serialization failures and deadlocks into
// ErrConcurrencyConflict so callers can retry.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", orders.ErrConcurrencyConflict, pgErr.Message)
		}
	}
	return err
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

type pgTx struct {
	tx    pgx.Tx
	hooks []func(context.Context)
}

func (t *pgTx) AfterCommit(fn func(ctx context.Context)) { t.hooks = append(t.hooks, fn) }

const productColumns = `id, name, price_cents, image_url, stock_quantity, reserved_stock, low_stock_threshold, created_at, updated_at`

func scanProduct(row pgx.Row) (orders.Product, error) {
	var p orders.Product
	err := row.Scan(&p.ID, &p.Name, &p.PriceCents, &p.ImageURL, &p.StockQuantity, &p.ReservedStock,
		&p.LowStockThreshold, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (t *pgTx) GetProduct(ctx context.Context, id string) (orders.Product, error) {
	p, err := scanProduct(t.tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Product{}, fmt.Errorf("%w: %s", orders.ErrProductNotFound, id)
	}
	return p, err
}

// conditional runs a guarded UPDATE ... RETURNING. When no row matches it
// tells a missing product apart from a shortfall; available picks the figure
// reported in the StockError.
func (t *pgTx) conditional(ctx context.Context, sql, id string, n int, available func(orders.Product) int) (orders.Product, error) {
	if n <= 0 {
		return orders.Product{}, fmt.Errorf("%w: quantity must be positive", orders.ErrValidation)
	}
	p, err := scanProduct(t.tx.QueryRow(ctx, sql+` RETURNING `+productColumns, id, n))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return orders.Product{}, err
	}
	cur, err := t.GetProduct(ctx, id)
	if err != nil {
		return orders.Product{}, err
	}
	return orders.Product{}, &orders.StockError{ProductID: id, Required: n, Available: available(cur)}
}

func (t *pgTx) ReserveStock(ctx context.Context, id string, n int) (orders.Product, error) {
	return t.conditional(ctx, `
		UPDATE products SET reserved_stock = reserved_stock + $2, updated_at = now()
		WHERE id = $1 AND stock_quantity - reserved_stock >= $2`, id, n, orders.Product.Available)
}

func (t *pgTx) ReleaseStock(ctx context.Context, id string, n int) (orders.Product, error) {
	return t.conditional(ctx, `
		UPDATE products SET reserved_stock = reserved_stock - $2, updated_at = now()
		WHERE id = $1 AND reserved_stock >= $2`, id, n, reserved)
}

func (t *pgTx) CommitStock(ctx context.Context, id string, n int) (orders.Product, error) {
	return t.conditional(ctx, `
		UPDATE products SET stock_quantity = stock_quantity - $2, reserved_stock = reserved_stock - $2, updated_at = now()
		WHERE id = $1 AND reserved_stock >= $2`, id, n, reserved)
}

func (t *pgTx) SellStock(ctx context.Context, id string, n int) (orders.Product, error) {
	return t.conditional(ctx, `
		UPDATE products SET stock_quantity = stock_quantity - $2, updated_at = now()
		WHERE id = $1 AND stock_quantity - reserved_stock >= $2`, id, n, orders.Product.Available)
}

func (t *pgTx) AddStock(ctx context.Context, id string, n int) (orders.Product, error) {
	return t.conditional(ctx, `
		UPDATE products SET stock_quantity = stock_quantity + $2, updated_at = now()
		WHERE id = $1`, id, n, orders.Product.Available)
}

func reserved(p orders.Product) int { return p.ReservedStock }

func (t *pgTx) AppendLedger(ctx context.Context, e orders.InventoryTransaction) error {
	return appendLedger(ctx, t.tx, e)
}

// appendLedger only writes rows for products that exist.
func appendLedger(ctx context.Context, tx pgx.Tx, e orders.InventoryTransaction) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO inventory_transactions(id, product_id, type, qty, reserved_delta, reference_id, reason, created_at)
		SELECT $1,$2,$3,$4,$5,$6,$7,$8
		WHERE EXISTS (SELECT 1 FROM products WHERE id=$2)`,
		e.ID, e.ProductID, string(e.Type), e.Qty, e.ReservedDelta, e.ReferenceID, e.Reason, e.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", orders.ErrProductNotFound, e.ProductID)
	}
	return nil
}

func (t *pgTx) Ledger(ctx context.Context, productID string) ([]orders.InventoryTransaction, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, product_id, type, qty, reserved_delta, reference_id, reason, created_at
		FROM inventory_transactions WHERE product_id=$1 ORDER BY id`, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.InventoryTransaction
	for rows.Next() {
		var (
			e   orders.InventoryTransaction
			typ string
		)
		if err := rows.Scan(&e.ID, &e.ProductID, &typ, &e.Qty, &e.ReservedDelta, &e.ReferenceID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = orders.TxType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertOrder(ctx context.Context, o orders.Order) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO orders(id, owner_id, owner_email, amount_cents, shipping_cents, status, payment_status,
		                   fulfillment_status, shipping_address, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		o.ID, o.OwnerID, o.OwnerEmail, o.AmountCents, o.ShippingCents, string(o.Status), string(o.PaymentStatus),
		string(o.FulfillmentStatus), o.Shipping, o.Version, o.CreatedAt, o.UpdatedAt,
	); err != nil {
		return err
	}
	for i, it := range o.Items {
		var productID *string
		if it.ProductID != "" {
			productID = &it.ProductID
		}
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, name, price_cents, qty, image, position)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			it.ID, o.ID, productID, it.Name, it.PriceCents, it.Qty, it.Image, i,
		); err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("%w: %s", orders.ErrProductNotFound, it.ProductID)
			}
			return err
		}
	}
	return nil
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	var (
		o                       orders.Order
		status, payment, fulfil string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT id, owner_id, owner_email, amount_cents, shipping_cents, status, payment_status,
		       fulfillment_status, shipping_address, version, created_at, updated_at
		FROM orders WHERE id=$1 FOR UPDATE`, id,
	).Scan(&o.ID, &o.OwnerID, &o.OwnerEmail, &o.AmountCents, &o.ShippingCents, &status, &payment,
		&fulfil, &o.Shipping, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
	}
	if err != nil {
		return orders.Order{}, err
	}
	o.Status = orders.Status(status)
	o.PaymentStatus = orders.PaymentStatus(payment)
	o.FulfillmentStatus = orders.FulfillmentStatus(fulfil)

	rows, err := t.tx.Query(ctx, `
		SELECT id, order_id, COALESCE(product_id, ''), name, price_cents, qty, image
		FROM order_items WHERE order_id=$1 ORDER BY position`, id)
	if err != nil {
		return orders.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var it orders.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Name, &it.PriceCents, &it.Qty, &it.Image); err != nil {
			return orders.Order{}, err
		}
		o.Items = append(o.Items, it)
	}
	return o, rows.Err()
}

func (t *pgTx) UpdateOrder(ctx context.Context, o orders.Order) (orders.Order, error) {
	var version int
	err := t.tx.QueryRow(ctx, `
		UPDATE orders SET status=$2, payment_status=$3, fulfillment_status=$4, updated_at=$5, version = version + 1
		WHERE id=$1 AND version=$6
		RETURNING version`,
		o.ID, string(o.Status), string(o.PaymentStatus), string(o.FulfillmentStatus), o.UpdatedAt, o.Version,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := t.tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, o.ID).Scan(&exists); err != nil {
			return orders.Order{}, err
		}
		if !exists {
			return orders.Order{}, fmt.Errorf("order %s: %w", o.ID, orders.ErrNotFound)
		}
		return orders.Order{}, fmt.Errorf("order %s: %w", o.ID, orders.ErrConcurrencyConflict)
	}
	if err != nil {
		return orders.Order{}, err
	}
	o.Version = version
	return o, nil
}

func (t *pgTx) SavePayment(ctx context.Context, p orders.Payment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO payments(order_id, provider, transaction_id, session_id, redirect_url, status, amount_cents, currency, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (order_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			transaction_id = EXCLUDED.transaction_id,
			session_id = EXCLUDED.session_id,
			redirect_url = EXCLUDED.redirect_url,
			status = EXCLUDED.status,
			amount_cents = EXCLUDED.amount_cents,
			currency = EXCLUDED.currency,
			updated_at = EXCLUDED.updated_at`,
		p.OrderID, p.Provider, p.TransactionID, p.SessionID, p.RedirectURL, string(p.Status), p.AmountCents, p.Currency,
		p.CreatedAt, p.UpdatedAt)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("order %s: %w", p.OrderID, orders.ErrNotFound)
	}
	return err
}

func (t *pgTx) GetPayment(ctx context.Context, orderID string) (orders.Payment, error) {
	var (
		p      orders.Payment
		status string
	)
	err := t.tx.QueryRow(ctx, `
		SELECT order_id, provider, transaction_id, session_id, redirect_url, status, amount_cents, currency, created_at, updated_at
		FROM payments WHERE order_id=$1`, orderID,
	).Scan(&p.OrderID, &p.Provider, &p.TransactionID, &p.SessionID, &p.RedirectURL, &status, &p.AmountCents, &p.Currency,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Payment{}, fmt.Errorf("payment for order %s: %w", orderID, orders.ErrNotFound)
	}
	p.Status = orders.PaymentStatus(status)
	return p, err
}

func (t *pgTx) InsertShipment(ctx context.Context, s orders.Shipment) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO shipments(id, order_id, tracking_number, carrier, status, label_url, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		s.ID, s.OrderID, s.TrackingNumber, s.Carrier, s.Status, s.LabelURL, s.CreatedAt,
	); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("order %s: %w", s.OrderID, orders.ErrNotFound)
		}
		return err
	}
	for _, it := range s.Items {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO shipment_items(shipment_id, order_item_id, qty) VALUES ($1,$2,$3)`,
			s.ID, it.OrderItemID, it.Qty,
		); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) ListShipments(ctx context.Context, orderID string) ([]orders.Shipment, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT s.id, s.order_id, s.tracking_number, s.carrier, s.status, s.label_url, s.created_at,
		       i.order_item_id, i.qty
		FROM shipments s
		JOIN shipment_items i ON i.shipment_id = s.id
		WHERE s.order_id=$1
		ORDER BY s.created_at, s.id, i.order_item_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Shipment
	for rows.Next() {
		var (
			s  orders.Shipment
			it orders.ShipmentItem
		)
		if err := rows.Scan(&s.ID, &s.OrderID, &s.TrackingNumber, &s.Carrier, &s.Status, &s.LabelURL, &s.CreatedAt,
			&it.OrderItemID, &it.Qty); err != nil {
			return nil, err
		}
		it.ShipmentID = s.ID
		if n := len(out); n > 0 && out[n-1].ID == s.ID {
			out[n-1].Items = append(out[n-1].Items, it)
			continue
		}
		s.Items = []orders.ShipmentItem{it}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertReturn(ctx context.Context, r orders.ReturnRequest) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO return_requests(id, order_id, user_id, reason, status, admin_notes, refund_amount_cents, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.OrderID, r.UserID, r.Reason, r.Status, r.AdminNotes, r.RefundAmountCents, r.CreatedAt,
	); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("order %s: %w", r.OrderID, orders.ErrNotFound)
		}
		return err
	}
	for i, it := range r.Items {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO return_items(return_id, position, product_id, qty, condition) VALUES ($1,$2,$3,$4,$5)`,
			r.ID, i, it.ProductID, it.Qty, string(it.Condition),
		); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) ListReturns(ctx context.Context, orderID string) ([]orders.ReturnRequest, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT r.id, r.order_id, r.user_id, r.reason, r.status, r.admin_notes, r.refund_amount_cents, r.created_at,
		       i.product_id, i.qty, i.condition
		FROM return_requests r
		JOIN return_items i ON i.return_id = r.id
		WHERE r.order_id=$1
		ORDER BY r.created_at, r.id, i.position`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.ReturnRequest
	for rows.Next() {
		var (
			r    orders.ReturnRequest
			it   orders.ReturnItem
			cond string
		)
		if err := rows.Scan(&r.ID, &r.OrderID, &r.UserID, &r.Reason, &r.Status, &r.AdminNotes, &r.RefundAmountCents, &r.CreatedAt,
			&it.ProductID, &it.Qty, &cond); err != nil {
			return nil, err
		}
		it.Condition = orders.ItemCondition(cond)
		if n := len(out); n > 0 && out[n-1].ID == r.ID {
			out[n-1].Items = append(out[n-1].Items, it)
			continue
		}
		r.Items = []orders.ReturnItem{it}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertProduct writes catalog fields. Stock counters are only touched on
// insert, together with an opening ledger row so the ledger replays to the
// counters; afterwards they move through the ledgered Tx methods.
func (s *Store) UpsertProduct(ctx context.Context, p orders.Product) error {
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var inserted bool
	err = tx.QueryRow(ctx, `
		INSERT INTO products(id, name, price_cents, image_url, stock_quantity, reserved_stock, low_stock_threshold)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			price_cents = EXCLUDED.price_cents,
			image_url = EXCLUDED.image_url,
			low_stock_threshold = EXCLUDED.low_stock_threshold,
			updated_at = now()
		RETURNING (xmax = 0)`,
		p.ID, p.Name, p.PriceCents, p.ImageURL, p.StockQuantity, p.ReservedStock, p.LowStockThreshold).Scan(&inserted)
	if err != nil {
		return mapError(err)
	}
	if inserted && (p.StockQuantity != 0 || p.ReservedStock != 0) {
		err = appendLedger(ctx, tx, orders.InventoryTransaction{
			ID:            ulid.Make().String(),
			ProductID:     p.ID,
			Type:          orders.TxRestock,
			Qty:           p.StockQuantity,
			ReservedDelta: p.ReservedStock,
			Reason:        "Initial Stock",
			CreatedAt:     time.Now().UTC(),
		})
		if err != nil {
			return err
		}
	}
	return mapError(tx.Commit(ctx))
}
