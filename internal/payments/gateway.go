package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
)

// ErrGateway marks a failure of the external payment gateway.
var ErrGateway = errors.New("payment gateway error")

// GatewayError wraps a provider failure for one operation.
type GatewayError struct {
	Provider string
	Op       string
	Err      error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

func (e *GatewayError) Is(target error) bool { return target == ErrGateway }

// Gateway is the charge/refund capability of the payment provider.
type Gateway interface {
	Provider() string
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) error
}

type ChargeItem struct {
	Name       string
	UnitAmount int64
	Qty        int64
	Image      string
}

type ChargeRequest struct {
	OrderID        string
	CustomerEmail  string
	Currency       string
	Items          []ChargeItem
	ShippingCents  int64
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// ChargeResult describes the gateway's answer. A Captured charge is final;
// otherwise the customer completes payment at RedirectURL and the outcome
// arrives later as a payment event.
type ChargeResult struct {
	TransactionID string
	SessionID     string
	RedirectURL   string
	Captured      bool
}

type RefundRequest struct {
	OrderID        string
	TransactionID  string
	IdempotencyKey string
	Reason         string
}

// NewChargeRequest builds the charge for an order from its item snapshots.
func NewChargeRequest(o orders.Order, currency, publicURL string) ChargeRequest {
	base := strings.TrimRight(publicURL, "/")
	items := make([]ChargeItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, ChargeItem{Name: it.Name, UnitAmount: it.PriceCents, Qty: int64(it.Qty), Image: it.Image})
	}
	return ChargeRequest{
		OrderID:        o.ID,
		CustomerEmail:  o.OwnerEmail,
		Currency:       strings.ToLower(currency),
		Items:          items,
		ShippingCents:  o.ShippingCents,
		SuccessURL:     fmt.Sprintf("%s/checkout/success?orderId=%s", base, o.ID),
		CancelURL:      fmt.Sprintf("%s/checkout/cancel?orderId=%s", base, o.ID),
		IdempotencyKey: "charge-" + o.ID,
	}
}

// RefundKey is the idempotency key used for the refund of an order.
func RefundKey(orderID string) string { return "refund-" + orderID }

// Offline captures every charge immediately. It stands in for a real gateway
// in local runs without provider credentials.
type Offline struct{}

func (Offline) Provider() string { return "offline" }

func (Offline) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	return ChargeResult{TransactionID: "offline_" + req.OrderID, Captured: true}, nil
}

func (Offline) Refund(context.Context, RefundRequest) error { return nil }
