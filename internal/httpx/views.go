package httpx

import (
	"time"

	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
)

type orderItemView struct {
	ID         string `json:"id"`
	ProductID  string `json:"product_id,omitempty"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Qty        int    `json:"qty"`
	Image      string `json:"image,omitempty"`
}

type orderView struct {
	ID                string                   `json:"id"`
	OwnerID           string                   `json:"owner_id"`
	AmountCents       int64                    `json:"amount_cents"`
	ShippingCents     int64                    `json:"shipping_cents"`
	Status            orders.Status            `json:"status"`
	PaymentStatus     orders.PaymentStatus     `json:"payment_status"`
	FulfillmentStatus orders.FulfillmentStatus `json:"fulfillment_status"`
	ShippingAddress   orders.Address           `json:"shipping_address"`
	Items             []orderItemView          `json:"items"`
	Version           int                      `json:"version"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

func toOrderView(o orders.Order) orderView {
	v := orderView{
		ID:                o.ID,
		OwnerID:           o.OwnerID,
		AmountCents:       o.AmountCents,
		ShippingCents:     o.ShippingCents,
		Status:            o.Status,
		PaymentStatus:     o.PaymentStatus,
		FulfillmentStatus: o.FulfillmentStatus,
		ShippingAddress:   o.Shipping,
		Items:             make([]orderItemView, 0, len(o.Items)),
		Version:           o.Version,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
	for _, it := range o.Items {
		v.Items = append(v.Items, orderItemView{
			ID: it.ID, ProductID: it.ProductID, Name: it.Name, PriceCents: it.PriceCents, Qty: it.Qty, Image: it.Image,
		})
	}
	return v
}

type shipmentItemView struct {
	OrderItemID string `json:"order_item_id"`
	Qty         int    `json:"qty"`
}

type shipmentView struct {
	ID             string             `json:"id"`
	OrderID        string             `json:"order_id"`
	TrackingNumber string             `json:"tracking_number"`
	Carrier        string             `json:"carrier"`
	Status         string             `json:"status"`
	LabelURL       string             `json:"label_url,omitempty"`
	Items          []shipmentItemView `json:"items"`
	CreatedAt      time.Time          `json:"created_at"`
}

func toShipmentView(s orders.Shipment) shipmentView {
	v := shipmentView{
		ID: s.ID, OrderID: s.OrderID, TrackingNumber: s.TrackingNumber, Carrier: s.Carrier,
		Status: s.Status, LabelURL: s.LabelURL, CreatedAt: s.CreatedAt,
		Items: make([]shipmentItemView, 0, len(s.Items)),
	}
	for _, it := range s.Items {
		v.Items = append(v.Items, shipmentItemView{OrderItemID: it.OrderItemID, Qty: it.Qty})
	}
	return v
}

type returnItemView struct {
	ProductID string               `json:"product_id"`
	Qty       int                  `json:"qty"`
	Condition orders.ItemCondition `json:"condition"`
}

type returnView struct {
	ID                string           `json:"id"`
	OrderID           string           `json:"order_id"`
	Reason            string           `json:"reason"`
	Status            string           `json:"status"`
	RefundAmountCents int64            `json:"refund_amount_cents"`
	Items             []returnItemView `json:"items"`
	CreatedAt         time.Time        `json:"created_at"`
}

func toReturnView(r orders.ReturnRequest) returnView {
	v := returnView{
		ID: r.ID, OrderID: r.OrderID, Reason: r.Reason, Status: r.Status,
		RefundAmountCents: r.RefundAmountCents, CreatedAt: r.CreatedAt,
		Items: make([]returnItemView, 0, len(r.Items)),
	}
	for _, it := range r.Items {
		v.Items = append(v.Items, returnItemView{ProductID: it.ProductID, Qty: it.Qty, Condition: it.Condition})
	}
	return v
}

type ledgerEntryView struct {
	ID            string        `json:"id"`
	Type          orders.TxType `json:"type"`
	Qty           int           `json:"qty"`
	ReservedDelta int           `json:"reserved_delta"`
	ReferenceID   string        `json:"reference_id,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

func toLedgerView(entries []orders.InventoryTransaction) []ledgerEntryView {
	out := make([]ledgerEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerEntryView{
			ID: e.ID, Type: e.Type, Qty: e.Qty, ReservedDelta: e.ReservedDelta,
			ReferenceID: e.ReferenceID, Reason: e.Reason, CreatedAt: e.CreatedAt,
		})
	}
	return out
}

type productStockView struct {
	ID            string `json:"id"`
	StockQuantity int    `json:"stock_quantity"`
	ReservedStock int    `json:"reserved_stock"`
	Available     int    `json:"available"`
}
