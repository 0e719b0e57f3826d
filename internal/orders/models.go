package orders

import "time"

type Product struct {
	ID                string
	Name              string
	PriceCents        int64
	ImageURL          string
	StockQuantity     int
	ReservedStock     int
	LowStockThreshold int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Available is the number of units that can still be reserved.
func (p Product) Available() int { return p.StockQuantity - p.ReservedStock }

// Address is a snapshot taken at checkout; it is never re-read from the
// customer's address book.
type Address struct {
	Name       string `json:"name"`
	Street1    string `json:"street1"`
	Street2    string `json:"street2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type Order struct {
	ID                string
	OwnerID           string
	OwnerEmail        string
	AmountCents       int64 // items subtotal + shipping
	ShippingCents     int64
	Status            Status
	PaymentStatus     PaymentStatus
	FulfillmentStatus FulfillmentStatus
	Shipping          Address
	Items             []OrderItem
	Version           int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Lines returns the product quantities of the order, skipping items whose
// product has since been deleted.
func (o Order) Lines() []Line {
	out := make([]Line, 0, len(o.Items))
	for _, it := range o.Items {
		if it.ProductID == "" {
			continue
		}
		out = append(out, Line{ProductID: it.ProductID, Qty: it.Qty})
	}
	return out
}

// TotalQty is the number of units ordered across all items.
func (o Order) TotalQty() int {
	n := 0
	for _, it := range o.Items {
		n += it.Qty
	}
	return n
}

func (o Order) Item(id string) (OrderItem, bool) {
	for _, it := range o.Items {
		if it.ID == id {
			return it, true
		}
	}
	return OrderItem{}, false
}

type OrderItem struct {
	ID         string
	OrderID    string
	ProductID  string // empty once the product is deleted
	Name       string
	PriceCents int64
	Qty        int
	Image      string
}

type Payment struct {
	OrderID       string
	Provider      string
	TransactionID string
	SessionID     string
	RedirectURL   string
	Status        PaymentStatus
	AmountCents   int64
	Currency      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Shipment struct {
	ID             string
	OrderID        string
	TrackingNumber string
	Carrier        string
	Status         string
	LabelURL       string
	Items          []ShipmentItem
	CreatedAt      time.Time
}

type ShipmentItem struct {
	ShipmentID  string
	OrderItemID string
	Qty         int
}

const ShipmentStatusShipped = "SHIPPED"

type ItemCondition string

const (
	ConditionResellable ItemCondition = "RESELLABLE"
	ConditionDamaged    ItemCondition = "DAMAGED"
)

type ReturnRequest struct {
	ID                string
	OrderID           string
	UserID            string
	Reason            string
	Status            string
	AdminNotes        string
	RefundAmountCents int64
	Items             []ReturnItem
	CreatedAt         time.Time
}

type ReturnItem struct {
	ProductID string
	Qty       int
	Condition ItemCondition
}

const ReturnStatusCompleted = "COMPLETED"

type TxType string

const (
	TxRestock TxType = "RESTOCK"
	TxReserve TxType = "RESERVE"
	TxRelease TxType = "RELEASE"
	TxSale    TxType = "SALE"
	TxReturn  TxType = "RETURN"
)

// InventoryTransaction is one ledger row. Qty is the signed change to
// StockQuantity, ReservedDelta the signed change to ReservedStock.
type InventoryTransaction struct {
	ID            string
	ProductID     string
	Type          TxType
	Qty           int
	ReservedDelta int
	ReferenceID   string
	Reason        string
	CreatedAt     time.Time
}

type Line struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// Cart is what the storefront hands over at checkout. Prices and names are
// re-read from the product rows; the cart only contributes ids and quantities.
type Cart struct {
	Items         []CartItem
	ShippingCents int64
}

type CartItem struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
	Image     string `json:"image,omitempty"`
}
