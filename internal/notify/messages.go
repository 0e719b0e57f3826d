package notify

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
)

type Message struct {
	Subject string
	Body    string
}

// FormatAmount renders minor units as a major-unit amount, e.g. 1999 -> "19.99 USD".
func FormatAmount(cents int64, currency string) string {
	return decimal.New(cents, -2).StringFixed(2) + " " + strings.ToUpper(currency)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func OrderConfirmed(o orders.Order, currency string) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Thank you for your order #%s.\n\n", shortID(o.ID))
	for _, it := range o.Items {
		fmt.Fprintf(&b, "  %d x %s  %s\n", it.Qty, it.Name, FormatAmount(it.PriceCents*int64(it.Qty), currency))
	}
	if o.ShippingCents > 0 {
		fmt.Fprintf(&b, "  Shipping  %s\n", FormatAmount(o.ShippingCents, currency))
	}
	fmt.Fprintf(&b, "\nTotal: %s\n", FormatAmount(o.AmountCents, currency))
	return Message{Subject: fmt.Sprintf("Order Confirmation #%s", shortID(o.ID)), Body: b.String()}
}

func OrderShipped(o orders.Order, s orders.Shipment, orderURL string) Message {
	what := "Some items from your order have been shipped."
	if o.Status == orders.StatusShipped {
		what = "Your order has been shipped."
	}
	body := fmt.Sprintf("Good news! %s\n\nCarrier: %s\nTracking: %s\n\nView order: %s\n",
		what, s.Carrier, s.TrackingNumber, orderURL)
	return Message{Subject: fmt.Sprintf("Your Order #%s has Shipped", shortID(o.ID)), Body: body}
}

func OrderRefunded(o orders.Order, currency string) Message {
	body := fmt.Sprintf("Referencing Order #%s\n\nA refund of %s has been issued to your original payment method.\n"+
		"It may take 5-10 days to appear on your statement.\n", o.ID, FormatAmount(o.AmountCents, currency))
	return Message{Subject: fmt.Sprintf("Refund Processed for Order #%s", shortID(o.ID)), Body: body}
}

func ReturnProcessed(o orders.Order, r orders.ReturnRequest, currency string) Message {
	body := fmt.Sprintf("We have processed the return for order #%s.\n\nRefund amount: %s\nReason: %s\n",
		shortID(o.ID), FormatAmount(r.RefundAmountCents, currency), r.Reason)
	return Message{Subject: fmt.Sprintf("Return Processed for Order #%s", shortID(o.ID)), Body: body}
}
