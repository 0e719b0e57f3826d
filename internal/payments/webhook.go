package payments

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
)

// ErrInvalidWebhook is returned for payloads that fail signature checks or
// cannot be decoded.
var ErrInvalidWebhook = errors.New("invalid webhook payload")

const (
	stripeSessionCompleted    = "checkout.session.completed"
	stripeAsyncPaymentSuccess = "checkout.session.async_payment_succeeded"
	stripeAsyncPaymentFailed  = "checkout.session.async_payment_failed"
	stripeSessionExpired      = "checkout.session.expired"
)

// PaymentEvent is a verified gateway notification reduced to what settlement
// needs. EventType is empty for notifications settlement does not act on.
type PaymentEvent struct {
	ID        string
	EventType string
	Payload   orders.PaymentEventPayload
}

// ParseStripeWebhook verifies the signature and maps checkout session events
// onto payment events.
func ParseStripeWebhook(payload []byte, signature, secret string) (PaymentEvent, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return PaymentEvent{}, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	out := PaymentEvent{ID: ev.ID}

	var session stripe.CheckoutSession
	switch string(ev.Type) {
	case stripeSessionCompleted, stripeAsyncPaymentSuccess, stripeAsyncPaymentFailed, stripeSessionExpired:
		if ev.Data == nil {
			return PaymentEvent{}, fmt.Errorf("%w: event %s has no data", ErrInvalidWebhook, ev.ID)
		}
		if err := json.Unmarshal(ev.Data.Raw, &session); err != nil {
			return PaymentEvent{}, fmt.Errorf("%w: decode checkout session: %v", ErrInvalidWebhook, err)
		}
	default:
		return out, nil
	}

	orderID := session.Metadata["orderId"]
	if orderID == "" {
		orderID = session.ClientReferenceID
	}
	if orderID == "" {
		return PaymentEvent{}, fmt.Errorf("%w: checkout session %s carries no order id", ErrInvalidWebhook, session.ID)
	}
	out.Payload = orders.PaymentEventPayload{
		OrderID:     orderID,
		SessionID:   session.ID,
		AmountCents: session.AmountTotal,
	}
	if session.PaymentIntent != nil {
		out.Payload.TransactionID = session.PaymentIntent.ID
	}

	switch string(ev.Type) {
	case stripeSessionCompleted:
		// delayed payment methods complete the session before the money arrives
		if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			out.EventType = ""
			return out, nil
		}
		out.EventType = orders.EventPaymentSucceeded
	case stripeAsyncPaymentSuccess:
		out.EventType = orders.EventPaymentSucceeded
	case stripeAsyncPaymentFailed:
		out.EventType = orders.EventPaymentFailed
		out.Payload.Reason = "failed"
	case stripeSessionExpired:
		out.EventType = orders.EventPaymentFailed
		out.Payload.Reason = "expired"
	}
	return out, nil
}
