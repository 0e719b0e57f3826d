package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated     = "OrderCreated"
	EventOrderPending     = "OrderPending"
	EventOrderPaid        = "OrderPaid"
	EventOrderCancelled   = "OrderCancelled"
	EventOrderShipped     = "OrderShipped"
	EventOrderRefunded    = "OrderRefunded"
	EventReturnProcessed  = "ReturnProcessed"
	EventLedgerAppended   = "LedgerAppended"
	EventLowStock         = "LowStock"
	EventPaymentSucceeded = "PaymentSucceeded"
	EventPaymentFailed    = "PaymentFailed"
	EventEmailRequested   = "EmailRequested"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // usually the order id
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload in a version 1 envelope.
func NewEnvelope(eventType, producer, correlationID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}

// EventPublisher hands envelopes to the event transport.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, Envelope) error { return nil }

// NopPublisher drops every event.
var NopPublisher EventPublisher = nopPublisher{}

// ---- payloads ----

type OrderStatusPayload struct {
	OrderID           string            `json:"order_id"`
	OwnerID           string            `json:"owner_id"`
	Status            Status            `json:"status"`
	PaymentStatus     PaymentStatus     `json:"payment_status"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillment_status"`
	AmountCents       int64             `json:"amount_cents"`
	Version           int               `json:"version"`
	Reason            string            `json:"reason,omitempty"`
}

type LedgerPayload struct {
	EntryID       string `json:"entry_id"`
	ProductID     string `json:"product_id"`
	Type          TxType `json:"type"`
	Qty           int    `json:"qty"`
	ReservedDelta int    `json:"reserved_delta"`
	ReferenceID   string `json:"reference_id"`
	Reason        string `json:"reason,omitempty"`
}

type LowStockPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Available int    `json:"available"`
	Threshold int    `json:"threshold"`
}

// PaymentEventPayload is what the gateway webhook is normalised into before it
// reaches the settlement worker.
type PaymentEventPayload struct {
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
	AmountCents   int64  `json:"amount_cents,omitempty"`
	Reason        string `json:"reason,omitempty"` // expired | failed
}

type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func statusPayload(o Order, reason string) OrderStatusPayload {
	return OrderStatusPayload{
		OrderID:           o.ID,
		OwnerID:           o.OwnerID,
		Status:            o.Status,
		PaymentStatus:     o.PaymentStatus,
		FulfillmentStatus: o.FulfillmentStatus,
		AmountCents:       o.AmountCents,
		Version:           o.Version,
		Reason:            reason,
	}
}
