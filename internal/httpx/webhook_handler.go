package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/storefront-fulfillment/internal/logging"
	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/storefront-fulfillment/internal/payments"
)

// Stripe rejects endpoints that need more than this to accept an event.
const maxWebhookBody = 64 << 10

// WebhookHandler verifies gateway notifications and hands them to the
// settlement worker through the payment events topic. It never settles
// inline; the gateway retries anything that is not acknowledged.
type WebhookHandler struct {
	Secret    string
	Publisher orders.EventPublisher
	Producer  string
	Logger    *zap.Logger
	// Parse defaults to payments.ParseStripeWebhook.
	Parse func(payload []byte, signature, secret string) (payments.PaymentEvent, error)
}

func (h *WebhookHandler) Register(r chi.Router) {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	if h.Parse == nil {
		h.Parse = payments.ParseStripeWebhook
	}
	if h.Producer == "" {
		h.Producer = "stripe-webhook"
	}
	r.Post("/webhooks/stripe", h.stripe)
}

func (h *WebhookHandler) stripe(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "validation_error", "unreadable body")
		return
	}

	ev, err := h.Parse(body, r.Header.Get("Stripe-Signature"), h.Secret)
	if err != nil {
		logging.WithTrace(r.Context(), h.Logger).Warn("rejected payment webhook", zap.Error(err))
		respondErr(w, r, h.Logger, err)
		return
	}
	if ev.EventType == "" {
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "ignored": true})
		return
	}

	env, err := orders.NewEnvelope(ev.EventType, h.Producer, ev.Payload.OrderID, ev.Payload)
	if err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	// the gateway event id doubles as the dedup key of the settlement worker
	env.EventID = ev.ID
	env.TraceID = r.Header.Get("X-Request-Id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := h.Publisher.Publish(ctx, orders.TopicPaymentEvents, env); err != nil {
		logging.WithTrace(ctx, h.Logger).Error("publish payment event",
			zap.String("event_id", ev.ID), zap.String("order_id", ev.Payload.OrderID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "event not accepted, retry later")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}
