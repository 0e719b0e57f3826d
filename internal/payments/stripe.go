package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"
)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	refunds  stripeRefundAPI
}

type StripeConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   *zap.Logger
	clients  *stripeClients
}

// Stripe charges through Checkout Sessions; the payment outcome is delivered
// by webhook.
type Stripe struct {
	api    stripeClients
	logger *zap.Logger
}

func NewStripe(cfg StripeConfig) (*Stripe, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.clients == nil {
		return nil, errors.New("stripe: api key is required")
	}
	var clients stripeClients
	if cfg.clients != nil {
		clients = *cfg.clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{sessions: sc.CheckoutSessions, refunds: sc.Refunds}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stripe{api: clients, logger: logger}, nil
}

func (s *Stripe) Provider() string { return "stripe" }

func (s *Stripe) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.OrderID),
		Metadata:          map[string]string{"orderId": req.OrderID},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{"orderId": req.OrderID},
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}

	currency := strings.ToLower(req.Currency)
	for _, it := range req.Items {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String(it.Name)}
		if it.Image != "" {
			product.Images = stripe.StringSlice([]string{it.Image})
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(it.Qty),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(currency),
				UnitAmount:  stripe.Int64(it.UnitAmount),
				ProductData: product,
			},
		})
	}
	if req.ShippingCents > 0 {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(currency),
				UnitAmount:  stripe.Int64(req.ShippingCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripe.String("Shipping")},
			},
		})
	}

	session, err := s.api.sessions.New(params)
	if err != nil {
		return ChargeResult{}, &GatewayError{Provider: "stripe", Op: "create checkout session", Err: err}
	}
	res := ChargeResult{SessionID: session.ID, RedirectURL: session.URL}
	if session.PaymentIntent != nil {
		res.TransactionID = session.PaymentIntent.ID
	}
	s.logger.Info("stripe checkout session created",
		zap.String("order_id", req.OrderID), zap.String("session_id", session.ID))
	return res, nil
}

func (s *Stripe) Refund(ctx context.Context, req RefundRequest) error {
	if strings.TrimSpace(req.TransactionID) == "" {
		return &GatewayError{Provider: "stripe", Op: "refund", Err: errors.New("transaction id is required")}
	}
	params := &stripe.RefundParams{PaymentIntent: stripe.String(req.TransactionID)}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if req.OrderID != "" {
		params.AddMetadata("orderId", req.OrderID)
	}
	if req.Reason != "" {
		params.Reason = stripe.String(req.Reason)
	}
	if _, err := s.api.refunds.New(params); err != nil {
		return &GatewayError{Provider: "stripe", Op: "refund payment intent", Err: err}
	}
	s.logger.Info("stripe refund issued",
		zap.String("order_id", req.OrderID), zap.String("payment_intent", req.TransactionID))
	return nil
}
