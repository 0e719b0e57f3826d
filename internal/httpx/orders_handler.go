package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/storefront-fulfillment/internal/auth"
	"github.com/ariefcatur/storefront-fulfillment/internal/checkout"
	"github.com/ariefcatur/storefront-fulfillment/internal/fulfillment"
	"github.com/ariefcatur/storefront-fulfillment/internal/inventory"
	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/storefront-fulfillment/internal/resilience"
	"github.com/ariefcatur/storefront-fulfillment/internal/returns"
)

// AdminWritePolicy limits state-changing admin calls per admin.
var AdminWritePolicy = resilience.Policy{Prefix: "admin-write", Limit: 20, Window: time.Minute}

type OrdersHandler struct {
	Checkout  *checkout.Service
	Orders    *orders.Manager
	Tracker   *fulfillment.Tracker
	Returns   *returns.Processor
	Inventory *inventory.Service
	Breakers  *resilience.Registry
	Limiter   resilience.Limiter
	// AdminPolicy defaults to AdminWritePolicy.
	AdminPolicy resilience.Policy
	Logger      *zap.Logger
}

type checkoutReq struct {
	Items           []orders.CartItem `json:"items"`
	ShippingCents   int64             `json:"shipping_cents"`
	ShippingAddress orders.Address    `json:"shipping_address"`
}

type checkoutResp struct {
	Order       orderView `json:"order"`
	RedirectURL string    `json:"redirect_url,omitempty"`
}

type shipmentReq struct {
	TrackingNumber string             `json:"tracking_number"`
	Carrier        string             `json:"carrier"`
	LabelURL       string             `json:"label_url"`
	Items          []fulfillment.Line `json:"items"`
}

type returnReq struct {
	Reason string         `json:"reason"`
	Items  []returns.Line `json:"items"`
}

type restockReq struct {
	Qty    int    `json:"qty"`
	Reason string `json:"reason"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	if h.Logger == nil {
		h.Logger = zap.NewNop()
	}
	if h.AdminPolicy == (resilience.Policy{}) {
		h.AdminPolicy = AdminWritePolicy
	}

	r.Post("/checkout", h.checkout)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Get("/orders/{id}/shipments", h.listShipments)

	r.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/products/{id}/ledger", h.ledger)
		r.Get("/products/{id}/reconcile", h.reconcile)
		r.Get("/circuit-breakers", h.breakers)

		r.Group(func(r chi.Router) {
			r.Use(h.limitAdminWrites)
			r.Post("/orders/{id}/shipments", h.createShipment)
			r.Post("/orders/{id}/refund", h.refund)
			r.Post("/orders/{id}/returns", h.processReturn)
			r.Post("/orders/{id}/cancel", h.cancelOrder)
			r.Post("/products/{id}/restock", h.restock)
		})
	})
}

func actor(r *http.Request) auth.Actor {
	a, _ := auth.ActorFromContext(r.Context())
	return a
}

func (h *OrdersHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.RequireAdmin(actor(r)); err != nil {
			respondErr(w, r, h.Logger, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitAdminWrites fails open when the limiter backend is unavailable.
func (h *OrdersHandler) limitAdminWrites(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a := actor(r)
		d, err := h.AdminPolicy.Check(r.Context(), h.Limiter, a.ID)
		if err != nil {
			h.Logger.Warn("admin rate limiter unavailable, admitting", zap.String("actor_id", a.ID), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !d.Allowed {
			respondErr(w, r, h.Logger, &orders.RateLimitError{Key: h.AdminPolicy.Key(a.ID), RetryAfter: d.RetryAfter})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *OrdersHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutReq
	if err := decode(w, r, &req); err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res, err := h.Checkout.Checkout(ctx, actor(r), orders.Cart{Items: req.Items, ShippingCents: req.ShippingCents}, req.ShippingAddress)
	if err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, checkoutResp{Order: toOrderView(res.Order), RedirectURL: res.RedirectURL})
}

// ownedOrder loads the order when the caller owns it or is an admin. Orders of
// other customers are reported as missing.
func (h *OrdersHandler) ownedOrder(ctx context.Context, a auth.Actor, id string) (orders.Order, error) {
	if a.ID == "" {
		return orders.Order{}, auth.ErrUnauthenticated
	}
	o, err := h.Orders.Get(ctx, id)
	if err != nil {
		return orders.Order{}, err
	}
	if o.OwnerID != a.ID && !a.IsAdmin() {
		return orders.Order{}, orders.ErrNotFound
	}
	return o, nil
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.ownedOrder(ctx, actor(r), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(o))
}

func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	a := actor(r)
	if a.ID == "" {
		respondErr(w, r, h.Logger, auth.ErrUnauthenticated)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	orderID := chi.URLParam(r, "id")
	s, err := h.Orders.LookupStatus(ctx, orderID)
	if err == nil && s.OwnerID != a.ID && !a.IsAdmin() {
		err = orders.ErrNotFound
	}
	if err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": orderID, "status": s.Status})
}

func (h *OrdersHandler) listShipments(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.ownedOrder(ctx, actor(r), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	shipments, err := h.Tracker.Shipments(ctx, o.ID)
	if err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	out := make([]shipmentView, 0, len(shipments))
	for _, s := range shipments {
		out = append(out, toShipmentView(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) createShipment(w http.ResponseWriter, r *http.Request) {
	var req shipmentReq
	if err := decode(w, r, &req); err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	s, o, err := h.Tracker.CreateShipment(ctx, actor(r), fulfillment.ShipmentRequest{
		OrderID:        chi.URLParam(r, "id"),
		TrackingNumber: req.TrackingNumber,
		Carrier:        req.Carrier,
		LabelURL:       req.LabelURL,
		Lines:          req.Items,
	})
	if err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"shipment": toShipmentView(s), "order": toOrderView(o)})
}

func (h *OrdersHandler) refund(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	o, err := h.Returns.Refund(ctx, actor(r), chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(o))
}

func (h *OrdersHandler) processReturn(w http.ResponseWriter, r *http.Request) {
	var req returnReq
	if err := decode(w, r, &req); err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	ret, o, err := h.Returns.ProcessReturn(ctx, actor(r), returns.ReturnInput{
		OrderID: chi.URLParam(r, "id"),
		Reason:  req.Reason,
		Items:   req.Items,
	})
	if err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"return": toReturnView(ret), "order": toOrderView(o)})
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if err := decode(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondErr(w, r, h.Logger, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "Cancelled by admin"
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.Cancel(ctx, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderView(o))
}

func (h *OrdersHandler) restock(w http.ResponseWriter, r *http.Request) {
	var req restockReq
	if err := decode(w, r, &req); err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	p, err := h.Inventory.Restock(ctx, actor(r), chi.URLParam(r, "id"), req.Qty, req.Reason)
	if err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, productStockView{
		ID: p.ID, StockQuantity: p.StockQuantity, ReservedStock: p.ReservedStock, Available: p.Available(),
	})
}

func (h *OrdersHandler) ledger(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	entries, err := h.Inventory.Ledger(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerView(entries))
}

func (h *OrdersHandler) reconcile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	rec, err := h.Inventory.Reconcile(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondErr(w, r, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reconciliation": rec, "balanced": rec.Balanced()})
}

func (h *OrdersHandler) breakers(w http.ResponseWriter, r *http.Request) {
	states := map[string]resilience.State{}
	if h.Breakers != nil {
		states = h.Breakers.States()
	}
	writeJSON(w, http.StatusOK, states)
}
