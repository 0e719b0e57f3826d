package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/storefront-fulfillment/internal/auth"
	"github.com/ariefcatur/storefront-fulfillment/internal/fulfillment"
	"github.com/ariefcatur/storefront-fulfillment/internal/logging"
	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/storefront-fulfillment/internal/payments"
	"github.com/ariefcatur/storefront-fulfillment/internal/resilience"
	"github.com/ariefcatur/storefront-fulfillment/internal/returns"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, errorBody{Error: errCode, Message: msg})
}

// classify maps a domain error onto a status code and a stable error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, orders.ErrValidation),
		errors.Is(err, fulfillment.ErrExceedsOrdered),
		errors.Is(err, returns.ErrExceedsPurchased),
		errors.Is(err, payments.ErrInvalidWebhook):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, orders.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, orders.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, orders.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, orders.ErrAlreadyRefunded):
		return http.StatusConflict, "already_refunded"
	case errors.Is(err, orders.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, orders.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable, "service_unavailable"
	case errors.Is(err, payments.ErrGateway):
		return http.StatusBadGateway, "payment_gateway_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// respondErr writes the error envelope for err. Unexpected errors are logged
// and their message is not exposed.
func respondErr(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code, errCode := classify(err)
	body := errorBody{Error: errCode, Message: err.Error()}

	var stockErr *orders.StockError
	var limitErr *orders.RateLimitError
	var openErr *resilience.OpenError
	switch {
	case errors.As(err, &stockErr):
		body.Details = stockErr
	case errors.As(err, &limitErr):
		w.Header().Set("Retry-After", retryAfter(limitErr.RetryAfter))
	case errors.As(err, &openErr):
		w.Header().Set("Retry-After", retryAfter(openErr.RetryAfter))
	}

	if code == http.StatusInternalServerError {
		logging.WithTrace(r.Context(), logger).Error("request failed",
			zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		body.Message = "internal server error"
	}
	writeJSON(w, code, body)
}

func retryAfter(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &requestError{err: err}
	}
	return nil
}

type requestError struct{ err error }

func (e *requestError) Error() string { return "invalid json: " + e.err.Error() }

func (e *requestError) Unwrap() error { return e.err }

func (e *requestError) Is(target error) bool { return target == orders.ErrValidation }
