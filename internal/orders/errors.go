package orders

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation marks malformed input rejected before any mutation.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates a missing order or related record.
	ErrNotFound = errors.New("not found")
	// ErrProductNotFound indicates an unknown product id.
	ErrProductNotFound = fmt.Errorf("product %w", ErrNotFound)
	// ErrInsufficientStock indicates a reservation or sale exceeds availability.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrConcurrencyConflict indicates a per-order write lost a race.
	ErrConcurrencyConflict = errors.New("concurrent modification")
	// ErrInvalidTransition indicates the order state forbids the operation.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyRefunded guards against a second refund of the same order.
	ErrAlreadyRefunded = errors.New("order already refunded or cancelled")
	// ErrRateLimited is a deliberate admission-control rejection.
	ErrRateLimited = errors.New("too many requests, try again later")
)

// StockError carries the shortfall of a single product.
type StockError struct {
	ProductID string `json:"product_id"`
	Required  int    `json:"required"`
	Available int    `json:"available"`
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: required %d, available %d", e.ProductID, e.Required, e.Available)
}

func (e *StockError) Is(target error) bool { return target == ErrInsufficientStock }

// TransitionError records the rejected transition.
type TransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: invalid transition %s -> %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// RateLimitError is a denied admission with the time until a slot frees up.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

func validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
