package orders

type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusPending          Status = "PENDING"
	StatusPaid             Status = "PAID"
	StatusPartiallyShipped Status = "PARTIALLY_SHIPPED"
	StatusShipped          Status = "SHIPPED"
	StatusDelivered        Status = "DELIVERED"
	StatusCancelled        Status = "CANCELLED"
	StatusRefunded         Status = "REFUNDED"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

type FulfillmentStatus string

const (
	FulfillmentUnfulfilled        FulfillmentStatus = "UNFULFILLED"
	FulfillmentPartiallyFulfilled FulfillmentStatus = "PARTIALLY_FULFILLED"
	FulfillmentFulfilled          FulfillmentStatus = "FULFILLED"
	FulfillmentReturned           FulfillmentStatus = "RETURNED"
)

var validNext = map[Status]map[Status]bool{
	StatusCreated:          {StatusPending: true, StatusCancelled: true, StatusRefunded: true},
	StatusPending:          {StatusPaid: true, StatusCancelled: true, StatusRefunded: true},
	StatusPaid:             {StatusPartiallyShipped: true, StatusShipped: true, StatusRefunded: true},
	StatusPartiallyShipped: {StatusPartiallyShipped: true, StatusShipped: true, StatusRefunded: true},
	StatusShipped:          {StatusDelivered: true, StatusRefunded: true},
	StatusDelivered:        {StatusRefunded: true},
	// payment that lands after the order expired (late payment recovery)
	StatusCancelled: {StatusPaid: true},
	StatusRefunded:  {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Refundable reports whether an admin refund may still run against the order.
func (s Status) Refundable() bool {
	return s != StatusRefunded && s != StatusCancelled
}

// Reserved reports whether stock is held for the order but not yet sold.
func (s Status) Reserved() bool {
	return s == StatusPending
}

// Shippable reports whether shipments may be recorded against the order.
func (s Status) Shippable() bool {
	return s == StatusPaid || s == StatusPartiallyShipped || s == StatusShipped
}

// Returnable reports whether goods of the order may come back through a return.
func (s Status) Returnable() bool {
	switch s {
	case StatusPaid, StatusPartiallyShipped, StatusShipped, StatusDelivered:
		return true
	}
	return false
}
