package orders

const (
	TopicOrderLifecycle  = "order.lifecycle"
	TopicInventoryLedger = "inventory.ledger"
	TopicLowStock        = "inventory.low_stock"
	TopicPaymentEvents   = "payment.events"
	TopicEmail           = "notification.email"

	// TopicPaymentEventsDLQ holds payment events the settlement worker gave up on.
	TopicPaymentEventsDLQ = "payment.events.dlq"
)

// Partition key = order id so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
