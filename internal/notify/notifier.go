package notify

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
	"github.com/ariefcatur/storefront-fulfillment/internal/resilience"
)

// Notifier delivers a message to a customer. Delivery is best-effort; callers
// log failures and carry on.
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

var ErrNoRecipient = errors.New("notify: recipient is empty")

// Outbox queues emails on the notification topic for the mail worker.
type Outbox struct {
	publisher orders.EventPublisher
	producer  string
}

func NewOutbox(p orders.EventPublisher, producer string) *Outbox {
	if p == nil {
		p = orders.NopPublisher
	}
	return &Outbox{publisher: p, producer: producer}
}

func (o *Outbox) Send(ctx context.Context, to, subject, body string) error {
	if strings.TrimSpace(to) == "" {
		return ErrNoRecipient
	}
	env, err := orders.NewEnvelope(orders.EventEmailRequested, o.producer, to, orders.EmailPayload{To: to, Subject: subject, Body: body})
	if err != nil {
		return err
	}
	return o.publisher.Publish(ctx, orders.TopicEmail, env)
}

// Log writes emails to the logger instead of sending them.
type Log struct{ Logger *zap.Logger }

func (l Log) Send(_ context.Context, to, subject, body string) error {
	if strings.TrimSpace(to) == "" {
		return ErrNoRecipient
	}
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("email", zap.String("to", to), zap.String("subject", subject), zap.Int("body_bytes", len(body)))
	return nil
}

// Guarded routes sends through a circuit breaker.
type Guarded struct {
	Next    Notifier
	Breaker *resilience.Breaker
}

func (g Guarded) Send(ctx context.Context, to, subject, body string) error {
	if g.Breaker == nil {
		return g.Next.Send(ctx, to, subject, body)
	}
	return g.Breaker.Execute(ctx, func(ctx context.Context) error {
		return g.Next.Send(ctx, to, subject, body)
	})
}

// Deliver sends msg and logs instead of returning on failure.
func Deliver(ctx context.Context, n Notifier, logger *zap.Logger, to string, msg Message) {
	if n == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := n.Send(ctx, to, msg.Subject, msg.Body); err != nil {
		logger.Warn("notification failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}
