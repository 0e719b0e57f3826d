package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/storefront-fulfillment/internal/orders"
)

type messageSink interface {
	Publish(ctx context.Context, m kafka.Message) error
}

// Publisher is the orders.EventPublisher backed by a Producer.
type Publisher struct {
	sink messageSink
}

var _ orders.EventPublisher = (*Publisher)(nil)

func NewPublisher(p *Producer) *Publisher { return &Publisher{sink: p} }

func (p *Publisher) Publish(ctx context.Context, topic string, env orders.Envelope) error {
	m, err := Encode(topic, env)
	if err != nil {
		return err
	}
	return p.sink.Publish(ctx, m)
}
