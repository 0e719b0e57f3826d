package kafka

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler returns nil only when the message was processed and its offset may
// be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Retry controls how a failing message is retried before it is dead-lettered.
// The delay doubles from Initial up to Max.
type Retry struct {
	Initial time.Duration
	Max     time.Duration
	// Attempts before the message goes to the dead-letter topic. Without a
	// dead-letter sink, or with Attempts <= 0, the message is retried until
	// the consumer stops.
	Attempts int
}

var DefaultRetry = Retry{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Attempts: 10}

func (r Retry) delay(attempt int) time.Duration {
	d := r.Initial
	for i := 1; i < attempt && d < r.Max; i++ {
		d *= 2
	}
	if d > r.Max {
		d = r.Max
	}
	return d
}

const HeaderDeadLetterError = "x-dead-letter-error"

type Consumer struct {
	r       reader
	workers int
	logger  *zap.Logger
	retry   Retry

	dlqTopic string
	dlq      messageSink
}

func NewConsumer(brokers []string, group, topic string, workers int, logger *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if logger == nil {
		logger = zap.NewNop()
	}
	return newConsumer(r, workers, logger.With(zap.String("topic", topic), zap.String("group", group)))
}

func newConsumer(r reader, workers int, logger *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{r: r, workers: workers, logger: logger, retry: DefaultRetry}
}

func (c *Consumer) WithRetry(r Retry) *Consumer {
	if r.Initial <= 0 {
		r.Initial = DefaultRetry.Initial
	}
	if r.Max < r.Initial {
		r.Max = r.Initial
	}
	c.retry = r
	return c
}

// WithDeadLetter sends messages that exhausted their retries to topic.
func (c *Consumer) WithDeadLetter(topic string, sink messageSink) *Consumer {
	c.dlqTopic, c.dlq = topic, sink
	return c
}

// Start fetches messages until ctx is done. Each partition is pinned to one
// worker, so messages of a partition are handled and committed in order and a
// failing message holds back the rest of its partition.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				// once stopping, nothing past an unhandled offset is committed
				if ctx.Err() != nil {
					continue
				}
				if err := c.handle(ctx, h, m); err != nil {
					continue
				}
				if err := c.r.CommitMessages(ctx, m); err != nil {
					c.logger.Error("commit failed",
						zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
				}
			}
		}(jobs[i])
	}
	stop := func() {
		for _, ch := range jobs {
			close(ch)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		select {
		case jobs[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

// handle retries h with backoff. It returns an error only when ctx ends
// before the message was handled or dead-lettered.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) error {
	log := c.logger.With(zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset))
	for attempt := 1; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.dlq != nil && c.retry.Attempts > 0 && attempt >= c.retry.Attempts {
			dlErr := c.deadLetter(ctx, m, err)
			if dlErr == nil {
				log.Error("message dead-lettered", zap.Int("attempts", attempt), zap.String("dlq", c.dlqTopic), zap.Error(err))
				return nil
			}
			log.Error("dead-letter publish failed", zap.Error(dlErr))
		}
		wait := c.retry.delay(attempt)
		log.Warn("handler failed, retrying", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, m kafka.Message, cause error) error {
	headers := append([]kafka.Header{}, m.Headers...)
	headers = append(headers,
		kafka.Header{Key: HeaderDeadLetterError, Value: []byte(cause.Error())},
		kafka.Header{Key: "x-original-topic", Value: []byte(m.Topic)},
		kafka.Header{Key: "x-original-offset", Value: []byte(strconv.FormatInt(m.Offset, 10))},
	)
	return c.dlq.Publish(ctx, kafka.Message{Topic: c.dlqTopic, Key: m.Key, Value: m.Value, Headers: headers})
}
