package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes one delivery. The consumer settles the delivery
// from the returned error.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// RequeuePolicy decides whether a failed delivery goes back on the queue
type RequeuePolicy func(err error) bool

// Consumer opens one dedicated channel per subscription
type Consumer struct {
	manager       *ConnectionManager
	prefetchCount int
	tagPrefix     string
	requeue       RequeuePolicy
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the per-channel prefetch
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTagPrefix sets the prefix of generated consumer tags
func WithConsumerTagPrefix(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithRequeuePolicy sets which handler errors requeue the delivery. Other
// errors ack it so it is not redelivered.
func WithRequeuePolicy(policy RequeuePolicy) ConsumerOption {
	return func(c *Consumer) {
		c.requeue = policy
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager:       manager,
		prefetchCount: 10,
		tagPrefix:     "consumer",
		requeue:       func(error) bool { return false },
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscription is one active consumer on a queue
type Subscription struct {
	Queue       string
	ConsumerTag string

	channel   *amqp.Channel
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Subscribe starts consuming queue. Handler errors and an unexpected end of the
// delivery stream are reported to onError, which may be nil.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler MessageHandler, onError func(error)) (*Subscription, error) {
	tag := fmt.Sprintf("%s-%s", c.tagPrefix, uuid.New().String())
	fail := func(op string, err error) error {
		return &ConsumerError{Queue: queue, ConsumerTag: tag, Op: op, Err: err, Timestamp: time.Now()}
	}

	ch, err := c.manager.Channel()
	if err != nil {
		return nil, fail("open channel", err)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fail("set qos", err)
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fail("consume", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Queue:       queue,
		ConsumerTag: tag,
		channel:     ch,
		cancel:      cancel,
		done:        make(chan struct{}),
	}

	go c.processMessages(subCtx, sub, deliveries, handler, onError)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)

	return sub, nil
}

func (c *Consumer) processMessages(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery, handler MessageHandler, onError func(error)) {
	defer close(sub.done)

	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					c.logger.Warn("delivery channel closed", "queue", sub.Queue, "consumerTag", sub.ConsumerTag)
					report(&ConsumerError{
						Queue:       sub.Queue,
						ConsumerTag: sub.ConsumerTag,
						Op:          "consume",
						Err:         ErrConsumerCancelled,
						Timestamp:   time.Now(),
					})
				}
				return
			}

			err := handler(ctx, delivery)
			if settleErr := c.settle(delivery, err); settleErr != nil {
				c.logger.Error("failed to settle delivery",
					"queue", sub.Queue,
					"messageId", delivery.MessageId,
					"error", settleErr,
				)
			}
			if err != nil {
				report(err)
			}
		}
	}
}

// settle acks a handled delivery and nacks a failed one, requeueing it when
// the policy asks for redelivery
func (c *Consumer) settle(delivery amqp.Delivery, err error) error {
	if err == nil {
		return delivery.Ack(false)
	}
	if c.requeue(err) {
		return delivery.Nack(false, true)
	}
	return delivery.Ack(false)
}

// Close cancels the consumer and closes its channel. Unacked deliveries go
// back to the queue.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done

		if !s.channel.IsClosed() {
			if err := s.channel.Cancel(s.ConsumerTag, false); err != nil {
				s.closeErr = err
			}
			if err := s.channel.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}
