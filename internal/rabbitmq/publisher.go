package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes with publisher confirms and reports mandatory returns
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	publishTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout bounds a publish whose context has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets how many times a retryable failure is retried
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher drawing channels from pool
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
		maxRetries:     3,
		retryDelay:     200 * time.Millisecond,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes msg and waits for the broker confirm. With mandatory set,
// an unroutable message fails with ErrMandatoryFailed and is not retried.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * p.retryDelay):
			case <-ctx.Done():
				return p.publishError(exchange, routingKey, mandatory, ctx.Err())
			}
			p.logger.Debug("retrying publish",
				"exchange", exchange,
				"routingKey", routingKey,
				"attempt", attempt,
				"error", lastErr,
			)
		}

		err := p.publishOnce(ctx, exchange, routingKey, mandatory, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}

	return p.publishError(exchange, routingKey, mandatory, lastErr)
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	return p.pool.Execute(ctx, func(ch *PooledChannel) error {
		drainReturns(ch)

		confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, mandatory, false, msg)
		if err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}
		if confirm == nil {
			// channel not in confirm mode
			return nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()

		acked, err := confirm.WaitContext(waitCtx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPublishNotConfirmed, err)
		}
		if !acked {
			return fmt.Errorf("%w: message was nacked", ErrPublishNotConfirmed)
		}

		// the broker sends basic.return before the ack of an unroutable message
		select {
		case ret := <-ch.Returns():
			if ret.MessageId == msg.MessageId {
				return fmt.Errorf("%w: %d %s", ErrMandatoryFailed, ret.ReplyCode, ret.ReplyText)
			}
		default:
		}
		return nil
	})
}

func (p *Publisher) publishError(exchange, routingKey string, mandatory bool, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Mandatory:  mandatory,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// drainReturns discards returns left over from an earlier holder
func drainReturns(ch *PooledChannel) {
	for {
		select {
		case <-ch.Returns():
		default:
			return
		}
	}
}
