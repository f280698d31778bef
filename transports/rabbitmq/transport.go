package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/mmate-rpc/internal/rabbitmq"
	"github.com/glimte/mmate-rpc/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"
)

// ErrTransportClosed is returned after Close
var ErrTransportClosed = errors.New("rabbitmq: transport closed")

// Transport implements messaging.Transport over RabbitMQ. Messages are
// published to the default exchange with the queue name as routing key.
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	watcher   *connectionWatcher
	logger    *slog.Logger

	enableFIFO bool

	mu            sync.Mutex
	closed        bool
	subscriptions map[*rabbitmq.Subscription]struct{}
}

var _ messaging.Transport = (*Transport)(nil)

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Logger             *slog.Logger
	ConnectionOptions  []rabbitmq.ConnectionOption
	ChannelPoolOptions []rabbitmq.ChannelPoolOption
	PublisherOptions   []rabbitmq.PublisherOption
	ConsumerOptions    []rabbitmq.ConsumerOption
	EnableFIFO         bool
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithLogger sets the logger of the transport and its AMQP plumbing
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithFIFOMode declares created queues with a single active consumer
func WithFIFOMode(enabled bool) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.EnableFIFO = enabled
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithChannelPoolOptions sets channel pool options
func WithChannelPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ChannelPoolOptions = append(cfg.ChannelPoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// NewTransport connects to the broker at url
func NewTransport(ctx context.Context, url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		Logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	watcher := &connectionWatcher{logger: cfg.Logger.With("broker", rabbitmq.SanitizeURL(url))}
	manager.AddStateListener(watcher)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, cfg.ChannelPoolOptions...)
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	consOpts := append([]rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerLogger(cfg.Logger),
		rabbitmq.WithRequeuePolicy(requeueOnRedeliver),
	}, cfg.ConsumerOptions...)

	return &Transport{
		manager:       manager,
		pool:          pool,
		publisher:     rabbitmq.NewPublisher(pool, pubOpts...),
		consumer:      rabbitmq.NewConsumer(manager, consOpts...),
		topology:      rabbitmq.NewTopologyManager(manager, pool),
		watcher:       watcher,
		logger:        cfg.Logger,
		enableFIFO:    cfg.EnableFIFO,
		subscriptions: make(map[*rabbitmq.Subscription]struct{}),
	}, nil
}

func requeueOnRedeliver(err error) bool {
	return errors.Is(err, messaging.ErrRedeliver)
}

// NewSender implements messaging.SenderFactory
func (t *Transport) NewSender(destination string) (messaging.Sender, error) {
	if destination == "" {
		return nil, fmt.Errorf("destination cannot be empty")
	}
	if t.isClosed() {
		return nil, ErrTransportClosed
	}
	return &sender{transport: t, queue: destination}, nil
}

// Subscribe implements messaging.Transport
func (t *Transport) Subscribe(ctx context.Context, source string, onMessage messaging.DeliveryHandler, onError messaging.ErrorHandler) (messaging.Subscription, error) {
	if onMessage == nil {
		return nil, fmt.Errorf("message handler cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}

	handler := func(ctx context.Context, d amqp.Delivery) error {
		return onMessage(ctx, fromDelivery(d))
	}
	sub, err := t.consumer.Subscribe(ctx, source, handler, onError)
	if err != nil {
		return nil, err
	}
	t.subscriptions[sub] = struct{}{}

	return &subscription{transport: t, sub: sub}, nil
}

// QueueExists implements messaging.Transport
func (t *Transport) QueueExists(ctx context.Context, name string) (bool, error) {
	if t.isClosed() {
		return false, ErrTransportClosed
	}
	return t.topology.QueueExists(ctx, name)
}

// CreateQueue implements messaging.Transport
func (t *Transport) CreateQueue(ctx context.Context, name string, options messaging.QueueOptions) error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	args := make(amqp.Table)
	for k, v := range options.Args {
		args[k] = v
	}
	if t.enableFIFO {
		args["x-single-active-consumer"] = true
	}

	return t.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:       name,
		Durable:    options.Durable,
		AutoDelete: options.AutoDelete,
		Exclusive:  options.Exclusive,
		Arguments:  args,
	})
}

// DeleteQueue implements messaging.Transport
func (t *Transport) DeleteQueue(ctx context.Context, name string) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	return t.topology.DeleteQueue(ctx, name)
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Reconnects returns how many times the connection was re-established
func (t *Transport) Reconnects() int64 {
	return t.watcher.reconnects.Load()
}

// Close cancels every subscription, then closes channels and the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*rabbitmq.Subscription, 0, len(t.subscriptions))
	for sub := range t.subscriptions {
		subs = append(subs, sub)
	}
	t.subscriptions = make(map[*rabbitmq.Subscription]struct{})
	t.mu.Unlock()

	var errs error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to cancel consumer %s: %w", sub.ConsumerTag, err))
		}
	}
	errs = multierr.Append(errs, t.pool.Close())
	errs = multierr.Append(errs, t.manager.Close())

	t.logger.Debug("transport closed", "subscriptions", len(subs))
	return errs
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) forget(sub *rabbitmq.Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscriptions, sub)
}

// sender publishes to one queue through the default exchange
type sender struct {
	transport *Transport
	queue     string
}

// Send implements messaging.Sender. A missing queue fails the send instead of
// dropping the message.
func (s *sender) Send(ctx context.Context, msg *messaging.Message) error {
	if s.transport.isClosed() {
		return ErrTransportClosed
	}
	return s.transport.publisher.Publish(ctx, "", s.queue, true, toPublishing(msg))
}

// Close implements messaging.Sender. Channels belong to the transport pool.
func (s *sender) Close() error {
	return nil
}

type subscription struct {
	transport *Transport
	sub       *rabbitmq.Subscription
}

// Close implements messaging.Subscription
func (s *subscription) Close() error {
	s.transport.forget(s.sub)
	return s.sub.Close()
}

// connectionWatcher logs connection state changes. Consumers do not survive a
// reconnect; their subscriptions report ErrConsumerCancelled instead.
type connectionWatcher struct {
	logger     *slog.Logger
	connected  atomic.Int64
	reconnects atomic.Int64
}

func (w *connectionWatcher) OnConnected() {
	if w.connected.Add(1) > 1 {
		w.reconnects.Add(1)
		w.logger.Info("connection re-established")
		return
	}
	w.logger.Debug("connection established")
}

func (w *connectionWatcher) OnDisconnected(err error) {
	w.logger.Warn("connection lost", "error", err)
}

func (w *connectionWatcher) OnReconnecting(attempt int) {
	w.logger.Info("reconnecting", "attempt", attempt)
}
