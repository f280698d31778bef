package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
)

var (
	// ErrQueueNotFound is returned when addressing a queue that does not exist
	ErrQueueNotFound = errors.New("memory: queue not found")

	// ErrTransportClosed is returned by a transport handle after Close
	ErrTransportClosed = errors.New("memory: transport closed")
)

const defaultQueueCapacity = 1024

// SendHook intercepts every send. A non-nil error fails the send.
type SendHook func(destination string, msg *messaging.Message) error

// Broker is an in-process queue broker. Each component opens its own
// Transport handle on a shared broker, the way it would open its own
// connection to a real broker.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*queue
	capacity int
	sendHook SendHook
	expired  int
}

// BrokerOption configures the broker
type BrokerOption func(*Broker)

// WithQueueCapacity sets how many messages a queue buffers
func WithQueueCapacity(capacity int) BrokerOption {
	return func(b *Broker) {
		b.capacity = capacity
	}
}

// NewBroker creates an empty broker
func NewBroker(options ...BrokerOption) *Broker {
	b := &Broker{
		queues:   make(map[string]*queue),
		capacity: defaultQueueCapacity,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// SetSendHook installs a hook run before every send
func (b *Broker) SetSendHook(hook SendHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendHook = hook
}

// Transport opens a new transport handle on the broker
func (b *Broker) Transport() *Transport {
	return &Transport{
		broker:        b,
		subscriptions: make(map[*subscription]struct{}),
	}
}

// HasQueue reports whether a queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueLen returns the number of messages waiting on a queue
func (b *Broker) QueueLen(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	return len(q.items)
}

// Expired returns how many messages were dropped because their TTL passed
func (b *Broker) Expired() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expired
}

func (b *Broker) declare(name string, options messaging.QueueOptions) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; ok {
		return
	}
	b.queues[name] = &queue{
		name:    name,
		options: options,
		items:   make(chan item, b.capacity),
		done:    make(chan struct{}),
	}
}

func (b *Broker) lookup(name string) (*queue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return q, ok
}

func (b *Broker) remove(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		delete(b.queues, name)
		close(q.done)
	}
}

func (b *Broker) removeQueue(q *queue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.queues[q.name]; ok && current == q {
		delete(b.queues, q.name)
		close(q.done)
	}
}

func (b *Broker) publish(ctx context.Context, destination string, msg *messaging.Message) error {
	b.mu.Lock()
	hook := b.sendHook
	q, ok := b.queues[destination]
	b.mu.Unlock()

	if hook != nil {
		if err := hook(destination, msg); err != nil {
			return err
		}
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, destination)
	}

	select {
	case q.items <- item{msg: copyMessage(msg), enqueuedAt: time.Now()}:
		return nil
	case <-q.done:
		return fmt.Errorf("%w: %s", ErrQueueNotFound, destination)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) markExpired() {
	b.mu.Lock()
	b.expired++
	b.mu.Unlock()
}

// queue is a named FIFO buffer with competing consumers
type queue struct {
	name      string
	options   messaging.QueueOptions
	items     chan item
	done      chan struct{}
	consumers int
	mu        sync.Mutex
}

type item struct {
	msg        *messaging.Message
	enqueuedAt time.Time
}

func (it item) expired(now time.Time) bool {
	return it.msg.TTL > 0 && now.Sub(it.enqueuedAt) > it.msg.TTL
}

// requeue puts an item back, dropping it if the queue is full or gone
func (q *queue) requeue(it item) bool {
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.items <- it:
		return true
	default:
		return false
	}
}

func copyMessage(msg *messaging.Message) *messaging.Message {
	c := *msg
	if msg.Body != nil {
		c.Body = append([]byte(nil), msg.Body...)
	}
	if msg.Headers != nil {
		c.Headers = make(map[string]interface{}, len(msg.Headers))
		for k, v := range msg.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// Transport is one component's handle on a Broker. It implements
// messaging.Transport.
type Transport struct {
	broker        *Broker
	mu            sync.Mutex
	closed        bool
	subscriptions map[*subscription]struct{}
}

var _ messaging.Transport = (*Transport)(nil)

// NewSender implements messaging.Transport
func (t *Transport) NewSender(destination string) (messaging.Sender, error) {
	if destination == "" {
		return nil, fmt.Errorf("destination cannot be empty")
	}
	if t.isClosed() {
		return nil, ErrTransportClosed
	}
	return &sender{transport: t, destination: destination}, nil
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

	q, ok := t.broker.lookup(source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, source)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		transport: t,
		queue:     q,
		onMessage: onMessage,
		onError:   onError,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	q.mu.Lock()
	q.consumers++
	q.mu.Unlock()

	t.subscriptions[sub] = struct{}{}
	go sub.run(subCtx)

	return sub, nil
}

// QueueExists implements messaging.Transport
func (t *Transport) QueueExists(ctx context.Context, name string) (bool, error) {
	if t.isClosed() {
		return false, ErrTransportClosed
	}
	return t.broker.HasQueue(name), nil
}

// CreateQueue implements messaging.Transport
func (t *Transport) CreateQueue(ctx context.Context, name string, options messaging.QueueOptions) error {
	if name == "" {
		return fmt.Errorf("queue name cannot be empty")
	}
	if t.isClosed() {
		return ErrTransportClosed
	}
	t.broker.declare(name, options)
	return nil
}

// DeleteQueue implements messaging.Transport
func (t *Transport) DeleteQueue(ctx context.Context, name string) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	t.broker.remove(name)
	return nil
}

// Close stops every subscription opened through this handle
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subscriptions))
	for sub := range t.subscriptions {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) forget(sub *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscriptions, sub)
}

type sender struct {
	transport   *Transport
	destination string
}

// Send implements messaging.Sender
func (s *sender) Send(ctx context.Context, msg *messaging.Message) error {
	if s.transport.isClosed() {
		return ErrTransportClosed
	}
	return s.transport.broker.publish(ctx, s.destination, msg)
}

// Close implements messaging.Sender
func (s *sender) Close() error {
	return nil
}

type subscription struct {
	transport *Transport
	queue     *queue
	onMessage messaging.DeliveryHandler
	onError   messaging.ErrorHandler
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue.done:
			return
		case it := <-s.queue.items:
			if it.expired(time.Now()) {
				s.transport.broker.markExpired()
				continue
			}
			if err := s.onMessage(ctx, it.msg); err != nil {
				if errors.Is(err, messaging.ErrRedeliver) {
					s.queue.requeue(it)
				}
				if s.onError != nil {
					s.onError(err)
				}
			}
		}
	}
}

// Close implements messaging.Subscription
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.transport.forget(s)

		q := s.queue
		q.mu.Lock()
		q.consumers--
		last := q.consumers == 0
		q.mu.Unlock()
		if last && q.options.AutoDelete {
			s.transport.broker.removeQueue(q)
		}
	})
	return nil
}
