package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out channels in publisher-confirm mode. A channel is held
// by one caller between Get and Put, so confirms and returns seen on it belong
// to that caller.
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	waitTimeout time.Duration
	confirms    bool
	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	id      string
	returns chan amqp.Return
}

// Returns delivers basic.return frames for mandatory publishes on this channel
func (pc *PooledChannel) Returns() <-chan amqp.Return {
	return pc.returns
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum number of open channels
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithWaitTimeout bounds how long Get waits for a free channel
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// WithConfirms turns publisher confirms on or off for new channels
func WithConfirms(enabled bool) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.confirms = enabled
	}
}

// NewChannelPool creates an empty pool. Channels are opened on demand.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: connection manager is required", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		waitTimeout: 5 * time.Second,
		confirms:    true,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get retrieves an idle channel or opens a new one while under maxSize
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, nil
		default:
		}

		if cp.reserve() {
			ch, err := cp.createChannel()
			if err != nil {
				cp.release()
				return nil, err
			}
			return ch, nil
		}

		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			return ch, nil
		case <-ctx.Done():
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
		case <-time.After(cp.waitTimeout):
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
		}
	}
}

// Put returns a channel to the pool. Closed channels are discarded.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if closed || ch.IsClosed() {
		if !ch.IsClosed() {
			ch.Close()
		}
		cp.release()
		return
	}

	select {
	case cp.channels <- ch:
	default:
		ch.Close()
		cp.release()
	}
}

// Close closes every idle channel. Channels still held are closed when put back.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			if !ch.IsClosed() {
				ch.Close()
			}
			cp.release()
		default:
			return nil
		}
	}
}

// Size returns the number of open channels, idle or held
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Execute runs fn with a pooled channel
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) (execErr error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	defer func() {
		if r := recover(); r != nil {
			execErr = fmt.Errorf("panic in channel execution: %v", r)
		}
	}()
	return fn(ch)
}

func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.activeCount >= cp.maxSize {
		return false
	}
	cp.activeCount++
	return true
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.activeCount > 0 {
		cp.activeCount--
	}
}

func (cp *ChannelPool) createChannel() (*PooledChannel, error) {
	id := uuid.New().String()

	ch, err := cp.manager.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: id, Err: fmt.Errorf("%w: %v", ErrChannelCreationFailed, err), Timestamp: time.Now()}
	}

	if cp.confirms {
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return nil, &ChannelError{Op: "enable confirms", ChannelID: id, Err: err, Timestamp: time.Now()}
		}
	}

	return &PooledChannel{
		Channel: ch,
		id:      id,
		returns: ch.NotifyReturn(make(chan amqp.Return, 16)),
	}, nil
}
