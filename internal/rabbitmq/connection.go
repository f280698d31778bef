package rabbitmq

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens an AMQP connection
type Dialer func(url string) (*amqp.Connection, error)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns one AMQP connection and redials it when the broker
// drops it
type ConnectionManager struct {
	url            string
	dial           Dialer
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxDelay       time.Duration
	maxRetries     int
	dialTimeout    time.Duration
	logger         *slog.Logger
	isConnected    bool
	done           chan struct{}
	closeOnce      sync.Once

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts. A negative
// value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialTimeout bounds a single dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithDialer replaces amqp.Dial
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a connection manager for url
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           amqp.Dial,
		reconnectDelay: time.Second,
		maxDelay:       time.Minute,
		maxRetries:     -1,
		dialTimeout:    30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()

	return nil
}

// dialContext dials in a goroutine so ctx and the dial timeout can abandon it
func (cm *ConnectionManager) dialContext(ctx context.Context) (*amqp.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	results := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		results <- result{conn, err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-ctx.Done():
		// close a connection that completes after we gave up
		go func() {
			if r := <-results; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrConnectionTimeout
		}
		return nil, ctx.Err()
	}
}

// attach installs conn and starts watching it. Caller holds cm.mu.
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notifyClose)
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.isConnected = false
	if cm.conn == nil {
		return nil
	}
	conn := cm.conn
	cm.conn = nil
	if conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// watch waits for the connection to close and redials unless Close was called
func (cm *ConnectionManager) watch(notifyClose <-chan *amqp.Error) {
	select {
	case err, ok := <-notifyClose:
		select {
		case <-cm.done:
			return
		default:
		}
		if !ok || err == nil {
			// graceful close initiated by us
			return
		}

		cm.logger.Error("connection closed", "error", err)

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(err)
		cm.reconnect()

	case <-cm.done:
	}
}

// reconnect redials with exponential backoff until it succeeds, Close is
// called or maxRetries is reached
func (cm *ConnectionManager) reconnect() {
	start := time.Now()

	for attempt := 0; cm.maxRetries < 0 || attempt < cm.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cm.backoff(attempt - 1)):
			case <-cm.done:
				return
			}
		}

		cm.logger.Info("attempting to reconnect",
			"attempt", attempt+1,
			"maxRetries", cm.maxRetries,
		)
		cm.notifyReconnecting(attempt + 1)

		conn, err := cm.dialContext(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed",
				"error", err,
				"attempt", attempt+1,
			)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			conn.Close()
			return
		default:
		}
		cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(start),
		)
		cm.notifyConnected()
		return
	}

	cm.logger.Error("max reconnection attempts reached",
		"attempts", cm.maxRetries,
		"duration", time.Since(start),
	)
	cm.notifyDisconnected(&ConnectionError{
		Op:        "reconnect",
		URL:       SanitizeURL(cm.url),
		Err:       ErrMaxRetriesExceeded,
		Timestamp: time.Now(),
		Attempts:  cm.maxRetries,
	})
}

// backoff doubles the base delay per attempt, capped at maxDelay, with
// +/-25% jitter
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = time.Second
	}

	delay := cm.maxDelay
	if attempt < 30 {
		if d := base << uint(attempt); d > 0 && d < cm.maxDelay {
			delay = d
		}
	}

	jitter := time.Duration(float64(delay) * 0.25)
	if jitter <= 0 {
		return delay
	}
	return delay - jitter + time.Duration(rand.Int63n(int64(2*jitter)))
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		go listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		go listener.OnReconnecting(attempt)
	}
}
