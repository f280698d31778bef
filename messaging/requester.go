package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// InboxPolicy selects how reply inboxes are allocated
type InboxPolicy int

const (
	// InboxPerProcess uses one stable inbox for every request of the requester
	InboxPerProcess InboxPolicy = iota

	// InboxPerRequest creates, subscribes and deletes a unique inbox around each request
	InboxPerRequest
)

func (p InboxPolicy) String() string {
	switch p {
	case InboxPerProcess:
		return "per-process"
	case InboxPerRequest:
		return "per-request"
	default:
		return fmt.Sprintf("InboxPolicy(%d)", int(p))
	}
}

const (
	// DefaultRequestTimeout is used when no timeout is configured
	DefaultRequestTimeout = 5 * time.Second

	defaultInboxBuffer  = 256
	inboxCleanupTimeout = 10 * time.Second
)

// RequesterConfig holds requester configuration
type RequesterConfig struct {
	ReplyInbox     string
	InboxPolicy    InboxPolicy
	InboxOptions   QueueOptions
	DefaultTimeout time.Duration
	InboxBuffer    int
	Logger         *slog.Logger
	Metrics        MetricsCollector
	Clock          clock.Clock
}

// RequesterOption configures the requester
type RequesterOption func(*RequesterConfig)

// WithReplyInbox sets the reply inbox name. With InboxPerRequest it is the
// prefix of the generated inbox names.
func WithReplyInbox(name string) RequesterOption {
	return func(c *RequesterConfig) {
		c.ReplyInbox = name
	}
}

// WithInboxPolicy sets the reply inbox policy
func WithInboxPolicy(policy InboxPolicy) RequesterOption {
	return func(c *RequesterConfig) {
		c.InboxPolicy = policy
	}
}

// WithInboxOptions sets the options used when the requester creates its inbox
func WithInboxOptions(options QueueOptions) RequesterOption {
	return func(c *RequesterConfig) {
		c.InboxOptions = options
	}
}

// WithDefaultTimeout sets the timeout for requests that do not set one
func WithDefaultTimeout(timeout time.Duration) RequesterOption {
	return func(c *RequesterConfig) {
		c.DefaultTimeout = timeout
	}
}

// WithInboxBuffer sets the capacity of the channel between the inbox
// subscription and the dispatch loop
func WithInboxBuffer(size int) RequesterOption {
	return func(c *RequesterConfig) {
		c.InboxBuffer = size
	}
}

// WithRequesterLogger sets the logger
func WithRequesterLogger(logger *slog.Logger) RequesterOption {
	return func(c *RequesterConfig) {
		c.Logger = logger
	}
}

// WithRequesterMetrics sets the metrics collector
func WithRequesterMetrics(metrics MetricsCollector) RequesterOption {
	return func(c *RequesterConfig) {
		c.Metrics = metrics
	}
}

// WithClock sets the clock driving request timeouts
func WithClock(clk clock.Clock) RequesterOption {
	return func(c *RequesterConfig) {
		c.Clock = clk
	}
}

// DefaultReplyInbox derives the per-process inbox name from the host name
func DefaultReplyInbox() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "reply-" + uuid.New().String()[:8]
	}
	return "reply-" + strings.ToLower(host)
}

// RequestOption configures a single request
type RequestOption func(*requestOptions)

type requestOptions struct {
	timeout time.Duration
	ttl     time.Duration
}

// WithTimeout overrides the default timeout for one request
func WithTimeout(timeout time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.timeout = timeout
	}
}

// WithTTL sets the time-to-live of the request message. It defaults to the
// request timeout.
func WithTTL(ttl time.Duration) RequestOption {
	return func(o *requestOptions) {
		o.ttl = ttl
	}
}

// Requester issues requests on a request queue and awaits correlated
// responses on its reply inbox
type Requester struct {
	transport      Transport
	requestQueue   string
	sender         Sender
	pending        *pendingTable
	replyInbox     string
	inboxPolicy    InboxPolicy
	inboxOptions   QueueOptions
	defaultTimeout time.Duration
	logger         *slog.Logger
	metrics        MetricsCollector
	clock          clock.Clock

	inbound  chan *Message
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	mu           sync.Mutex
	started      bool
	closed       bool
	subscription Subscription
	createdInbox bool
}

// NewRequester creates a requester sending to requestQueue over transport.
// Start must be called before responses can be received.
func NewRequester(transport Transport, requestQueue string, opts ...RequesterOption) (*Requester, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if requestQueue == "" {
		return nil, fmt.Errorf("request queue cannot be empty")
	}

	config := &RequesterConfig{
		InboxPolicy:    InboxPerProcess,
		InboxOptions:   QueueOptions{Durable: false, AutoDelete: false},
		DefaultTimeout: DefaultRequestTimeout,
		InboxBuffer:    defaultInboxBuffer,
		Logger:         slog.Default(),
		Metrics:        &NoOpMetricsCollector{},
		Clock:          clock.New(),
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.ReplyInbox == "" {
		config.ReplyInbox = DefaultReplyInbox()
	}
	if config.DefaultTimeout <= 0 {
		return nil, fmt.Errorf("default timeout must be positive, got %v", config.DefaultTimeout)
	}
	if config.InboxBuffer <= 0 {
		return nil, fmt.Errorf("inbox buffer must be positive, got %d", config.InboxBuffer)
	}

	sender, err := transport.NewSender(requestQueue)
	if err != nil {
		return nil, &contracts.TransportError{Op: "createSender", Destination: requestQueue, Err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Requester{
		transport:      transport,
		requestQueue:   requestQueue,
		sender:         sender,
		pending:        newPendingTable(config.Clock),
		replyInbox:     config.ReplyInbox,
		inboxPolicy:    config.InboxPolicy,
		inboxOptions:   config.InboxOptions,
		defaultTimeout: config.DefaultTimeout,
		logger:         config.Logger,
		metrics:        config.Metrics,
		clock:          config.Clock,
		inbound:        make(chan *Message, config.InboxBuffer),
		ctx:            ctx,
		cancel:         cancel,
		loopDone:       make(chan struct{}),
	}, nil
}

// ReplyInbox returns the inbox name (the prefix under InboxPerRequest)
func (r *Requester) ReplyInbox() string {
	return r.replyInbox
}

// Pending returns the number of requests awaiting settlement
func (r *Requester) Pending() int {
	return r.pending.len()
}

// Start ensures the reply inbox exists, subscribes to it and starts
// dispatching responses
func (r *Requester) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRequesterClosed
	}
	if r.started {
		return ErrAlreadyStarted
	}

	if r.inboxPolicy == InboxPerProcess {
		created, err := r.ensureInbox(ctx)
		if err != nil {
			return err
		}
		r.createdInbox = created

		sub, err := r.transport.Subscribe(r.ctx, r.replyInbox, r.enqueue, r.onReceiveError)
		if err != nil {
			return &contracts.TransportError{Op: "subscribe", Destination: r.replyInbox, Err: err}
		}
		r.subscription = sub
	}

	go r.dispatchLoop()
	r.started = true

	r.logger.Info("start receiving responses",
		"replyInbox", r.replyInbox,
		"inboxPolicy", r.inboxPolicy.String(),
		"requestQueue", r.requestQueue,
	)

	return nil
}

// ensureInbox creates the reply inbox unless it already exists and reports
// whether this call created it
func (r *Requester) ensureInbox(ctx context.Context) (bool, error) {
	exists, err := r.transport.QueueExists(ctx, r.replyInbox)
	if err != nil {
		return false, &contracts.TransportError{Op: "queueExists", Destination: r.replyInbox, Err: err}
	}
	if exists {
		return false, nil
	}

	r.logger.Debug("creating reply inbox", "replyInbox", r.replyInbox)
	if err := r.transport.CreateQueue(ctx, r.replyInbox, r.inboxOptions); err != nil {
		return false, &contracts.TransportError{Op: "createQueue", Destination: r.replyInbox, Err: err}
	}
	return true, nil
}

// Request sends payload and waits for the correlated response, a timeout or
// ctx cancellation, whichever comes first. A success response returns its
// data; a failure response returns a *contracts.RemoteError.
func (r *Requester) Request(ctx context.Context, payload any, opts ...RequestOption) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ro := requestOptions{timeout: r.defaultTimeout}
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.ttl <= 0 {
		ro.ttl = ro.timeout
	}

	requestID := uuid.New().String()
	replyTo := r.replyInbox

	if r.inboxPolicy == InboxPerRequest {
		inbox, cleanup, err := r.openRequestInbox(ctx, requestID)
		if err != nil {
			r.metrics.RecordRequest(OutcomeError, 0)
			return nil, err
		}
		defer cleanup()
		replyTo = inbox
	}

	env, err := contracts.NewRequestEnvelope(requestID, replyTo, payload)
	if err != nil {
		r.metrics.RecordRequest(OutcomeError, 0)
		return nil, err
	}
	body, err := json.Marshal(env)
	if err != nil {
		r.metrics.RecordRequest(OutcomeError, 0)
		return nil, fmt.Errorf("failed to marshal request envelope: %w", err)
	}

	entry, err := r.pending.register(requestID, ro.timeout, r.expire)
	if err != nil {
		if errors.Is(err, errTableClosed) {
			return nil, ErrRequesterClosed
		}
		return nil, err
	}
	r.metrics.RecordPending(r.pending.len())

	msg := &Message{
		MessageID:     requestID,
		CorrelationID: requestID,
		ReplyTo:       replyTo,
		ContentType:   "application/json",
		TTL:           ro.ttl,
		Body:          body,
	}

	if err := r.sender.Send(ctx, msg); err != nil {
		r.pending.take(requestID)
		r.metrics.RecordRequest(OutcomeError, r.clock.Since(entry.sentAt))
		r.metrics.RecordPending(r.pending.len())
		r.logger.Error("failed to send request",
			"requestId", requestID,
			"queue", r.requestQueue,
			"error", err,
		)
		return nil, &contracts.TransportError{Op: "send", Destination: r.requestQueue, Err: err}
	}

	r.logger.Debug("request sent",
		"requestId", requestID,
		"queue", r.requestQueue,
		"replyTo", replyTo,
		"timeout", ro.timeout,
	)

	return r.await(ctx, entry)
}

// await blocks until the entry is settled. Cancellation competes for the
// entry through take like the timer and the dispatch loop do.
func (r *Requester) await(ctx context.Context, entry *pendingRequest) (json.RawMessage, error) {
	var s settlement
	select {
	case s = <-entry.result:
	case <-ctx.Done():
		if _, ok := r.pending.take(entry.id); ok {
			s = settlement{err: ctx.Err(), outcome: OutcomeCanceled}
		} else {
			s = <-entry.result
		}
	}

	r.metrics.RecordRequest(s.outcome, r.clock.Since(entry.sentAt))
	r.metrics.RecordPending(r.pending.len())

	return s.data, s.err
}

// expire runs when a request timer fires
func (r *Requester) expire(requestID string) {
	entry, ok := r.pending.take(requestID)
	if !ok {
		return
	}

	r.logger.Warn("request timed out",
		"requestId", requestID,
		"timeout", entry.timeout,
	)
	entry.settle(settlement{
		err:     &contracts.TimeoutError{RequestID: requestID, Timeout: entry.timeout},
		outcome: OutcomeTimeout,
	})
}

// openRequestInbox creates and subscribes a unique inbox for one request.
// The returned cleanup unsubscribes and deletes it.
func (r *Requester) openRequestInbox(ctx context.Context, requestID string) (string, func(), error) {
	name := fmt.Sprintf("%s-%s", r.replyInbox, requestID)
	options := r.inboxOptions
	options.AutoDelete = true

	if err := r.transport.CreateQueue(ctx, name, options); err != nil {
		return "", nil, &contracts.TransportError{Op: "createQueue", Destination: name, Err: err}
	}

	sub, err := r.transport.Subscribe(r.ctx, name, r.enqueue, r.onReceiveError)
	if err != nil {
		r.deleteInbox(name)
		return "", nil, &contracts.TransportError{Op: "subscribe", Destination: name, Err: err}
	}

	cleanup := func() {
		if err := sub.Close(); err != nil {
			r.logger.Warn("failed to close inbox subscription", "replyInbox", name, "error", err)
		}
		r.deleteInbox(name)
	}
	return name, cleanup, nil
}

// deleteInbox deletes an inbox, logging failures
func (r *Requester) deleteInbox(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), inboxCleanupTimeout)
	defer cancel()

	if err := r.transport.DeleteQueue(ctx, name); err != nil {
		r.logger.Warn("failed to delete reply inbox", "replyInbox", name, "error", err)
		return
	}
	r.logger.Debug("deleted reply inbox", "replyInbox", name)
}

// enqueue is the inbox subscription callback. It hands the message to the
// dispatch loop, blocking while the buffer is full.
func (r *Requester) enqueue(ctx context.Context, msg *Message) error {
	select {
	case r.inbound <- msg:
		return nil
	case <-r.ctx.Done():
		return ErrRequesterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Requester) onReceiveError(err error) {
	r.logger.Warn("receiver error", "replyInbox", r.replyInbox, "error", err)
}

// dispatchLoop settles pending requests from inbound responses
func (r *Requester) dispatchLoop() {
	defer close(r.loopDone)

	for {
		select {
		case msg := <-r.inbound:
			r.handleResponse(msg)
		case <-r.ctx.Done():
			return
		}
	}
}

// handleResponse matches one response to its pending request
func (r *Requester) handleResponse(msg *Message) {
	env, err := contracts.DecodeResponse(msg.Body)
	if err != nil {
		r.logger.Warn("dropping undecodable response",
			"messageId", msg.MessageID,
			"error", err,
		)
		return
	}

	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = env.CorrelationID
	}
	if correlationID == "" {
		r.metrics.RecordUnmatched()
		r.logger.Warn("dropping response without correlation id", "messageId", msg.MessageID)
		return
	}

	entry, ok := r.pending.take(correlationID)
	if !ok {
		r.metrics.RecordUnmatched()
		r.logger.Warn("dropping response",
			"correlationId", correlationID,
			"reason", contracts.ErrUnmatchedResponse,
		)
		return
	}

	outcome := env.Outcome()
	if outcome.IsSuccess() {
		entry.settle(settlement{data: outcome.Data(), outcome: OutcomeSuccess})
	} else {
		entry.settle(settlement{err: outcome.Err(correlationID), outcome: OutcomeFailure})
	}

	r.logger.Debug("response matched",
		"correlationId", correlationID,
		"success", outcome.IsSuccess(),
		"latency", r.clock.Since(entry.sentAt),
	)
}

// Close stops receiving, rejects every pending request with
// ErrRequesterClosed, closes the transport and deletes the reply inbox if this
// requester created it
func (r *Requester) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sub := r.subscription
	started := r.started
	created := r.createdInbox
	r.mu.Unlock()

	r.logger.Debug("closing requester", "replyInbox", r.replyInbox)

	// cancel first so a callback blocked on a full inbound buffer returns
	r.cancel()

	var errs error
	if sub != nil {
		if err := sub.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to close inbox subscription: %w", err))
		}
	}

	if started {
		<-r.loopDone
	}

	for _, entry := range r.pending.drain() {
		entry.settle(settlement{err: ErrRequesterClosed, outcome: OutcomeError})
	}

	if err := r.sender.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to close request sender: %w", err))
	}

	if created {
		r.deleteInbox(r.replyInbox)
	}

	if err := r.transport.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to close transport: %w", err))
	}

	return errs
}

// RequestAs sends a request and decodes the success data into T. A success
// without data decodes to the zero value of T.
func RequestAs[T any](ctx context.Context, r *Requester, payload any, opts ...RequestOption) (T, error) {
	var zero T

	data, err := r.Request(ctx, payload, opts...)
	if err != nil {
		return zero, err
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("failed to decode reply: %w", err)
	}
	return out, nil
}
