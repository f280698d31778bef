package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is the number of requests a responder handles at once
const DefaultConcurrency = 5

// Request is an inbound request as seen by a Handler
type Request struct {
	ID      string
	ReplyTo string
	Payload json.RawMessage
	Headers map[string]interface{}
}

// Decode unmarshals the payload into v
func (r *Request) Decode(v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("failed to decode request payload: %w", err)
	}
	return nil
}

// Handler computes the reply for a request. The returned value is JSON encoded
// into the success data; a returned error is sent back as a failure.
type Handler interface {
	HandleRequest(ctx context.Context, req *Request) (any, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, req *Request) (any, error)

// HandleRequest implements Handler
func (f HandlerFunc) HandleRequest(ctx context.Context, req *Request) (any, error) {
	return f(ctx, req)
}

// ResponderConfig holds responder configuration
type ResponderConfig struct {
	Concurrency    int
	HandlerTimeout time.Duration
	ReplyTTL       time.Duration
	Logger         *slog.Logger
	Metrics        MetricsCollector
}

// ResponderOption configures the responder
type ResponderOption func(*ResponderConfig)

// WithConcurrency limits how many requests are handled at once
func WithConcurrency(n int) ResponderOption {
	return func(c *ResponderConfig) {
		c.Concurrency = n
	}
}

// WithHandlerTimeout bounds each handler invocation. Zero means no bound.
func WithHandlerTimeout(timeout time.Duration) ResponderOption {
	return func(c *ResponderConfig) {
		c.HandlerTimeout = timeout
	}
}

// WithReplyTTL sets the time-to-live of reply messages
func WithReplyTTL(ttl time.Duration) ResponderOption {
	return func(c *ResponderConfig) {
		c.ReplyTTL = ttl
	}
}

// WithResponderLogger sets the logger
func WithResponderLogger(logger *slog.Logger) ResponderOption {
	return func(c *ResponderConfig) {
		c.Logger = logger
	}
}

// WithResponderMetrics sets the metrics collector
func WithResponderMetrics(metrics MetricsCollector) ResponderOption {
	return func(c *ResponderConfig) {
		c.Metrics = metrics
	}
}

// Responder consumes requests from a request queue, runs the handler and
// always routes a reply, success or failure, to the request's replyTo
type Responder struct {
	transport      Transport
	requestQueue   string
	handler        Handler
	router         *ReplyRouter
	sem            *semaphore.Weighted
	handlerTimeout time.Duration
	replyTTL       time.Duration
	logger         *slog.Logger
	metrics        MetricsCollector

	mu           sync.Mutex
	running      bool
	closed       bool
	subscription Subscription
	ctx          context.Context
	cancel       context.CancelFunc
	inflight     sync.WaitGroup
	active       atomic.Int64
}

// NewResponder creates a responder for requestQueue
func NewResponder(transport Transport, requestQueue string, handler Handler, opts ...ResponderOption) (*Responder, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if requestQueue == "" {
		return nil, fmt.Errorf("request queue cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	config := &ResponderConfig{
		Concurrency: DefaultConcurrency,
		Logger:      slog.Default(),
		Metrics:     &NoOpMetricsCollector{},
	}

	for _, opt := range opts {
		opt(config)
	}

	if config.Concurrency < 1 {
		return nil, fmt.Errorf("concurrency must be at least 1, got %d", config.Concurrency)
	}

	return &Responder{
		transport:      transport,
		requestQueue:   requestQueue,
		handler:        handler,
		router:         NewReplyRouter(transport, config.Logger),
		sem:            semaphore.NewWeighted(int64(config.Concurrency)),
		handlerTimeout: config.HandlerTimeout,
		replyTTL:       config.ReplyTTL,
		logger:         config.Logger,
		metrics:        config.Metrics,
	}, nil
}

// Router returns the reply router holding the reply-sender cache
func (r *Responder) Router() *ReplyRouter {
	return r.router
}

// Running reports whether the responder is consuming its request queue
func (r *Responder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running && !r.closed
}

// InFlight returns the number of requests currently being handled
func (r *Responder) InFlight() int {
	return int(r.active.Load())
}

// Start begins consuming the request queue. ctx bounds the subscribe call
// and supplies values to handler contexts; consumption runs until Close.
func (r *Responder) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrResponderClosed
	}
	if r.running {
		return ErrAlreadyStarted
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	r.ctx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))

	sub, err := r.transport.Subscribe(r.ctx, r.requestQueue, r.dispatch, r.onReceiveError)
	if err != nil {
		r.cancel()
		return &contracts.TransportError{Op: "subscribe", Destination: r.requestQueue, Err: err}
	}
	r.subscription = sub
	r.running = true

	r.logger.Info("start receiving requests", "queue", r.requestQueue)
	return nil
}

// dispatch is the subscription callback. It waits for a concurrency slot and
// hands the message to its own goroutine.
func (r *Responder) dispatch(ctx context.Context, msg *Message) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %v", ErrRedeliver, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.sem.Release(1)
		return fmt.Errorf("%w: %v", ErrRedeliver, ErrResponderClosed)
	}
	r.inflight.Add(1)
	r.mu.Unlock()

	r.active.Add(1)
	go func() {
		defer r.inflight.Done()
		defer r.sem.Release(1)
		defer r.active.Add(-1)
		r.processRequest(r.ctx, msg)
	}()

	return nil
}

func (r *Responder) onReceiveError(err error) {
	r.logger.Warn("receiver error", "queue", r.requestQueue, "error", err)
}

// processRequest walks one request through decode, handler and reply
func (r *Responder) processRequest(ctx context.Context, msg *Message) {
	start := time.Now()

	env, err := contracts.DecodeRequest(msg.Body)
	if err != nil {
		r.metrics.RecordHandled(OutcomeError, time.Since(start))
		r.logger.Error("dropping malformed request",
			"messageId", msg.MessageID,
			"error", err,
		)
		return
	}

	req := &Request{
		ID:      env.RequestID,
		ReplyTo: env.ReplyTo,
		Payload: env.Payload,
		Headers: msg.Headers,
	}
	if req.ID == "" {
		req.ID = msg.MessageID
	}
	if req.ReplyTo == "" {
		req.ReplyTo = msg.ReplyTo
	}
	if req.ReplyTo == "" {
		r.metrics.RecordHandled(OutcomeError, time.Since(start))
		r.logger.Error("dropping request",
			"requestId", req.ID,
			"error", contracts.ErrMissingReplyTo,
		)
		return
	}

	r.logger.Debug("received request", "requestId", req.ID, "replyTo", req.ReplyTo)

	outcome := r.invoke(ctx, req)
	r.respond(ctx, req, outcome)

	status := OutcomeSuccess
	if !outcome.IsSuccess() {
		status = OutcomeFailure
	}
	r.metrics.RecordHandled(status, time.Since(start))
}

// invoke runs the handler and captures its error or panic as a failure outcome
func (r *Responder) invoke(ctx context.Context, req *Request) contracts.Outcome {
	result, err := r.callHandler(ctx, req)
	if err == nil {
		return contracts.SuccessValue(result)
	}

	failure := contracts.HandlerFailure{Err: err}
	var raised *contracts.HandlerFailure
	if errors.As(err, &raised) {
		failure = contracts.HandlerFailure{Err: contracts.ErrHandlerFailed}
		if raised != nil {
			failure.Stack = raised.Stack
			if raised.Err != nil {
				failure.Err = raised.Err
			}
		}
	}
	failure.RequestID = req.ID
	failure.ReplyTo = req.ReplyTo

	r.logger.Warn("request handler failed",
		"requestId", req.ID,
		"replyTo", req.ReplyTo,
		"error", failure.Err,
	)
	return failure.Outcome()
}

func (r *Responder) callHandler(ctx context.Context, req *Request) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			cause, ok := p.(error)
			if !ok {
				cause = fmt.Errorf("%v", p)
			}
			err = &contracts.HandlerFailure{
				RequestID: req.ID,
				ReplyTo:   req.ReplyTo,
				Err:       cause,
				Stack:     string(debug.Stack()),
			}
		}
	}()

	if r.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.handlerTimeout)
		defer cancel()
	}

	return r.handler.HandleRequest(ctx, req)
}

// respond routes the outcome to the caller. A failed send is logged and the
// request is dropped.
func (r *Responder) respond(ctx context.Context, req *Request, outcome contracts.Outcome) {
	body, err := json.Marshal(outcome.Response(req.ID))
	if err != nil {
		body, _ = json.Marshal(contracts.Fail("failed to encode reply: "+err.Error(), "").Response(req.ID))
	}

	reply := &Message{
		MessageID:     uuid.New().String(),
		CorrelationID: req.ID,
		ContentType:   "application/json",
		TTL:           r.replyTTL,
		Body:          body,
	}

	if err := r.router.Reply(ctx, req.ReplyTo, reply); err != nil {
		r.metrics.RecordReplyFailure()
		r.logger.Warn("failed to send reply",
			"requestId", req.ID,
			"replyTo", req.ReplyTo,
			"error", err,
		)
		return
	}

	r.logger.Debug("reply sent",
		"requestId", req.ID,
		"replyTo", req.ReplyTo,
		"success", outcome.IsSuccess(),
	)
}

// Close stops consuming, waits for in-flight requests to finish, then closes
// the reply senders and the transport. Queues are left in place.
func (r *Responder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sub := r.subscription
	r.mu.Unlock()

	r.logger.Debug("closing all resources", "queue", r.requestQueue)

	var errs error
	if sub != nil {
		if err := sub.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to close request subscription: %w", err))
		}
	}

	r.inflight.Wait()

	if r.cancel != nil {
		r.cancel()
	}

	if err := r.router.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := r.transport.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to close transport: %w", err))
	}

	r.logger.Info("responder stopped", "queue", r.requestQueue)
	return errs
}
