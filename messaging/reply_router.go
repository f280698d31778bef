package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"
)

// ReplyRouter routes replies to caller-chosen destinations through a cache of
// senders. At most one sender exists per destination name.
type ReplyRouter struct {
	factory SenderFactory
	logger  *slog.Logger
	mu      sync.RWMutex
	senders map[string]Sender
	group   singleflight.Group
	closed  bool
}

// NewReplyRouter creates a reply router
func NewReplyRouter(factory SenderFactory, logger *slog.Logger) *ReplyRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplyRouter{
		factory: factory,
		logger:  logger,
		senders: make(map[string]Sender),
	}
}

// Sender returns the cached sender for a destination, creating it on first use
func (r *ReplyRouter) Sender(name string) (Sender, error) {
	if name == "" {
		return nil, fmt.Errorf("reply destination cannot be empty")
	}

	r.mu.RLock()
	sender, ok := r.senders[name]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrRouterClosed
	}
	if ok {
		return sender, nil
	}

	v, err, _ := r.group.Do(name, func() (interface{}, error) {
		// a flight for this name may have finished between the read and Do
		r.mu.RLock()
		existing, ok := r.senders[name]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}

		r.logger.Debug("creating reply sender", "destination", name)
		created, err := r.factory.NewSender(name)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			created.Close()
			return nil, ErrRouterClosed
		}
		r.senders[name] = created
		return created, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply sender for %s: %w", name, err)
	}

	return v.(Sender), nil
}

// Reply sends msg to the named destination
func (r *ReplyRouter) Reply(ctx context.Context, name string, msg *Message) error {
	sender, err := r.Sender(name)
	if err != nil {
		return err
	}
	return sender.Send(ctx, msg)
}

// Len returns the number of cached senders
func (r *ReplyRouter) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.senders)
}

// Close closes every cached sender
func (r *ReplyRouter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	senders := r.senders
	r.senders = make(map[string]Sender)
	r.mu.Unlock()

	var errs error
	for name, sender := range senders {
		if err := sender.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to close reply sender %s: %w", name, err))
		}
	}
	return errs
}
