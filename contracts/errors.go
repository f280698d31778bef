package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout matches every TimeoutError
	ErrTimeout = errors.New("request timeout")

	// ErrUnmatchedResponse marks a response whose correlation id has no pending request
	ErrUnmatchedResponse = errors.New("unmatched response")

	// ErrMalformedEnvelope is returned when an envelope body cannot be decoded
	ErrMalformedEnvelope = errors.New("malformed envelope")

	// ErrMissingReplyTo is returned when a request carries no reply destination
	ErrMissingReplyTo = errors.New("request has no reply-to destination")

	// ErrHandlerFailed is the cause of a handler failure that carries none
	ErrHandlerFailed = errors.New("handler failed")
)

// TransportError is a broker or network failure on send, receive or an admin call
type TransportError struct {
	Op          string // send, subscribe, queueExists, createQueue, deleteQueue, close
	Destination string
	Err         error
}

func (e *TransportError) Error() string {
	if e.Destination == "" {
		return fmt.Sprintf("transport error: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport error: %s %s failed: %v", e.Op, e.Destination, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned to a caller whose request got no response in time
type TimeoutError struct {
	RequestID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timeout after %d ms", e.RequestID, e.Timeout.Milliseconds())
}

// Is makes errors.Is(err, ErrTimeout) true
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// HandlerFailure is an error raised by the application handler. It keeps the
// routing data of the request so the failure can be answered like a result.
type HandlerFailure struct {
	RequestID string
	ReplyTo   string
	Err       error
	Stack     string
}

func (e *HandlerFailure) Error() string {
	if e == nil || e.Err == nil {
		return ErrHandlerFailed.Error()
	}
	return e.Err.Error()
}

func (e *HandlerFailure) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Outcome converts the failure into a Failure outcome. A failure without a
// cause reports ErrHandlerFailed.
func (e *HandlerFailure) Outcome() Outcome {
	if e == nil {
		return Fail(ErrHandlerFailed.Error(), "")
	}
	return Fail(e.Error(), e.Stack)
}

// RemoteError is the caller-side reconstruction of a handler failure.
// Error returns the remote message unchanged.
type RemoteError struct {
	RequestID string
	Message   string
	Stack     string
}

func (e *RemoteError) Error() string {
	return e.Message
}
