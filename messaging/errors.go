package messaging

import "errors"

var (
	// ErrAlreadyStarted is returned by a second Start
	ErrAlreadyStarted = errors.New("already started")

	// ErrRequesterClosed settles requests still pending when the requester closes
	ErrRequesterClosed = errors.New("requester closed")

	// ErrRouterClosed is returned by a reply router after Close
	ErrRouterClosed = errors.New("reply router closed")
)

var (
	// ErrResponderClosed is returned by a responder after Close
	ErrResponderClosed = errors.New("responder closed")

	// ErrRedeliver asks the transport to put the message back on its queue
	// instead of dropping it
	ErrRedeliver = errors.New("redeliver message")
)
