// Package contracts defines the wire contract of the request/reply engine.
//
// This package contains:
//   - RequestEnvelope: {requestId, replyTo, payload} sent on the request queue
//   - ResponseEnvelope: {correlationId, success, data, error, stack} sent on a reply destination
//   - Outcome: tagged Success/Failure result of a handler invocation
//   - Error taxonomy: TransportError, TimeoutError, HandlerFailure, RemoteError
//
// The envelopes are JSON encoded and independent of the transport carrying them.
package contracts
