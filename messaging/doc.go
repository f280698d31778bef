// Package messaging implements correlated request/reply over a queue transport.
//
// A Requester publishes {requestId, replyTo, payload} envelopes to a request
// queue and waits for the matching response on its reply inbox. Every request
// settles exactly once: with the responder's data, a RemoteError carrying the
// remote message and trace, a TimeoutError, a TransportError or the caller's
// context error.
//
// A Responder consumes the request queue with bounded concurrency, runs a
// Handler per request and always replies, turning handler errors and panics
// into failure responses. Reply senders are cached per destination by a
// ReplyRouter.
//
// Example usage:
//
//	responder, err := messaging.NewResponder(transport, "rpc.requests",
//		messaging.HandlerFunc(func(ctx context.Context, req *messaging.Request) (any, error) {
//			var in struct{ Value int }
//			if err := req.Decode(&in); err != nil {
//				return nil, err
//			}
//			return in, nil
//		}))
//	if err != nil {
//		return err
//	}
//	if err := responder.Start(ctx); err != nil {
//		return err
//	}
//
//	requester, err := messaging.NewRequester(other, "rpc.requests")
//	if err != nil {
//		return err
//	}
//	if err := requester.Start(ctx); err != nil {
//		return err
//	}
//	data, err := requester.Request(ctx, map[string]int{"value": 1}, messaging.WithTimeout(time.Second))
//
// The transport implementations live in transports/rabbitmq and transports/memory.
package messaging
