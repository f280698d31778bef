package messaging_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/transports/memory"
	"github.com/stretchr/testify/require"
)

const (
	requestQueue = "rpc.requests"
	replyInbox   = "reply-test"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingMetrics counts every metrics call by name and outcome
type recordingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{counts: make(map[string]int)}
}

func (m *recordingMetrics) inc(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
}

func (m *recordingMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[key]
}

func (m *recordingMetrics) RecordRequest(outcome string, duration time.Duration) {
	m.inc("request." + outcome)
}

func (m *recordingMetrics) RecordPending(count int) {}

func (m *recordingMetrics) RecordUnmatched() {
	m.inc("unmatched")
}

func (m *recordingMetrics) RecordHandled(outcome string, duration time.Duration) {
	m.inc("handled." + outcome)
}

func (m *recordingMetrics) RecordReplyFailure() {
	m.inc("replyFailure")
}

// newBroker returns a broker with the request queue declared
func newBroker(t *testing.T) *memory.Broker {
	t.Helper()
	broker := memory.NewBroker()
	admin := broker.Transport()
	require.NoError(t, admin.CreateQueue(context.Background(), requestQueue, messaging.QueueOptions{}))
	t.Cleanup(func() { admin.Close() })
	return broker
}

func startResponder(t *testing.T, broker *memory.Broker, handler messaging.Handler, opts ...messaging.ResponderOption) *messaging.Responder {
	t.Helper()
	opts = append([]messaging.ResponderOption{messaging.WithResponderLogger(discardLogger())}, opts...)
	responder, err := messaging.NewResponder(broker.Transport(), requestQueue, handler, opts...)
	require.NoError(t, err)
	require.NoError(t, responder.Start(context.Background()))
	t.Cleanup(func() { responder.Close() })
	return responder
}

func startRequester(t *testing.T, broker *memory.Broker, opts ...messaging.RequesterOption) *messaging.Requester {
	t.Helper()
	opts = append([]messaging.RequesterOption{
		messaging.WithReplyInbox(replyInbox),
		messaging.WithRequesterLogger(discardLogger()),
	}, opts...)
	requester, err := messaging.NewRequester(broker.Transport(), requestQueue, opts...)
	require.NoError(t, err)
	require.NoError(t, requester.Start(context.Background()))
	t.Cleanup(func() { requester.Close() })
	return requester
}

type valueRequest struct {
	Value int `json:"value"`
}

// echoHandler replies with the request value after the given delay
func echoHandler(delay time.Duration) messaging.HandlerFunc {
	return func(ctx context.Context, req *messaging.Request) (any, error) {
		var in valueRequest
		if err := req.Decode(&in); err != nil {
			return nil, err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return valueRequest{Value: in.Value}, nil
	}
}
