package monitor

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/transports/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	t.Run("records requester metrics", func(t *testing.T) {
		c := NewPrometheusCollector()

		c.RecordRequest(messaging.OutcomeSuccess, 10*time.Millisecond)
		c.RecordRequest(messaging.OutcomeSuccess, 20*time.Millisecond)
		c.RecordRequest(messaging.OutcomeTimeout, time.Second)
		c.RecordPending(3)
		c.RecordUnmatched()

		assert.Equal(t, float64(2), testutil.ToFloat64(c.requests.WithLabelValues(messaging.OutcomeSuccess)))
		assert.Equal(t, float64(1), testutil.ToFloat64(c.requests.WithLabelValues(messaging.OutcomeTimeout)))
		assert.Equal(t, float64(3), testutil.ToFloat64(c.pending))
		assert.Equal(t, float64(1), testutil.ToFloat64(c.unmatched))
		assert.Equal(t, 2, testutil.CollectAndCount(c.requestDuration))
	})

	t.Run("records responder metrics", func(t *testing.T) {
		c := NewPrometheusCollector()

		c.RecordHandled(messaging.OutcomeFailure, time.Millisecond)
		c.RecordReplyFailure()
		c.RecordReplyFailure()

		assert.Equal(t, float64(1), testutil.ToFloat64(c.handled.WithLabelValues(messaging.OutcomeFailure)))
		assert.Equal(t, float64(2), testutil.ToFloat64(c.replyFailures))
	})

	t.Run("applies namespace and const labels", func(t *testing.T) {
		c := NewPrometheusCollector(
			WithNamespace("rpc"),
			WithConstLabels(prometheus.Labels{"queue": "requests"}),
		)
		c.RecordUnmatched()

		expected := `
# HELP rpc_requester_unmatched_responses_total Responses dropped because no pending request matched.
# TYPE rpc_requester_unmatched_responses_total counter
rpc_requester_unmatched_responses_total{queue="requests"} 1
`
		assert.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected),
			"rpc_requester_unmatched_responses_total"))
	})

	t.Run("serves the exposition format", func(t *testing.T) {
		c := NewPrometheusCollector()
		c.RecordPending(1)

		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

		body, err := io.ReadAll(rec.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "mmate_requester_pending_requests 1")
	})
}

func TestPrometheusCollectorRoundTrip(t *testing.T) {
	ctx := context.Background()
	broker := memory.NewBroker()
	admin := broker.Transport()
	defer admin.Close()
	require.NoError(t, admin.CreateQueue(ctx, "requests", messaging.QueueOptions{}))

	c := NewPrometheusCollector()

	responder, err := messaging.NewResponder(broker.Transport(), "requests",
		messaging.HandlerFunc(func(ctx context.Context, req *messaging.Request) (any, error) {
			return "pong", nil
		}),
		messaging.WithResponderMetrics(c),
	)
	require.NoError(t, err)
	require.NoError(t, responder.Start(ctx))
	defer responder.Close()

	requester, err := messaging.NewRequester(broker.Transport(), "requests",
		messaging.WithReplyInbox("reply-metrics"),
		messaging.WithRequesterMetrics(c),
	)
	require.NoError(t, err)
	require.NoError(t, requester.Start(ctx))
	defer requester.Close()

	_, err = requester.Request(ctx, "ping")
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.requests.WithLabelValues(messaging.OutcomeSuccess)))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.pending))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(c.handled.WithLabelValues(messaging.OutcomeSuccess)) == 1
	}, time.Second, 5*time.Millisecond)
}
