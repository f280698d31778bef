package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResponder struct {
	running  bool
	inFlight int
}

func (f *fakeResponder) Running() bool { return f.running }
func (f *fakeResponder) InFlight() int { return f.inFlight }

type blockingChecker struct{}

func (blockingChecker) Name() string { return "slow" }

func (blockingChecker) Check(ctx context.Context) CheckResult {
	<-ctx.Done()
	time.Sleep(10 * time.Millisecond)
	return CheckResult{Name: "slow", Status: StatusHealthy}
}

func TestResponderChecker(t *testing.T) {
	tests := []struct {
		name      string
		responder *fakeResponder
		want      Status
	}{
		{"consuming", &fakeResponder{running: true, inFlight: 1}, StatusHealthy},
		{"saturated", &fakeResponder{running: true, inFlight: 5}, StatusDegraded},
		{"stopped", &fakeResponder{running: false}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewResponderChecker("responder", tt.responder, 5)
			result := checker.Check(context.Background())

			assert.Equal(t, "responder", result.Name)
			assert.Equal(t, tt.want, result.Status)
			assert.Equal(t, tt.responder.inFlight, result.Details["in_flight"])
		})
	}
}

func TestMemoryChecker(t *testing.T) {
	result := NewMemoryChecker(0, 0).Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Contains(t, result.Details, "goroutines")

	result = NewMemoryChecker(0.000001, 0).Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)

	result = NewMemoryChecker(0, 0.000001).Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
}

func TestHealthRegistry_Check(t *testing.T) {
	t.Run("worst status wins", func(t *testing.T) {
		registry := NewHealthRegistry()
		registry.Register(NewResponderChecker("a", &fakeResponder{running: true}, 5))
		registry.Register(NewResponderChecker("b", &fakeResponder{running: true, inFlight: 5}, 5))
		registry.SetMetadata("queue", "rpc.requests")

		health := registry.Check(context.Background())
		assert.Equal(t, StatusDegraded, health.Status)
		assert.Len(t, health.Checks, 2)
		assert.Equal(t, "rpc.requests", health.Metadata["queue"])
	})

	t.Run("empty registry is healthy", func(t *testing.T) {
		health := NewHealthRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, health.Status)
		assert.Empty(t, health.Checks)
	})

	t.Run("timeout marks pending checks unhealthy", func(t *testing.T) {
		registry := NewHealthRegistry()
		registry.Register(blockingChecker{})

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		health := registry.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, "check timed out", health.Checks["slow"].Message)
	})
}

func TestHealthHandlers(t *testing.T) {
	responder := &fakeResponder{running: true}
	registry := NewHealthRegistry()
	registry.Register(NewResponderChecker("responder", responder, 5))

	t.Run("health report", func(t *testing.T) {
		rec := httptest.NewRecorder()
		HealthHandler(registry, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var health OverallHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
		assert.Equal(t, StatusHealthy, health.Status)
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		HealthHandler(registry, time.Second)(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("readiness follows responder", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ReadinessHandler(registry, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ready", rec.Body.String())

		responder.running = false
		rec = httptest.NewRecorder()
		ReadinessHandler(registry, time.Second)(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
