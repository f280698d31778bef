package messaging

import "time"

// Request outcomes reported to MetricsCollector.RecordRequest
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeError    = "error"
)

// MetricsCollector collects request/reply metrics
type MetricsCollector interface {
	// RecordRequest records a settled request on the requester side
	RecordRequest(outcome string, duration time.Duration)

	// RecordPending records the number of in-flight requests
	RecordPending(count int)

	// RecordUnmatched records a response with no pending request
	RecordUnmatched()

	// RecordHandled records a request processed by a responder
	RecordHandled(outcome string, duration time.Duration)

	// RecordReplyFailure records a reply that could not be sent
	RecordReplyFailure()
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordRequest does nothing
func (n *NoOpMetricsCollector) RecordRequest(outcome string, duration time.Duration) {}

// RecordPending does nothing
func (n *NoOpMetricsCollector) RecordPending(count int) {}

// RecordUnmatched does nothing
func (n *NoOpMetricsCollector) RecordUnmatched() {}

// RecordHandled does nothing
func (n *NoOpMetricsCollector) RecordHandled(outcome string, duration time.Duration) {}

// RecordReplyFailure does nothing
func (n *NoOpMetricsCollector) RecordReplyFailure() {}
