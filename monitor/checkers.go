package monitor

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// ResponderState is the view of a responder a health check needs
type ResponderState interface {
	Running() bool
	InFlight() int
}

// ResponderChecker reports a responder unhealthy when it is not consuming
// and degraded when every concurrency slot is busy
type ResponderChecker struct {
	name        string
	responder   ResponderState
	concurrency int
}

// NewResponderChecker creates a checker named name for responder
func NewResponderChecker(name string, responder ResponderState, concurrency int) *ResponderChecker {
	return &ResponderChecker{name: name, responder: responder, concurrency: concurrency}
}

func (c *ResponderChecker) Name() string {
	return c.name
}

func (c *ResponderChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	inFlight := c.responder.InFlight()

	result := CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Timestamp: start,
		Details: map[string]interface{}{
			"in_flight":   inFlight,
			"concurrency": c.concurrency,
		},
	}

	switch {
	case !c.responder.Running():
		result.Status = StatusUnhealthy
		result.Message = "responder is not consuming"
	case c.concurrency > 0 && inFlight >= c.concurrency:
		result.Status = StatusDegraded
		result.Message = "all handler slots busy"
	default:
		result.Message = "consuming"
	}

	result.Duration = time.Since(start)
	return result
}

// MemoryChecker checks heap usage against thresholds given in MB
type MemoryChecker struct {
	warningMB  float64
	criticalMB float64
}

// NewMemoryChecker creates a new memory checker
func NewMemoryChecker(warningMB, criticalMB float64) *MemoryChecker {
	return &MemoryChecker{warningMB: warningMB, criticalMB: criticalMB}
}

func (c *MemoryChecker) Name() string {
	return "memory"
}

func (c *MemoryChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	allocMB := float64(m.Alloc) / 1024 / 1024

	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details: map[string]interface{}{
			"alloc_mb":   allocMB,
			"goroutines": runtime.NumGoroutine(),
		},
	}

	switch {
	case c.criticalMB > 0 && allocMB >= c.criticalMB:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("heap %.1f MB over critical threshold", allocMB)
	case c.warningMB > 0 && allocMB >= c.warningMB:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("heap %.1f MB over warning threshold", allocMB)
	default:
		result.Message = "memory usage normal"
	}

	result.Duration = time.Since(start)
	return result
}
