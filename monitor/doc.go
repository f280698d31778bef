// Package monitor exports request/reply metrics to Prometheus.
package monitor
