// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyring.
//
// go-keyring is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for the keyring daemon:
// device operations, queue behavior, dropped packets and JSON-RPC traffic.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace is the Prometheus namespace for all keyring metrics
	Namespace = "keyring"

	// Label names
	LabelDevice     = "device"
	LabelOperation  = "operation"
	LabelStatus     = "status"
	LabelReason     = "reason"
	LabelMethod     = "method"
	LabelCode       = "code"
	LabelStatusCode = "status_code"
)

var (
	// OperationsTotal counts finished device operations by outcome.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "device",
			Name:      "operations_total",
			Help:      "Total number of device operations by device, operation, and status",
		},
		[]string{LabelDevice, LabelOperation, LabelStatus},
	)

	// OperationDuration observes the time from command write to completion.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "device",
			Name:      "operation_duration_seconds",
			Help:      "Time from command write to operation completion in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{LabelDevice, LabelOperation},
	)

	// QueueWait observes how long operations waited for the pending slot.
	QueueWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "device",
			Name:      "queue_wait_seconds",
			Help:      "Time operations spent queued before dispatch in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelDevice},
	)

	// QueueDepth is the number of operations waiting for the pending slot.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "device",
			Name:      "queue_depth",
			Help:      "Number of operations waiting for dispatch",
		},
		[]string{LabelDevice},
	)

	// DroppedPacketsTotal counts inbound packets that reached no caller.
	DroppedPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "device",
			Name:      "dropped_packets_total",
			Help:      "Inbound packets dropped by device and reason",
		},
		[]string{LabelDevice, LabelReason},
	)

	// DeviceUp is 1 while the readiness probe reaches the device.
	DeviceUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "device",
			Name:      "up",
			Help:      "Whether the device answered the last readiness probe (1) or not (0)",
		},
		[]string{LabelDevice},
	)

	// RPCRequestsTotal counts JSON-RPC calls by method and result code.
	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total number of JSON-RPC calls by method and error code (0 for success)",
		},
		[]string{LabelMethod, LabelCode},
	)

	// RPCRequestDuration observes JSON-RPC call latency.
	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Duration of JSON-RPC calls in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	// HTTPRequestsTotal tracks the total number of HTTP requests by method and status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{LabelMethod, LabelStatusCode},
	)

	// HTTPRequestDuration tracks the duration of HTTP requests in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelMethod},
	)

	// Goroutines tracks the current number of goroutines.
	// Updated periodically by the resource collector.
	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// MemoryAllocBytes tracks the current bytes of allocated heap objects.
	MemoryAllocBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "memory_alloc_bytes",
			Help:      "Current bytes of allocated heap objects",
		},
	)

	// ServerUptime tracks the daemon uptime in seconds since startup.
	ServerUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds since startup",
		},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordOperation records one finished device operation. queued is the
// time spent waiting for dispatch and elapsed the time on the wire; elapsed
// is zero for operations that never reached the device.
func RecordOperation(device, operation, status string, queued, elapsed time.Duration) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(device, operation, status).Inc()
	QueueWait.WithLabelValues(device).Observe(queued.Seconds())
	if elapsed > 0 {
		OperationDuration.WithLabelValues(device, operation).Observe(elapsed.Seconds())
	}
}

// RecordDroppedPacket counts an inbound packet that was discarded.
func RecordDroppedPacket(device, reason string) {
	if !enabled.Load() {
		return
	}
	DroppedPacketsTotal.WithLabelValues(device, reason).Inc()
}

// SetQueueDepth sets the number of queued operations for a device.
func SetQueueDepth(device string, depth int) {
	if !enabled.Load() {
		return
	}
	QueueDepth.WithLabelValues(device).Set(float64(depth))
}

// SetDeviceUp records the outcome of a readiness probe.
func SetDeviceUp(device string, up bool) {
	if !enabled.Load() {
		return
	}
	value := 0.0
	if up {
		value = 1.0
	}
	DeviceUp.WithLabelValues(device).Set(value)
}

// RecordRPCRequest records one JSON-RPC call. code is the JSON-RPC error
// code as a string, "0" on success.
func RecordRPCRequest(method, code string, duration time.Duration) {
	if !enabled.Load() {
		return
	}
	RPCRequestsTotal.WithLabelValues(method, code).Inc()
	RPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordHTTPRequest records an HTTP request with its duration and status.
func RecordHTTPRequest(method, statusCode string, duration float64) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method).Observe(duration)
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DeviceRecorder feeds session instrumentation into the package metrics.
// It satisfies keyring.Recorder.
type DeviceRecorder struct{}

// RecordOperation implements keyring.Recorder.
func (DeviceRecorder) RecordOperation(device, operation, status string, queued, elapsed time.Duration) {
	RecordOperation(device, operation, status, queued, elapsed)
}

// RecordDroppedPacket implements keyring.Recorder.
func (DeviceRecorder) RecordDroppedPacket(device, reason string) {
	RecordDroppedPacket(device, reason)
}

// SetQueueDepth implements keyring.Recorder.
func (DeviceRecorder) SetQueueDepth(device string, depth int) {
	SetQueueDepth(device, depth)
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
