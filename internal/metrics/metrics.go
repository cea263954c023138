// Package metrics provides Prometheus metrics collection for PodShield.
//
// The package exposes metrics at /metrics for monitoring:
//
// Enforcement Metrics:
//   - podshield_transfer_decisions_total: Transfer decisions by type, action and reason
//   - podshield_scan_duration_seconds: Content scan latency histogram
//   - podshield_scan_outcomes_total: Scan outcomes (clean, match, timeout, skipped)
//   - podshield_policy_cache_total: Policy cache hits, misses and stale fallbacks
//
// Audit Metrics:
//   - podshield_audit_write_retries_total: Retried decision writes
//   - podshield_audit_spooled_records: Decision records awaiting replay
//
// Gateway Metrics:
//   - podshield_gateway_connections: Open real-time channels
//   - podshield_gateway_messages_total: Channel messages by type
//
// Forensics Metrics:
//   - podshield_watermark_embeds_total: Invisible watermark embeds by method
//   - podshield_watermark_detections_total: Detector runs by result
//   - podshield_forensic_scans_total: Suspect assets screened by source and outcome
//   - podshield_investigation_transitions_total: Investigation status changes
//   - podshield_killswitch_activations_total: Kill switch activations by trigger
//
// API Metrics:
//   - podshield_http_requests_total: REST requests by route and status class
//   - podshield_http_requests_in_flight: REST requests being served
//   - podshield_ratelimit_requests_total: Rate limiter decisions
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransferDecisions counts evaluated transfers
	TransferDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podshield_transfer_decisions_total",
			Help: "Total number of transfer decisions",
		},
		[]string{"transfer_type", "action", "reason"},
	)

	// EvaluationDuration tracks end-to-end evaluation latency
	EvaluationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podshield_evaluation_duration_seconds",
			Help:    "Transfer evaluation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transfer_type"},
	)

	// ScanDuration tracks content scan latency
	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podshield_scan_duration_seconds",
			Help:    "Content scan duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"scan"},
	)

	// ScanOutcomes counts scan results
	ScanOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podshield_scan_outcomes_total",
			Help: "Total number of content scans by outcome",
		},
		[]string{"scan", "outcome"},
	)

	// PolicyCache counts policy cache lookups
	PolicyCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podshield_policy_cache_total",
			Help: "Policy cache lookups by result",
		},
		[]string{"result"},
	)

	// AuditWriteRetries counts retried decision writes
	AuditWriteRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "podshield_audit_write_retries_total",
			Help: "Total number of retried decision record writes",
		},
	)

	// AuditSpooled tracks decision records waiting for replay
	AuditSpooled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "podshield_audit_spooled_records",
			Help: "Decision records spooled for later replay",
		},
	)

	// GatewayConnections tracks open real-time channels
	GatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "podshield_gateway_connections",
			Help: "Number of open real-time session channels",
		},
	)

	// GatewayMessages counts channel messages
	GatewayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podshield_gateway_messages_total",
			Help: "Real-time channel messages by direction and type",
		},
		[]string{"direction", "type"},
	)

	// WatermarkEmbeds counts invisible watermark embeds
	WatermarkEmbeds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podshield_watermark_embeds_total",
			Help: "Invisible watermark embeds by method",
		},
		[]string{"method"},
	)

	// WatermarkDetections counts detector runs
	WatermarkDetections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podshield_watermark_detections_total",
			Help: "Watermark detector runs by result",
		},
		[]string{"detected"},
	)

	// ForensicScans counts screened suspect assets
	ForensicScans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podshield_forensic_scans_total",
			Help: "Suspect assets screened by source type and outcome",
		},
		[]string{"source", "outcome"},
	)

	// InvestigationTransitions counts investigation status changes
	InvestigationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podshield_investigation_transitions_total",
			Help: "Investigation status transitions",
		},
		[]string{"from", "to"},
	)

	// KillSwitchActivations counts kill switch activations
	KillSwitchActivations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podshield_killswitch_activations_total",
			Help: "Kill switch activations by trigger",
		},
		[]string{"trigger"},
	)

	// BusPublished counts published bus messages
	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podshield_bus_published_total",
			Help: "Messages published to the shared bus by topic and status",
		},
		[]string{"topic", "status"},
	)

	// HTTPRequests counts REST requests
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podshield_http_requests_total",
			Help: "Total number of REST requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration tracks REST latency
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "podshield_http_request_duration_seconds",
			Help:    "REST request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// HTTPInFlight tracks REST requests being served
	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "podshield_http_requests_in_flight",
			Help: "REST requests currently being served",
		},
	)

	// RateLimitRequests counts rate limiter decisions
	RateLimitRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "podshield_ratelimit_requests_total",
			Help: "Rate limiter decisions by route and result",
		},
		[]string{"route", "result"},
	)

	// RateLimitClients tracks clients with a live token bucket
	RateLimitClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "podshield_ratelimit_clients",
			Help: "Clients currently tracked by the rate limiter",
		},
	)

	// NodeInfo provides information about the node
	NodeInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "podshield_node_info",
			Help: "Node information",
		},
		[]string{"node_id", "version"},
	)
)

// Version is set at build time
var Version = "dev"

// Init initializes the metrics system
func Init(nodeID string) {
	NodeInfo.WithLabelValues(nodeID, Version).Set(1)
}

// RecordTransferDecision records an evaluated transfer and its latency
func RecordTransferDecision(transferType, action, reason string, duration time.Duration) {
	TransferDecisions.WithLabelValues(transferType, action, reason).Inc()
	EvaluationDuration.WithLabelValues(transferType).Observe(duration.Seconds())
}

// RecordScan records a content scan outcome and its latency
func RecordScan(scan, outcome string, duration time.Duration) {
	ScanOutcomes.WithLabelValues(scan, outcome).Inc()
	ScanDuration.WithLabelValues(scan).Observe(duration.Seconds())
}

// RecordPolicyCache records a policy cache lookup result (hit, miss, stale)
func RecordPolicyCache(result string) {
	PolicyCache.WithLabelValues(result).Inc()
}

// RecordAuditRetry records a retried decision write
func RecordAuditRetry() {
	AuditWriteRetries.Inc()
}

// SetAuditSpooled sets the number of spooled decision records
func SetAuditSpooled(n int) {
	AuditSpooled.Set(float64(n))
}

// IncrementGatewayConnections increments the open channel gauge
func IncrementGatewayConnections() {
	GatewayConnections.Inc()
}

// DecrementGatewayConnections decrements the open channel gauge
func DecrementGatewayConnections() {
	GatewayConnections.Dec()
}

// RecordGatewayMessage records a channel message; direction is "in" or "out"
func RecordGatewayMessage(direction, msgType string) {
	GatewayMessages.WithLabelValues(direction, msgType).Inc()
}

// RecordWatermarkEmbed records an invisible watermark embed
func RecordWatermarkEmbed(method string) {
	WatermarkEmbeds.WithLabelValues(method).Inc()
}

// RecordWatermarkDetection records a detector run
func RecordWatermarkDetection(detected bool) {
	label := "false"
	if detected {
		label = "true"
	}

	WatermarkDetections.WithLabelValues(label).Inc()
}

// RecordForensicScan records a screened asset; outcome is detected, clean or error
func RecordForensicScan(source, outcome string) {
	ForensicScans.WithLabelValues(source, outcome).Inc()
}

// RecordInvestigationTransition records an investigation status change
func RecordInvestigationTransition(from, to string) {
	InvestigationTransitions.WithLabelValues(from, to).Inc()
}

// RecordKillSwitch records a kill switch activation
func RecordKillSwitch(trigger string) {
	KillSwitchActivations.WithLabelValues(trigger).Inc()
}

// RecordBusPublish records a bus publish attempt
func RecordBusPublish(topic string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}

	BusPublished.WithLabelValues(topic, status).Inc()
}

// RecordHTTPRequest records a REST request with its route pattern, status and duration
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	HTTPRequests.WithLabelValues(method, route, statusCodeToString(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncrementHTTPInFlight increments the in-flight request gauge
func IncrementHTTPInFlight() {
	HTTPInFlight.Inc()
}

// DecrementHTTPInFlight decrements the in-flight request gauge
func DecrementHTTPInFlight() {
	HTTPInFlight.Dec()
}

// RecordRateLimitRequest records whether the limiter admitted a request
func RecordRateLimitRequest(route string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "limited"
	}

	RateLimitRequests.WithLabelValues(route, result).Inc()
}

// IncrementRateLimitClients increments the tracked client gauge
func IncrementRateLimitClients() {
	RateLimitClients.Inc()
}

// DecrementRateLimitClients decrements the tracked client gauge
func DecrementRateLimitClients() {
	RateLimitClients.Dec()
}

// statusCodeToString converts HTTP status code to a string category
func statusCodeToString(status int) string {
	switch {
	case status >= http.StatusOK && status < http.StatusMultipleChoices:
		return "2xx"
	case status >= http.StatusMultipleChoices && status < http.StatusBadRequest:
		return "3xx"
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return "4xx"
	case status >= http.StatusInternalServerError:
		return "5xx"
	default:
		return "unknown"
	}
}
