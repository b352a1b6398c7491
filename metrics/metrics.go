package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AvaProtocol/userop-gateway/core/lifecycle"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/aaerr"
)

type MetricsGenerator interface {
	// upstream JSON-RPC calls, see jsonrpc.Observer
	ObserveUpstreamCall(upstream, method string, err error, elapsed time.Duration)
	// sponsorship outcomes, see paymaster.Outcome
	ObserveSponsorship(outcome string)

	IncRequest(route, code string)
	ObserveTransition(from, to lifecycle.State, snap lifecycle.Snapshot)
	AddUptime(float64)
}

// GatewayMetrics contains instrumented metrics that should be incremented by the gateway using the methods below
type GatewayMetrics struct {
	uptime prometheus.Counter

	upstreamCalls    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	sponsorships     *prometheus.CounterVec
	requests         *prometheus.CounterVec
	transitions      *prometheus.CounterVec
}

const namespace = "userop"

func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	return &GatewayMetrics{
		uptime: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uptime_milliseconds_total",
				Help:      "The elapse time in milliseconds since the gateway is booted",
			}),

		upstreamCalls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_calls_total",
				Help:      "JSON-RPC calls made to the paymaster and bundler, by outcome",
			}, []string{"upstream", "method", "status"}),

		upstreamDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_call_duration_seconds",
				Help:      "Latency of JSON-RPC calls to the paymaster and bundler",
				Buckets:   prometheus.DefBuckets,
			}, []string{"upstream", "method"}),

		sponsorships: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sponsorships_total",
				Help:      "Sponsorship requests by outcome: sponsored, denied, invalid_chain or error",
			}, []string{"outcome"}),

		requests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Gateway API requests by route and result code",
			}, []string{"route", "code"}),

		transitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_transitions_total",
				Help:      "User operation state changes driven by the orchestrator",
			}, []string{"to", "error_code"}),
	}
}

func (m *GatewayMetrics) ObserveUpstreamCall(upstream, method string, err error, elapsed time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.upstreamCalls.WithLabelValues(upstream, method, status).Inc()
	m.upstreamDuration.WithLabelValues(upstream, method).Observe(elapsed.Seconds())
}

func (m *GatewayMetrics) ObserveSponsorship(outcome string) {
	m.sponsorships.WithLabelValues(outcome).Inc()
}

func (m *GatewayMetrics) IncRequest(route, code string) {
	m.requests.WithLabelValues(route, code).Inc()
}

func (m *GatewayMetrics) ObserveTransition(_, to lifecycle.State, snap lifecycle.Snapshot) {
	code := ""
	if to == lifecycle.Error {
		code = string(aaerr.CodeOf(snap.Err))
	}
	m.transitions.WithLabelValues(string(to), code).Inc()
}

func (m *GatewayMetrics) AddUptime(total float64) {
	m.uptime.Add(total)
}
