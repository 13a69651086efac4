// Package metrics owns the prometheus collectors exported on /metrics.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is nil-safe: every method is a no-op on a nil receiver so services
// can be built without a registry in tests.
type Metrics struct {
	gatherer prometheus.Gatherer

	decisions       *prometheus.CounterVec
	commands        *prometheus.CounterVec
	expired         prometheus.Counter
	pairings        *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	rpcs            *prometheus.CounterVec
	evaluationDelay prometheus.Histogram
}

// New registers all collectors on reg. A nil reg gets a private registry.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		gatherer: reg,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accessd",
			Name:      "decisions_total",
			Help:      "Access decisions by outcome and reason.",
		}, []string{"outcome", "reason"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accessd",
			Name:      "command_transitions_total",
			Help:      "Device command state transitions.",
		}, []string{"command_type", "status"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "accessd",
			Name:      "commands_expired_total",
			Help:      "Commands moved to expired by the sweeper.",
		}),
		pairings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accessd",
			Name:      "pairing_attempts_total",
			Help:      "Pairing code exchanges by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accessd",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "accessd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rpcs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "accessd",
			Name:      "grpc_requests_total",
			Help:      "Agent gRPC calls by method and status code.",
		}, []string{"method", "code"}),
		evaluationDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "accessd",
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating one access event, lock wait included.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
	}

	for _, c := range []prometheus.Collector{
		m.decisions, m.commands, m.expired, m.pairings,
		m.httpRequests, m.httpDuration, m.rpcs, m.evaluationDelay,
	} {
		if err := register(reg, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func register(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return nil
		}
		return err
	}
	return nil
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Decision(outcome, reason string, took time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(outcome, reason).Inc()
	m.evaluationDelay.Observe(took.Seconds())
}

func (m *Metrics) CommandTransition(commandType, status string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(commandType, status).Inc()
}

func (m *Metrics) CommandsExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.expired.Add(float64(n))
}

func (m *Metrics) Pairing(result string) {
	if m == nil {
		return
	}
	m.pairings.WithLabelValues(result).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

func (m *Metrics) RPC(method, code string) {
	if m == nil {
		return
	}
	m.rpcs.WithLabelValues(method, code).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
