// Package metrics exposes Prometheus metrics for the credential gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "credential_gateway"

// Collector holds the gateway's metrics. A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rejections      *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	backendAttempts *prometheus.CounterVec
	revocationErrs  prometheus.Counter
	trustGeneration prometheus.Gauge
	trustKeys       prometheus.Gauge
}

// NewCollector creates a collector registered on its own registry, together
// with the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Credential requests by response status and detail category",
			},
			[]string{"status", "detail"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Credential request latency by final state",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"final_state"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_rejections_total",
				Help:      "Client tokens rejected by the validator, by reason",
			},
			[]string{"reason"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_decisions_total",
				Help:      "Policy decisions by effect and deny reason",
			},
			[]string{"effect", "reason"},
		),
		backendAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_attempts_total",
				Help:      "Backend HTTP attempts by outcome",
			},
			[]string{"outcome"},
		),
		revocationErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "revocation_lookup_errors_total",
			Help:      "Failed revocation lookups",
		}),
		trustGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trust_generation",
			Help:      "Generation of the active trust material, incremented on rotation",
		}),
		trustKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trust_keys",
			Help:      "Verification keys in the active trust material",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requests,
		c.requestDuration,
		c.rejections,
		c.decisions,
		c.backendAttempts,
		c.revocationErrs,
		c.trustGeneration,
		c.trustKeys,
	)
	return c
}

// Registry returns the registry the collector's metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records a finished credential request.
func (c *Collector) ObserveRequest(status int, detail, finalState string, d time.Duration) {
	if c == nil {
		return
	}
	if detail == "" {
		detail = "none"
	}
	c.requests.WithLabelValues(strconv.Itoa(status), detail).Inc()
	c.requestDuration.WithLabelValues(finalState).Observe(d.Seconds())
}

// ObserveRejection records a rejected client token.
func (c *Collector) ObserveRejection(reason string) {
	if c == nil {
		return
	}
	c.rejections.WithLabelValues(reason).Inc()
}

// ObserveDecision records a policy decision.
func (c *Collector) ObserveDecision(effect, reason string, revocationFailed bool) {
	if c == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	c.decisions.WithLabelValues(effect, reason).Inc()
	if revocationFailed {
		c.revocationErrs.Inc()
	}
}

// ObserveAttempt records one backend attempt.
func (c *Collector) ObserveAttempt(outcome string) {
	if c == nil {
		return
	}
	c.backendAttempts.WithLabelValues(outcome).Inc()
}

// SetTrust records the active trust material.
func (c *Collector) SetTrust(generation uint64, keys int) {
	if c == nil {
		return
	}
	c.trustGeneration.Set(float64(generation))
	c.trustKeys.Set(float64(keys))
}
