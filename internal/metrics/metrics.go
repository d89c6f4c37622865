// Package metrics provides runtime telemetry backed by Prometheus, with a
// no-op twin for tests and embedders that do not scrape.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector records runtime metrics.
type Collector interface {
	// Lifecycle
	RecordInstanceStatus(appID string, status int)
	RecordLoad(appID string, duration time.Duration, err error)
	RecordTermination(appID, reason string)

	// Bridge
	RecordInvoke(appID, method string, duration time.Duration, err error)
	RecordInvokeDenied(appID, method string)

	// Sandbox
	RecordExecution(appID string, duration time.Duration, err error)
	RecordResourceAbort(appID, kind string)

	// Rollout
	RecordEligibility(appID string, eligible bool)
	RecordKillSwitch(appID string)

	// Updates
	RecordUpdateCheck(appID string, available bool)
	RecordUpdateApply(appID string, err error)

	// Registry exposes the underlying registry for the /metrics endpoint.
	Registry() *prometheus.Registry
}

// PromCollector implements Collector with Prometheus instruments.
type PromCollector struct {
	registry *prometheus.Registry

	instanceStatus  *prometheus.GaugeVec
	loadTotal       *prometheus.CounterVec
	loadLatency     *prometheus.HistogramVec
	terminations    *prometheus.CounterVec
	invokeTotal     *prometheus.CounterVec
	invokeLatency   *prometheus.HistogramVec
	invokeDenied    *prometheus.CounterVec
	execTotal       *prometheus.CounterVec
	execLatency     *prometheus.HistogramVec
	resourceAborts  *prometheus.CounterVec
	eligibility     *prometheus.CounterVec
	killSwitchTotal *prometheus.CounterVec
	updateChecks    *prometheus.CounterVec
	updateApplies   *prometheus.CounterVec
}

// NewCollector creates a Prometheus-backed collector.
func NewCollector(namespace string) *PromCollector {
	if namespace == "" {
		namespace = "miniapp_host"
	}

	c := &PromCollector{registry: prometheus.NewRegistry()}

	c.instanceStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "instance_status",
		Help:      "Current lifecycle status per app (numeric state enum).",
	}, []string{"app_id"})

	c.loadTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loads_total",
		Help:      "Mini-app load attempts by result.",
	}, []string{"app_id", "result"})

	c.loadLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "load_duration_seconds",
		Help:      "Mini-app load latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"app_id"})

	c.terminations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "terminations_total",
		Help:      "Instance terminations by reason.",
	}, []string{"app_id", "reason"})

	c.invokeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bridge_invokes_total",
		Help:      "Bridge invocations by method and result.",
	}, []string{"app_id", "method", "result"})

	c.invokeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "bridge_invoke_duration_seconds",
		Help:      "Bridge invocation latency.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
	}, []string{"app_id", "method"})

	c.invokeDenied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bridge_invokes_denied_total",
		Help:      "Bridge invocations rejected by the permission check.",
	}, []string{"app_id", "method"})

	c.execTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sandbox_executions_total",
		Help:      "Sandbox executions by result.",
	}, []string{"app_id", "result"})

	c.execLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sandbox_execution_duration_seconds",
		Help:      "Sandbox execution latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"app_id"})

	c.resourceAborts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sandbox_resource_aborts_total",
		Help:      "Executions aborted for resource limit breaches.",
	}, []string{"app_id", "kind"})

	c.eligibility = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollout_decisions_total",
		Help:      "Rollout eligibility decisions.",
	}, []string{"app_id", "eligible"})

	c.killSwitchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "kill_switch_total",
		Help:      "Kill switch activations.",
	}, []string{"app_id"})

	c.updateChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "update_checks_total",
		Help:      "OTA update checks by outcome.",
	}, []string{"app_id", "available"})

	c.updateApplies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "update_applies_total",
		Help:      "OTA update applications by result.",
	}, []string{"app_id", "result"})

	c.registry.MustRegister(
		c.instanceStatus, c.loadTotal, c.loadLatency, c.terminations,
		c.invokeTotal, c.invokeLatency, c.invokeDenied,
		c.execTotal, c.execLatency, c.resourceAborts,
		c.eligibility, c.killSwitchTotal, c.updateChecks, c.updateApplies,
	)

	return c
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (c *PromCollector) RecordInstanceStatus(appID string, status int) {
	c.instanceStatus.WithLabelValues(appID).Set(float64(status))
}

func (c *PromCollector) RecordLoad(appID string, duration time.Duration, err error) {
	c.loadTotal.WithLabelValues(appID, result(err)).Inc()
	c.loadLatency.WithLabelValues(appID).Observe(duration.Seconds())
}

func (c *PromCollector) RecordTermination(appID, reason string) {
	c.terminations.WithLabelValues(appID, reason).Inc()
}

func (c *PromCollector) RecordInvoke(appID, method string, duration time.Duration, err error) {
	c.invokeTotal.WithLabelValues(appID, method, result(err)).Inc()
	c.invokeLatency.WithLabelValues(appID, method).Observe(duration.Seconds())
}

func (c *PromCollector) RecordInvokeDenied(appID, method string) {
	c.invokeDenied.WithLabelValues(appID, method).Inc()
}

func (c *PromCollector) RecordExecution(appID string, duration time.Duration, err error) {
	c.execTotal.WithLabelValues(appID, result(err)).Inc()
	c.execLatency.WithLabelValues(appID).Observe(duration.Seconds())
}

func (c *PromCollector) RecordResourceAbort(appID, kind string) {
	c.resourceAborts.WithLabelValues(appID, kind).Inc()
}

func (c *PromCollector) RecordEligibility(appID string, eligible bool) {
	c.eligibility.WithLabelValues(appID, boolLabel(eligible)).Inc()
}

func (c *PromCollector) RecordKillSwitch(appID string) {
	c.killSwitchTotal.WithLabelValues(appID).Inc()
}

func (c *PromCollector) RecordUpdateCheck(appID string, available bool) {
	c.updateChecks.WithLabelValues(appID, boolLabel(available)).Inc()
}

func (c *PromCollector) RecordUpdateApply(appID string, err error) {
	c.updateApplies.WithLabelValues(appID, result(err)).Inc()
}

func (c *PromCollector) Registry() *prometheus.Registry { return c.registry }

// NopCollector discards all metrics.
type NopCollector struct{}

// NewNopCollector creates a collector that records nothing.
func NewNopCollector() *NopCollector { return &NopCollector{} }

func (*NopCollector) RecordInstanceStatus(string, int)                  {}
func (*NopCollector) RecordLoad(string, time.Duration, error)           {}
func (*NopCollector) RecordTermination(string, string)                  {}
func (*NopCollector) RecordInvoke(string, string, time.Duration, error) {}
func (*NopCollector) RecordInvokeDenied(string, string)                 {}
func (*NopCollector) RecordExecution(string, time.Duration, error)      {}
func (*NopCollector) RecordResourceAbort(string, string)                {}
func (*NopCollector) RecordEligibility(string, bool)                    {}
func (*NopCollector) RecordKillSwitch(string)                           {}
func (*NopCollector) RecordUpdateCheck(string, bool)                    {}
func (*NopCollector) RecordUpdateApply(string, error)                   {}
func (*NopCollector) Registry() *prometheus.Registry                    { return nil }
