package local

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tomyedwab/localdeployer/deployer"
)

// MetricsCollector receives deployer lifecycle measurements.
type MetricsCollector interface {
	// DeployFinished records the outcome of a Deploy call.
	DeployFinished(group string, duration time.Duration, err error)

	// InstanceLaunched records a successful process start.
	InstanceLaunched(deploymentID string)

	// InstanceProbed records the state an instance was found in.
	InstanceProbed(deploymentID string, state deployer.DeploymentState)

	// InstanceStopped records how an instance was stopped ("graceful",
	// "killed" or "exited") and how long it took.
	InstanceStopped(deploymentID string, how string, duration time.Duration)

	// DeploymentsActive records the number of published deployments.
	DeploymentsActive(count int)
}

// NewNoopMetricsCollector returns a collector that discards everything.
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}

type noopMetricsCollector struct{}

func (n *noopMetricsCollector) DeployFinished(group string, duration time.Duration, err error) {}
func (n *noopMetricsCollector) InstanceLaunched(deploymentID string)                          {}
func (n *noopMetricsCollector) InstanceProbed(deploymentID string, state deployer.DeploymentState) {
}
func (n *noopMetricsCollector) InstanceStopped(deploymentID string, how string, duration time.Duration) {
}
func (n *noopMetricsCollector) DeploymentsActive(count int) {}

// PrometheusMetricsCollector implements MetricsCollector with its own
// Prometheus registry.
type PrometheusMetricsCollector struct {
	deploys       *prometheus.CounterVec
	deployLatency *prometheus.HistogramVec
	launches      *prometheus.CounterVec
	probes        *prometheus.CounterVec
	stops         *prometheus.CounterVec
	stopDuration  *prometheus.HistogramVec
	active        prometheus.Gauge

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a collector whose metric names are
// prefixed with namespace, "local_deployer" if empty.
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "local_deployer"
	}

	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.deploys = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deploys_total",
			Help:      "Total number of deploy calls by outcome",
		},
		[]string{"group", "status"},
	)

	pmc.deployLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deploy_duration_seconds",
			Help:      "Duration of deploy calls",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"group"},
	)

	pmc.launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_launches_total",
			Help:      "Total number of instance processes started",
		},
		[]string{"deployment_id"},
	)

	pmc.probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_probes_total",
			Help:      "Total number of instance state probes by resulting state",
		},
		[]string{"deployment_id", "state"},
	)

	pmc.stops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_stops_total",
			Help:      "Total number of instances stopped by method",
		},
		[]string{"deployment_id", "method"},
	)

	pmc.stopDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "instance_stop_duration_seconds",
			Help:      "Time from shutdown request to the instance being stopped",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"method"},
	)

	pmc.active = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "deployments_active",
			Help:      "Current number of published deployments",
		},
	)

	pmc.registry.MustRegister(
		pmc.deploys,
		pmc.deployLatency,
		pmc.launches,
		pmc.probes,
		pmc.stops,
		pmc.stopDuration,
		pmc.active,
	)

	return pmc
}

// Registry returns the registry the metrics are registered with.
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

func (pmc *PrometheusMetricsCollector) DeployFinished(group string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	pmc.deploys.WithLabelValues(group, status).Inc()
	pmc.deployLatency.WithLabelValues(group).Observe(duration.Seconds())
}

func (pmc *PrometheusMetricsCollector) InstanceLaunched(deploymentID string) {
	pmc.launches.WithLabelValues(deploymentID).Inc()
}

func (pmc *PrometheusMetricsCollector) InstanceProbed(deploymentID string, state deployer.DeploymentState) {
	pmc.probes.WithLabelValues(deploymentID, state.String()).Inc()
}

func (pmc *PrometheusMetricsCollector) InstanceStopped(deploymentID string, how string, duration time.Duration) {
	pmc.stops.WithLabelValues(deploymentID, how).Inc()
	pmc.stopDuration.WithLabelValues(how).Observe(duration.Seconds())
}

func (pmc *PrometheusMetricsCollector) DeploymentsActive(count int) {
	pmc.active.Set(float64(count))
}
