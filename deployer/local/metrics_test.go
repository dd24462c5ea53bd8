package local

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomyedwab/localdeployer/deployer"
)

func TestPrometheusMetricsCollectorDeploys(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("test")

	pmc.DeployFinished("default", 100*time.Millisecond, nil)
	pmc.DeployFinished("default", 50*time.Millisecond, errors.New("boom"))
	pmc.DeployFinished("stream", 10*time.Millisecond, nil)

	expected := `
		# HELP test_deploys_total Total number of deploy calls by outcome
		# TYPE test_deploys_total counter
		test_deploys_total{group="default",status="error"} 1
		test_deploys_total{group="default",status="success"} 1
		test_deploys_total{group="stream",status="success"} 1
	`
	err := testutil.GatherAndCompare(pmc.Registry(), strings.NewReader(expected), "test_deploys_total")
	assert.NoError(t, err)

	count, err := testutil.GatherAndCount(pmc.Registry(), "test_deploy_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPrometheusMetricsCollectorInstances(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("")

	pmc.InstanceLaunched("default.app")
	pmc.InstanceLaunched("default.app")
	pmc.InstanceProbed("default.app", deployer.StateDeployed)
	pmc.InstanceProbed("default.app", deployer.StateFailed)
	pmc.InstanceStopped("default.app", StopKilled, time.Second)
	pmc.DeploymentsActive(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(pmc.launches.WithLabelValues("default.app")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pmc.probes.WithLabelValues("default.app", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pmc.stops.WithLabelValues("default.app", StopKilled)))
	assert.Equal(t, 3.0, testutil.ToFloat64(pmc.active))

	count, err := testutil.GatherAndCount(pmc.Registry(), "local_deployer_instance_launches_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNoopMetricsCollector(t *testing.T) {
	m := NewNoopMetricsCollector()
	assert.NotPanics(t, func() {
		m.DeployFinished("default", time.Second, nil)
		m.InstanceLaunched("default.app")
		m.InstanceProbed("default.app", deployer.StateDeployed)
		m.InstanceStopped("default.app", StopGraceful, time.Second)
		m.DeploymentsActive(0)
	})
}
