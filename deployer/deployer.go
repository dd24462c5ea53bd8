// Package deployer defines the app deployment contract shared by deployer
// backends: requests, deployment states, status reporting and the error
// taxonomy. The local process backend lives in deployer/local.
package deployer

import (
	"context"
	"time"
)

// AppDeployer deploys, inspects and removes apps on some platform.
type AppDeployer interface {
	// Deploy launches the app described by request and returns its deployment
	// id. The app may still be starting when Deploy returns; use Status to
	// follow it. Deploying an id that is already tracked fails with
	// ErrAlreadyDeployed.
	Deploy(ctx context.Context, request *AppDeploymentRequest) (string, error)

	// Undeploy stops every instance of the deployment and forgets it. An
	// unknown id fails with ErrNotDeployed.
	Undeploy(ctx context.Context, id string) error

	// Status reports the current state of a deployment. An unknown id is
	// reported as StateUnknown with no instances, not as an error.
	Status(ctx context.Context, id string) *AppStatus

	// EnvironmentInfo describes the deployer implementation and its platform.
	EnvironmentInfo() RuntimeEnvironmentInfo
}

// AppInstanceStatus is a snapshot of one instance of a deployment.
type AppInstanceStatus struct {
	ID         string            `json:"id"`
	State      DeploymentState   `json:"state"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// AppStatus is a snapshot of a deployment and its instances, in launch order.
type AppStatus struct {
	DeploymentID string              `json:"deploymentId"`
	Instances    []AppInstanceStatus `json:"instances"`
}

// UnknownStatus is the status of a deployment the deployer does not track.
func UnknownStatus(id string) *AppStatus {
	return &AppStatus{DeploymentID: id, Instances: []AppInstanceStatus{}}
}

// State aggregates the instance states into the deployment state.
func (s *AppStatus) State() DeploymentState {
	states := make([]DeploymentState, 0, len(s.Instances))
	for _, instance := range s.Instances {
		states = append(states, instance.State)
	}
	return Aggregate(states)
}

// String returns the aggregate state name.
func (s *AppStatus) String() string {
	return s.State().String()
}

// RuntimeEnvironmentInfo describes a deployer implementation.
type RuntimeEnvironmentInfo struct {
	ImplementationName    string            `json:"implementationName"`
	ImplementationVersion string            `json:"implementationVersion"`
	PlatformType          string            `json:"platformType"`
	PlatformAPIVersion    string            `json:"platformApiVersion"`
	PlatformClientVersion string            `json:"platformClientVersion"`
	PlatformHostVersion   string            `json:"platformHostVersion"`
	GoVersion             string            `json:"goVersion"`
	PlatformSpecificInfo  map[string]string `json:"platformSpecificInfo,omitempty"`
}

// EventType labels a lifecycle event emitted by a deployer.
type EventType string

const (
	EventDeployed         EventType = "deployed"
	EventDeployFailed     EventType = "deploy_failed"
	EventInstanceLaunched EventType = "instance_launched"
	EventInstanceStopped  EventType = "instance_stopped"
	EventInstanceKilled   EventType = "instance_killed"
	EventUndeployed       EventType = "undeployed"
)

// Event is one lifecycle occurrence of a deployment or instance.
type Event struct {
	Type         EventType
	DeploymentID string
	InstanceID   string // empty for deployment-level events
	Detail       string
	Time         time.Time
}
