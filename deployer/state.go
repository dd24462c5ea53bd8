package deployer

import "fmt"

// DeploymentState is the point-in-time health classification of a deployment
// or of a single instance within it.
type DeploymentState int

const (
	// StateUnknown means the deployment is not known to the deployer.
	StateUnknown DeploymentState = iota
	// StateDeploying means the process is alive but not yet accepting connections.
	StateDeploying
	// StateDeployed means every instance is serving.
	StateDeployed
	// StateUndeployed means the process exited cleanly.
	StateUndeployed
	// StatePartial means some instances are serving and others are not.
	// Never produced by a single instance.
	StatePartial
	// StateFailed means the process exited with a non-zero code.
	StateFailed
	// StateError means the state could not be determined.
	StateError
)

// String returns the lower-case name of the state.
func (s DeploymentState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateDeploying:
		return "deploying"
	case StateDeployed:
		return "deployed"
	case StateUndeployed:
		return "undeployed"
	case StatePartial:
		return "partial"
	case StateFailed:
		return "failed"
	case StateError:
		return "error"
	default:
		return "InvalidState"
	}
}

// ParseDeploymentState is the inverse of DeploymentState.String.
func ParseDeploymentState(s string) (DeploymentState, error) {
	for state := StateUnknown; state <= StateError; state++ {
		if state.String() == s {
			return state, nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown deployment state %q", s)
}

// MarshalText lets states render as names in JSON and YAML output.
func (s DeploymentState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Aggregate maps the states of all instances of one deployment to a single
// deployment-level state.
//
// An empty set is unknown and a set where every instance agrees is that
// state. Mixed sets resolve in priority order: error, then deploying, then
// partial (when anything is deployed or partial), then failed. Any other
// mix is reported as partial.
func Aggregate(states []DeploymentState) DeploymentState {
	seen := make(map[DeploymentState]bool, len(states))
	for _, s := range states {
		seen[s] = true
	}

	switch {
	case len(seen) == 0:
		return StateUnknown
	case len(seen) == 1:
		return states[0]
	case seen[StateError]:
		return StateError
	case seen[StateDeploying]:
		return StateDeploying
	case seen[StateDeployed] || seen[StatePartial]:
		return StatePartial
	case seen[StateFailed]:
		return StateFailed
	default:
		// e.g. a mix of unknown and undeployed
		return StatePartial
	}
}
