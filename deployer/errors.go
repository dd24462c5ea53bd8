package deployer

import "errors"

var (
	// ErrInvalidRequest is returned for malformed deployment requests.
	ErrInvalidRequest = errors.New("invalid deployment request")
	// ErrAlreadyDeployed is returned when deploying an id that is already tracked.
	ErrAlreadyDeployed = errors.New("app already deployed")
	// ErrNotDeployed is returned when undeploying an id that is not tracked.
	ErrNotDeployed = errors.New("app not deployed")
	// ErrIO is returned when working directories or the artifact cannot be accessed.
	ErrIO = errors.New("deployment I/O failure")
	// ErrDeployFailure is returned when an instance fails to launch.
	ErrDeployFailure = errors.New("deployment failed")
)
