package deployer

import (
	"fmt"
	"os"
	"path/filepath"
)

// Reserved deployment property keys. These are interpreted by deployers;
// application properties never are.
const (
	PropertyPrefix = "deployer."

	// CountPropertyKey is the number of instances to launch. Defaults to 1.
	CountPropertyKey = PropertyPrefix + "count"
	// GroupPropertyKey is the group an app belongs to. The deployment id is
	// "<group>.<name>".
	GroupPropertyKey = PropertyPrefix + "group"
	// IndexedPropertyKey marks each instance with its index in 0..count-1.
	IndexedPropertyKey = PropertyPrefix + "indexed"
	// GroupDeploymentIDPropertyKey correlates several deployments that were
	// started as one logical group deployment.
	GroupDeploymentIDPropertyKey = PropertyPrefix + "group-deployment-id"
	// EnvVarsToInheritPropertyKey is a comma-separated list of regular
	// expressions selecting which supervisor environment variables the
	// launched process inherits.
	EnvVarsToInheritPropertyKey = PropertyPrefix + "env-vars-to-inherit"

	// DefaultGroup is used when GroupPropertyKey is absent.
	DefaultGroup = "default"
)

// AppDefinition names an application and carries the properties handed to it
// verbatim.
type AppDefinition struct {
	Name       string
	Properties map[string]string
}

// NewAppDefinition copies properties so later changes by the caller are not
// observed by a deployment.
func NewAppDefinition(name string, properties map[string]string) *AppDefinition {
	return &AppDefinition{Name: name, Properties: copyMap(properties)}
}

// Resource is a deployable artifact supplied by an external resolver.
type Resource interface {
	// File returns the absolute path of a locally readable copy of the artifact.
	File() (string, error)
}

// FileResource is a Resource already present on the local filesystem.
type FileResource string

// File verifies the path refers to a regular file and returns it in absolute form.
func (r FileResource) File() (string, error) {
	abs, err := filepath.Abs(string(r))
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("artifact %s is not a regular file", abs)
	}
	return abs, nil
}

// AppDeploymentRequest is an immutable request to deploy one app.
type AppDeploymentRequest struct {
	Definition           *AppDefinition
	Resource             Resource
	DeploymentProperties map[string]string
	CommandlineArguments []string
}

// NewAppDeploymentRequest validates and copies its inputs. A nil definition
// or resource fails with ErrInvalidRequest.
func NewAppDeploymentRequest(definition *AppDefinition, resource Resource, deploymentProperties map[string]string, args []string) (*AppDeploymentRequest, error) {
	if definition == nil {
		return nil, fmt.Errorf("%w: definition must not be nil", ErrInvalidRequest)
	}
	if resource == nil {
		return nil, fmt.Errorf("%w: resource must not be nil", ErrInvalidRequest)
	}
	return &AppDeploymentRequest{
		Definition:           NewAppDefinition(definition.Name, definition.Properties),
		Resource:             resource,
		DeploymentProperties: copyMap(deploymentProperties),
		CommandlineArguments: append([]string(nil), args...),
	}, nil
}

// Group returns the deployment group, falling back to DefaultGroup.
func (r *AppDeploymentRequest) Group() string {
	if group := r.DeploymentProperties[GroupPropertyKey]; group != "" {
		return group
	}
	return DefaultGroup
}

// DeploymentID derives "<group>.<name>".
func (r *AppDeploymentRequest) DeploymentID() string {
	return fmt.Sprintf("%s.%s", r.Group(), r.Definition.Name)
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
