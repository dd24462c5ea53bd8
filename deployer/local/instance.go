package local

import (
	"fmt"
	"strconv"

	"github.com/tomyedwab/localdeployer/deployer"
)

// Instance attribute keys reported in deployer.AppInstanceStatus.
const (
	AttributeGUID       = "guid"
	AttributeWorkingDir = "working.dir"
	AttributeStdout     = "stdout"
	AttributeStderr     = "stderr"
	AttributeURL        = "url"
	AttributePort       = "port"
	AttributePid        = "pid"
)

// Instance is one launched process of a deployment.
type Instance struct {
	DeploymentID string
	Index        int
	GUID         string
	Process      Process
	WorkingDir   string
	StdoutPath   string
	StderrPath   string
	Port         int
	BaseURL      string

	// dynamicPort is set when Port came from the PortManager and must be
	// released when the instance goes away.
	dynamicPort bool
	token       string
}

// ID returns "<deploymentID>-<index>".
func (i *Instance) ID() string {
	return fmt.Sprintf("%s-%d", i.DeploymentID, i.Index)
}

// Attributes returns the status attributes of the instance.
func (i *Instance) Attributes() map[string]string {
	attrs := map[string]string{
		AttributeGUID:       i.GUID,
		AttributeWorkingDir: i.WorkingDir,
		AttributeStdout:     i.StdoutPath,
		AttributeStderr:     i.StderrPath,
		AttributeURL:        i.BaseURL,
		AttributePort:       strconv.Itoa(i.Port),
	}
	if i.Process != nil {
		attrs[AttributePid] = strconv.Itoa(i.Process.Pid())
	}
	return attrs
}

func (i *Instance) status(state deployer.DeploymentState) deployer.AppInstanceStatus {
	return deployer.AppInstanceStatus{
		ID:         i.ID(),
		State:      state,
		Attributes: i.Attributes(),
	}
}

// Deployment is a published deployment: its id, working directory and
// instances in launch order.
type Deployment struct {
	ID         string
	WorkingDir string
	Instances  []*Instance
}
