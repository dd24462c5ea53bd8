package local

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/tomyedwab/localdeployer/deployer"
)

// HealthChecker determines the state of a single instance.
type HealthChecker interface {
	// Check returns the current state of the instance. The error, if any,
	// explains the state and is for logging only; the state is always valid.
	Check(ctx context.Context, instance *Instance) (deployer.DeploymentState, error)
}

// ConnectHealthChecker derives instance state from the process exit code and,
// while the process is alive, from whether a TCP connection to its base URL
// can be established.
type ConnectHealthChecker struct {
	dialer *net.Dialer
}

// NewConnectHealthChecker creates a ConnectHealthChecker whose probes give
// up after dialTimeout.
func NewConnectHealthChecker(dialTimeout time.Duration) *ConnectHealthChecker {
	return &ConnectHealthChecker{
		dialer: &net.Dialer{Timeout: dialTimeout},
	}
}

// Check never blocks on the process and never waits for the instance to
// answer: an accepted connection means the instance is deployed.
func (h *ConnectHealthChecker) Check(ctx context.Context, instance *Instance) (deployer.DeploymentState, error) {
	if instance.Process != nil {
		if code, exited := instance.Process.ExitCode(); exited {
			if code == 0 {
				return deployer.StateUndeployed, nil
			}
			return deployer.StateFailed, fmt.Errorf("instance %s exited with code %d", instance.ID(), code)
		}
	}

	addr, err := dialAddress(instance.BaseURL)
	if err != nil {
		return deployer.StateError, fmt.Errorf("bad probe address for %s: %w", instance.ID(), err)
	}

	conn, err := h.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return deployer.StateDeploying, fmt.Errorf("probe of %s at %s failed: %w", instance.ID(), addr, err)
	}
	conn.Close()
	return deployer.StateDeployed, nil
}

// dialAddress returns host:port for a base URL, defaulting the port from
// the scheme.
func dialAddress(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("no host in %q", baseURL)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		default:
			return "", fmt.Errorf("no port in %q", baseURL)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
