package local

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tomyedwab/localdeployer/deployer"
)

// Keys the deployer sets in every instance environment. They override
// inherited variables and application properties of the same name.
const (
	EnvManagementNamespace = "management.namespace"
	EnvShutdownEnabled     = "endpoints.shutdown.enabled"
	EnvUniqueNames         = "endpoints.jmx.unique-names"
	EnvInstanceIndex       = "INSTANCE_INDEX"
	EnvApplicationIndex    = "application.index"
	EnvServerPort          = "SERVER_PORT"
	EnvManagementToken     = "MANAGEMENT_TOKEN"

	// ServerPortProperty, when present among application properties, fixes
	// the port of every instance.
	ServerPortProperty = "server.port"
)

// compileInheritPatterns anchors each pattern so it must match a whole
// variable name.
func compileInheritPatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid env var pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// retainEnvVars selects the KEY=VALUE entries of environ whose key matches
// one of patterns.
func retainEnvVars(environ []string, patterns []*regexp.Regexp) map[string]string {
	retained := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		for _, re := range patterns {
			if re.MatchString(key) {
				retained[key] = value
				break
			}
		}
	}
	return retained
}

// inheritPatterns returns the patterns for a request: the comma-separated
// deployment property if set, else the deployer defaults.
func inheritPatterns(req *deployer.AppDeploymentRequest, defaults []string) ([]*regexp.Regexp, error) {
	if v, ok := req.DeploymentProperties[deployer.EnvVarsToInheritPropertyKey]; ok {
		return compileInheritPatterns(strings.Split(v, ","))
	}
	return compileInheritPatterns(defaults)
}

// instanceEnv describes the deployer-controlled part of one instance's
// environment.
type instanceEnv struct {
	deploymentID string
	index        int
	indexed      bool
	port         int
	token        string
}

// buildEnv merges inherited variables, application properties and the
// deployer contract keys, in increasing precedence, into a sorted
// KEY=VALUE list.
func buildEnv(inherited, appProperties map[string]string, ie instanceEnv) []string {
	env := make(map[string]string, len(inherited)+len(appProperties)+8)
	for k, v := range inherited {
		env[k] = v
	}
	for k, v := range appProperties {
		env[k] = v
	}

	env[EnvManagementNamespace] = ie.deploymentID
	env[EnvShutdownEnabled] = "true"
	env[EnvUniqueNames] = "true"
	env[EnvInstanceIndex] = strconv.Itoa(ie.index)
	if ie.indexed {
		env[EnvApplicationIndex] = strconv.Itoa(ie.index)
	}
	env[ServerPortProperty] = strconv.Itoa(ie.port)
	env[EnvServerPort] = strconv.Itoa(ie.port)
	if ie.token != "" {
		env[EnvManagementToken] = ie.token
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// buildCommand returns prefix + artifact + args.
func buildCommand(prefix []string, artifact string, args []string) []string {
	cmd := make([]string, 0, len(prefix)+1+len(args))
	cmd = append(cmd, prefix...)
	cmd = append(cmd, artifact)
	cmd = append(cmd, args...)
	return cmd
}

// parseCount reads deployer.count, defaulting to 1.
func parseCount(props map[string]string) (int, error) {
	v, ok := props[deployer.CountPropertyKey]
	if !ok || strings.TrimSpace(v) == "" {
		return 1, nil
	}
	count, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || count < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", deployer.ErrInvalidRequest, deployer.CountPropertyKey, v)
	}
	return count, nil
}

// parseFixedPort reads server.port from the application properties. Zero
// means no fixed port was requested.
func parseFixedPort(props map[string]string) (int, error) {
	v, ok := props[ServerPortProperty]
	if !ok {
		return 0, nil
	}
	port, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: %s must be a port number, got %q", deployer.ErrInvalidRequest, ServerPortProperty, v)
	}
	return port, nil
}

// parseIndexed reads deployer.indexed.
func parseIndexed(props map[string]string) bool {
	indexed, err := strconv.ParseBool(strings.TrimSpace(props[deployer.IndexedPropertyKey]))
	return err == nil && indexed
}
