package local

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultShutdownTimeout      = 30 * time.Second
	defaultShutdownPollInterval = 1 * time.Second
	defaultHealthCheckTimeout   = 2 * time.Second
	defaultHost                 = "127.0.0.1"
	defaultPortRangeMin         = 8080
	defaultPortRangeMax         = 65535
)

// defaultEnvVarsToInherit lists the supervisor environment variables every
// launched process keeps. Entries are regular expressions matched against
// the whole variable name.
var defaultEnvVarsToInherit = []string{"TMP", "TMPDIR", "LANG", "LANGUAGE", "LC_.*", "PATH", "HOME"}

// Properties configures a LocalAppDeployer. Zero values are replaced by
// defaults in New, except where noted.
type Properties struct {
	// WorkingDirectoriesRoot is where the per-deployer temp root is created.
	// Defaults to os.TempDir().
	WorkingDirectoriesRoot string `yaml:"workingDirectoriesRoot"`

	// DeleteFilesOnExit removes working directories and logs on undeploy
	// and on Shutdown. Set explicitly; the zero value keeps files.
	DeleteFilesOnExit bool `yaml:"deleteFilesOnExit"`

	// EnvVarsToInherit are regular expressions selecting which supervisor
	// environment variables launched processes inherit.
	EnvVarsToInherit []string `yaml:"envVarsToInherit"`

	// Command is prepended to the artifact path, e.g. ["java", "-jar"].
	// Empty means the artifact is executed directly.
	Command []string `yaml:"command"`

	// ShutdownTimeout bounds the graceful phase of undeploy. A negative value
	// disables the /shutdown call and kills immediately; zero means default.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// ShutdownPollInterval is how often liveness is checked while waiting
	// for a graceful exit.
	ShutdownPollInterval time.Duration `yaml:"shutdownPollInterval"`

	// HealthCheckTimeout bounds a single TCP connect probe.
	HealthCheckTimeout time.Duration `yaml:"healthCheckTimeout"`

	// Host is used to build instance base URLs.
	Host string `yaml:"host"`

	// PortRangeMin and PortRangeMax bound dynamically allocated ports.
	PortRangeMin int `yaml:"portRangeMin"`
	PortRangeMax int `yaml:"portRangeMax"`

	// RollbackOnFailure kills instances started by a Deploy call that
	// subsequently fails. Nil means true.
	RollbackOnFailure *bool `yaml:"rollbackOnFailure"`

	// ManagementSecret signs instance management tokens. A random secret is
	// generated when empty.
	ManagementSecret string `yaml:"managementSecret"`
}

// DefaultProperties returns Properties with every default filled in.
func DefaultProperties() Properties {
	var p Properties
	p.applyDefaults()
	return p
}

// LoadProperties reads YAML configuration from path on top of the defaults.
func LoadProperties(path string) (Properties, error) {
	p := DefaultProperties()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read deployer config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse deployer config %s: %w", path, err)
	}
	p.applyDefaults()
	return p, p.Validate()
}

// Validate reports configuration that New cannot work with.
func (p Properties) Validate() error {
	if p.PortRangeMin <= 0 || p.PortRangeMax > 65535 || p.PortRangeMin > p.PortRangeMax {
		return fmt.Errorf("invalid port range: min %d, max %d", p.PortRangeMin, p.PortRangeMax)
	}
	if p.ShutdownPollInterval <= 0 {
		return fmt.Errorf("shutdown poll interval must be positive, got %v", p.ShutdownPollInterval)
	}
	return nil
}

func (p *Properties) applyDefaults() {
	if p.WorkingDirectoriesRoot == "" {
		p.WorkingDirectoriesRoot = os.TempDir()
	}
	if p.EnvVarsToInherit == nil {
		p.EnvVarsToInherit = append([]string(nil), defaultEnvVarsToInherit...)
	}
	if p.ShutdownTimeout == 0 {
		p.ShutdownTimeout = defaultShutdownTimeout
	}
	if p.ShutdownPollInterval == 0 {
		p.ShutdownPollInterval = defaultShutdownPollInterval
	}
	if p.HealthCheckTimeout == 0 {
		p.HealthCheckTimeout = defaultHealthCheckTimeout
	}
	if p.Host == "" {
		p.Host = defaultHost
	}
	if p.PortRangeMin == 0 {
		p.PortRangeMin = defaultPortRangeMin
	}
	if p.PortRangeMax == 0 {
		p.PortRangeMax = defaultPortRangeMax
	}
	if p.RollbackOnFailure == nil {
		rollback := true
		p.RollbackOnFailure = &rollback
	}
}
