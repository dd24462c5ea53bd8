// Package local deploys apps as processes on the local host. Each instance
// gets its own port, log files and management token; deployment state is
// derived on demand from process exit codes and a TCP connect probe.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tomyedwab/localdeployer/deployer"
)

const implementationName = "local-deployer"

// EventRecorder persists deployment lifecycle events.
type EventRecorder interface {
	RecordEvent(ctx context.Context, event deployer.Event) error
}

type noopEventRecorder struct{}

func (noopEventRecorder) RecordEvent(context.Context, deployer.Event) error { return nil }

// LocalAppDeployer implements deployer.AppDeployer with local OS processes.
type LocalAppDeployer struct {
	props   Properties
	rootDir string

	registry      *Registry
	ports         *PortManager
	launcher      Launcher
	healthChecker HealthChecker
	signer        *TokenSigner
	shutdown      *shutdownProtocol
	httpClient    *http.Client
	metrics       MetricsCollector
	events        EventRecorder
	logger        *slog.Logger
}

var _ deployer.AppDeployer = (*LocalAppDeployer)(nil)

// Option customizes a LocalAppDeployer.
type Option func(*LocalAppDeployer)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *LocalAppDeployer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithLauncher replaces the ExecLauncher.
func WithLauncher(launcher Launcher) Option {
	return func(d *LocalAppDeployer) {
		d.launcher = launcher
	}
}

// WithHealthChecker replaces the ConnectHealthChecker.
func WithHealthChecker(checker HealthChecker) Option {
	return func(d *LocalAppDeployer) {
		d.healthChecker = checker
	}
}

// WithPortManager replaces the PortManager built from the port range.
func WithPortManager(pm *PortManager) Option {
	return func(d *LocalAppDeployer) {
		d.ports = pm
	}
}

// WithRegistry shares a Registry.
func WithRegistry(registry *Registry) Option {
	return func(d *LocalAppDeployer) {
		if registry != nil {
			d.registry = registry
		}
	}
}

// WithEventRecorder sets where lifecycle events are recorded.
func WithEventRecorder(recorder EventRecorder) Option {
	return func(d *LocalAppDeployer) {
		if recorder != nil {
			d.events = recorder
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics MetricsCollector) Option {
	return func(d *LocalAppDeployer) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

// WithHTTPClient sets the client used for shutdown requests.
func WithHTTPClient(client *http.Client) Option {
	return func(d *LocalAppDeployer) {
		d.httpClient = client
	}
}

// New creates a LocalAppDeployer and its working directory root.
func New(props Properties, opts ...Option) (*LocalAppDeployer, error) {
	props.applyDefaults()
	if err := props.Validate(); err != nil {
		return nil, err
	}
	if _, err := compileInheritPatterns(props.EnvVarsToInherit); err != nil {
		return nil, err
	}

	d := &LocalAppDeployer{
		props:    props,
		registry: NewRegistry(),
		metrics:  NewNoopMetricsCollector(),
		events:   noopEventRecorder{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.launcher == nil {
		d.launcher = NewExecLauncher(d.logger)
	}
	if d.healthChecker == nil {
		d.healthChecker = NewConnectHealthChecker(props.HealthCheckTimeout)
	}
	if d.ports == nil {
		pm, err := NewPortManager(props.PortRangeMin, props.PortRangeMax)
		if err != nil {
			return nil, err
		}
		d.ports = pm
	}
	if d.httpClient == nil {
		d.httpClient = &http.Client{}
		if props.ShutdownTimeout > 0 {
			d.httpClient.Timeout = props.ShutdownTimeout
		}
	}

	signer, err := NewTokenSigner(props.ManagementSecret)
	if err != nil {
		return nil, err
	}
	d.signer = signer

	d.logger = d.logger.With("component", "LocalAppDeployer")
	d.shutdown = &shutdownProtocol{
		client:       d.httpClient,
		timeout:      props.ShutdownTimeout,
		pollInterval: props.ShutdownPollInterval,
		logger:       d.logger,
	}

	if err := os.MkdirAll(props.WorkingDirectoriesRoot, 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", deployer.ErrIO, err)
	}
	root, err := os.MkdirTemp(props.WorkingDirectoriesRoot, "local-deployer-")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create working directories root: %w", deployer.ErrIO, err)
	}
	d.rootDir = root

	d.logger.Info("Local deployer created", "workingDirectoriesRoot", root, "deleteFilesOnExit", props.DeleteFilesOnExit)
	return d, nil
}

// WorkingDirectoriesRoot returns the directory holding every deployment's
// working directories.
func (d *LocalAppDeployer) WorkingDirectoriesRoot() string {
	return d.rootDir
}

// TokenSigner returns the signer of instance management tokens.
func (d *LocalAppDeployer) TokenSigner() *TokenSigner {
	return d.signer
}

// Deploy launches deployer.count instances of the request's artifact.
func (d *LocalAppDeployer) Deploy(ctx context.Context, req *deployer.AppDeploymentRequest) (id string, err error) {
	if req == nil || req.Definition == nil || req.Resource == nil {
		return "", fmt.Errorf("%w: request, definition and resource are required", deployer.ErrInvalidRequest)
	}

	start := time.Now()
	group := req.Group()
	defer func() {
		d.metrics.DeployFinished(group, time.Since(start), err)
	}()

	id = req.DeploymentID()
	logger := d.logger.With("deploymentID", id)

	count, err := parseCount(req.DeploymentProperties)
	if err != nil {
		return "", err
	}
	fixedPort, err := parseFixedPort(req.Definition.Properties)
	if err != nil {
		return "", err
	}
	patterns, err := inheritPatterns(req, d.props.EnvVarsToInherit)
	if err != nil {
		return "", fmt.Errorf("%w: %w", deployer.ErrInvalidRequest, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if err := d.registry.Reserve(id); err != nil {
		logger.Warn("Deployment already exists")
		return "", err
	}
	published := false
	defer func() {
		if !published {
			d.registry.Release(id)
		}
	}()

	artifact, err := req.Resource.File()
	if err != nil {
		return "", fmt.Errorf("%w: failed to resolve artifact for %s: %w", deployer.ErrIO, id, err)
	}

	workDir, err := d.createWorkingDir(req, id)
	if err != nil {
		return "", err
	}

	// Processes outlive the call, so cancellation is not propagated past this point.
	launchCtx := context.WithoutCancel(ctx)
	inherited := retainEnvVars(os.Environ(), patterns)
	indexed := parseIndexed(req.DeploymentProperties)
	command := buildCommand(d.props.Command, artifact, req.CommandlineArguments)

	dep := &Deployment{ID: id, WorkingDir: workDir}
	for i := 0; i < count; i++ {
		instance, err := d.launchInstance(launchCtx, req, dep, i, fixedPort, indexed, inherited, command)
		if err != nil {
			logger.Error("Instance launch failed", "index", i, "error", err)
			d.abandon(launchCtx, dep, err)
			return "", fmt.Errorf("%w: instance %d of %s: %w", deployer.ErrDeployFailure, i, id, err)
		}
		dep.Instances = append(dep.Instances, instance)
	}

	d.registry.Publish(id, dep)
	published = true
	d.metrics.DeploymentsActive(len(d.registry.IDs()))
	d.record(ctx, deployer.Event{Type: deployer.EventDeployed, DeploymentID: id, Detail: fmt.Sprintf("count=%d dir=%s", count, workDir)})

	logger.Info("Deployment launched", "count", count, "workingDir", workDir)
	return id, nil
}

// createWorkingDir creates <root>/<group-deployment-id>/<id>. The group
// directory may be shared. A deployment directory left behind by an earlier
// deployment of the same id is renamed to <id>.<unixmillis>; the caller holds
// the id's reservation, so no live deployment owns it.
func (d *LocalAppDeployer) createWorkingDir(req *deployer.AppDeploymentRequest, id string) (string, error) {
	groupDeploymentID := req.DeploymentProperties[deployer.GroupDeploymentIDPropertyKey]
	if groupDeploymentID == "" {
		groupDeploymentID = fmt.Sprintf("%s-%d-%s", req.Group(), time.Now().UnixMilli(), uuid.NewString()[:8])
	}

	for _, name := range []string{groupDeploymentID, id} {
		if name != filepath.Base(name) || name == ".." {
			return "", fmt.Errorf("%w: %q is not a valid directory name", deployer.ErrInvalidRequest, name)
		}
	}

	groupDir := filepath.Join(d.rootDir, groupDeploymentID)
	if err := os.MkdirAll(groupDir, 0755); err != nil {
		return "", fmt.Errorf("%w: failed to create group directory: %w", deployer.ErrIO, err)
	}
	workDir := filepath.Join(groupDir, id)
	if _, err := os.Lstat(workDir); err == nil {
		stale := fmt.Sprintf("%s.%d", workDir, time.Now().UnixMilli())
		if err := os.Rename(workDir, stale); err != nil {
			return "", fmt.Errorf("%w: failed to move stale deployment directory: %w", deployer.ErrIO, err)
		}
		d.logger.Info("Moved stale deployment directory aside", "deploymentID", id, "dir", stale)
	}
	if err := os.Mkdir(workDir, 0755); err != nil {
		return "", fmt.Errorf("%w: failed to create deployment directory: %w", deployer.ErrIO, err)
	}
	return workDir, nil
}

func (d *LocalAppDeployer) launchInstance(ctx context.Context, req *deployer.AppDeploymentRequest, dep *Deployment, index, fixedPort int, indexed bool, inherited map[string]string, command []string) (*Instance, error) {
	instance := &Instance{
		DeploymentID: dep.ID,
		Index:        index,
		GUID:         uuid.NewString(),
		WorkingDir:   dep.WorkingDir,
		StdoutPath:   filepath.Join(dep.WorkingDir, fmt.Sprintf("stdout_%d.log", index)),
		StderrPath:   filepath.Join(dep.WorkingDir, fmt.Sprintf("stderr_%d.log", index)),
		Port:         fixedPort,
	}

	if instance.Port == 0 {
		port, err := d.ports.AllocatePort()
		if err != nil {
			return nil, err
		}
		instance.Port = port
		instance.dynamicPort = true
	}
	instance.BaseURL = fmt.Sprintf("http://%s:%d", d.props.Host, instance.Port)

	token, err := d.signer.Sign(dep.ID, index, instance.GUID)
	if err != nil {
		d.releasePort(instance)
		return nil, err
	}
	instance.token = token

	env := buildEnv(inherited, req.Definition.Properties, instanceEnv{
		deploymentID: dep.ID,
		index:        index,
		indexed:      indexed,
		port:         instance.Port,
		token:        token,
	})

	process, err := d.launcher.Launch(ctx, LaunchSpec{
		InstanceID: instance.ID(),
		Command:    command,
		Env:        env,
		Dir:        dep.WorkingDir,
		StdoutPath: instance.StdoutPath,
		StderrPath: instance.StderrPath,
	})
	if err != nil {
		d.releasePort(instance)
		return nil, err
	}
	instance.Process = process

	d.metrics.InstanceLaunched(dep.ID)
	d.record(ctx, deployer.Event{Type: deployer.EventInstanceLaunched, DeploymentID: dep.ID, InstanceID: instance.ID(), Detail: instance.BaseURL})
	d.logger.Info("Instance launched", "deploymentID", dep.ID, "instanceID", instance.ID(), "pid", process.Pid(), "port", instance.Port)
	return instance, nil
}

// abandon handles instances of a deploy that failed part way through.
func (d *LocalAppDeployer) abandon(ctx context.Context, dep *Deployment, cause error) {
	d.record(ctx, deployer.Event{Type: deployer.EventDeployFailed, DeploymentID: dep.ID, Detail: cause.Error()})

	if !*d.props.RollbackOnFailure {
		for _, instance := range dep.Instances {
			d.logger.Warn("Leaving instance of failed deployment running", "instanceID", instance.ID(), "pid", instance.Process.Pid())
		}
		return
	}

	for _, instance := range dep.Instances {
		if err := instance.Process.Kill(); err != nil {
			d.logger.Error("Failed to kill instance during rollback", "instanceID", instance.ID(), "error", err)
		}
		d.releasePort(instance)
		d.record(ctx, deployer.Event{Type: deployer.EventInstanceKilled, DeploymentID: dep.ID, InstanceID: instance.ID(), Detail: "rollback"})
	}
	if d.props.DeleteFilesOnExit {
		d.removeWorkingDir(dep.WorkingDir)
	}
}

// Undeploy stops every instance concurrently and forgets the deployment,
// whether or not each instance could be confirmed stopped.
func (d *LocalAppDeployer) Undeploy(ctx context.Context, id string) error {
	dep, ok := d.registry.Withdraw(id)
	if !ok {
		return fmt.Errorf("%w: %s", deployer.ErrNotDeployed, id)
	}
	defer d.registry.Release(id)

	logger := d.logger.With("deploymentID", id)
	logger.Info("Undeploying", "instances", len(dep.Instances))

	var wg sync.WaitGroup
	for _, instance := range dep.Instances {
		wg.Add(1)
		go func(instance *Instance) {
			defer wg.Done()
			d.stopInstance(ctx, instance)
		}(instance)
	}
	wg.Wait()

	if d.props.DeleteFilesOnExit {
		d.removeWorkingDir(dep.WorkingDir)
	}

	d.metrics.DeploymentsActive(len(d.registry.IDs()))
	d.record(ctx, deployer.Event{Type: deployer.EventUndeployed, DeploymentID: id})
	logger.Info("Undeployed")
	return nil
}

func (d *LocalAppDeployer) stopInstance(ctx context.Context, instance *Instance) {
	start := time.Now()
	how := d.shutdown.stop(ctx, instance)
	d.releasePort(instance)
	d.metrics.InstanceStopped(instance.DeploymentID, how, time.Since(start))

	eventType := deployer.EventInstanceStopped
	if how == StopKilled {
		eventType = deployer.EventInstanceKilled
	}
	d.record(ctx, deployer.Event{Type: eventType, DeploymentID: instance.DeploymentID, InstanceID: instance.ID(), Detail: how})
}

func (d *LocalAppDeployer) releasePort(instance *Instance) {
	if instance.dynamicPort {
		d.ports.ReleasePort(instance.Port)
	}
}

// removeWorkingDir deletes a deployment directory and its group directory
// once no other deployment uses it.
func (d *LocalAppDeployer) removeWorkingDir(workDir string) {
	if err := os.RemoveAll(workDir); err != nil {
		d.logger.Warn("Failed to remove working directory", "dir", workDir, "error", err)
		return
	}
	// Fails harmlessly while the group directory is still in use.
	_ = os.Remove(filepath.Dir(workDir))
}

// Status probes every instance of the deployment concurrently and reports
// them in launch order. Unknown ids report StateUnknown with no instances.
func (d *LocalAppDeployer) Status(ctx context.Context, id string) *deployer.AppStatus {
	dep, ok := d.registry.Get(id)
	if !ok {
		return deployer.UnknownStatus(id)
	}

	instances := make([]deployer.AppInstanceStatus, len(dep.Instances))
	var wg sync.WaitGroup
	for i, instance := range dep.Instances {
		wg.Add(1)
		go func(i int, instance *Instance) {
			defer wg.Done()
			state, err := d.healthChecker.Check(ctx, instance)
			if err != nil {
				d.logger.Debug("Instance probe", "instanceID", instance.ID(), "state", state, "reason", err)
			}
			d.metrics.InstanceProbed(id, state)
			instances[i] = instance.status(state)
		}(i, instance)
	}
	wg.Wait()

	return &deployer.AppStatus{DeploymentID: id, Instances: instances}
}

// Statuses returns the aggregate state of each id.
func (d *LocalAppDeployer) Statuses(ctx context.Context, ids ...string) map[string]deployer.DeploymentState {
	states := make(map[string]deployer.DeploymentState, len(ids))
	for _, id := range ids {
		states[id] = d.Status(ctx, id).State()
	}
	return states
}

// DeploymentIDs returns the ids of all published deployments.
func (d *LocalAppDeployer) DeploymentIDs() []string {
	return d.registry.IDs()
}

// Log returns the stdout and stderr logs of every instance of a deployment.
func (d *LocalAppDeployer) Log(id string) (string, error) {
	dep, ok := d.registry.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", deployer.ErrNotDeployed, id)
	}

	var out []byte
	for _, instance := range dep.Instances {
		for _, path := range []string{instance.StdoutPath, instance.StderrPath} {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("%w: %w", deployer.ErrIO, err)
			}
			out = append(out, fmt.Sprintf("==> %s <==\n", filepath.Base(path))...)
			out = append(out, data...)
			if len(data) > 0 && data[len(data)-1] != '\n' {
				out = append(out, '\n')
			}
		}
	}
	return string(out), nil
}

// Shutdown undeploys every deployment and, when DeleteFilesOnExit is set,
// removes the working directories root.
func (d *LocalAppDeployer) Shutdown(ctx context.Context) error {
	ids := d.registry.IDs()
	d.logger.Info("Shutting down", "deployments", len(ids))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			// A concurrent Undeploy may have won the race; that is fine.
			if err := d.Undeploy(ctx, id); err != nil && !errors.Is(err, deployer.ErrNotDeployed) {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if d.props.DeleteFilesOnExit {
		if err := os.RemoveAll(d.rootDir); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", deployer.ErrIO, err))
		}
	}
	return errors.Join(errs...)
}

// EnvironmentInfo describes this deployer and the host it runs on.
func (d *LocalAppDeployer) EnvironmentInfo() deployer.RuntimeEnvironmentInfo {
	version := "(devel)"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		version = info.Main.Version
	}
	hostname, _ := os.Hostname()

	return deployer.RuntimeEnvironmentInfo{
		ImplementationName:    implementationName,
		ImplementationVersion: version,
		PlatformType:          "local",
		PlatformAPIVersion:    runtime.GOOS,
		PlatformClientVersion: runtime.Version(),
		PlatformHostVersion:   runtime.GOOS + "/" + runtime.GOARCH,
		GoVersion:             runtime.Version(),
		PlatformSpecificInfo: map[string]string{
			"hostname":               hostname,
			"workingDirectoriesRoot": d.rootDir,
			"cpus":                   fmt.Sprint(runtime.NumCPU()),
		},
	}
}

func (d *LocalAppDeployer) record(ctx context.Context, event deployer.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	if err := d.events.RecordEvent(context.WithoutCancel(ctx), event); err != nil {
		d.logger.Warn("Failed to record event", "type", event.Type, "deploymentID", event.DeploymentID, "error", err)
	}
}
