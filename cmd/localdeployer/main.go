// Command localdeployer deploys one app artifact as local processes and
// supervises it until interrupted.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/tomyedwab/localdeployer/deployer"
	"github.com/tomyedwab/localdeployer/deployer/audit"
	"github.com/tomyedwab/localdeployer/deployer/local"
)

type options struct {
	configPath      string
	name            string
	artifact        string
	group           string
	count           int
	appProps        map[string]string
	deployProps     map[string]string
	args            []string
	workDir         string
	deleteFiles     bool
	shutdownTimeout time.Duration
	auditDB         string
	metricsAddr     string
	logLevel        string
	statusInterval  time.Duration
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "localdeployer: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("localdeployer", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "YAML deployer configuration file")
	flagSet.StringVar(&opts.name, "name", "", "app name (required)")
	flagSet.StringVar(&opts.artifact, "artifact", "", "path of the executable artifact (required)")
	flagSet.StringVar(&opts.group, "group", "", "deployment group (default \"default\")")
	flagSet.IntVar(&opts.count, "count", 1, "number of instances")
	flagSet.StringToStringVar(&opts.appProps, "prop", nil, "application property key=value, passed to the app environment")
	flagSet.StringToStringVar(&opts.deployProps, "deploy-prop", nil, "deployment property key=value")
	flagSet.StringArrayVar(&opts.args, "arg", nil, "command line argument for the app (repeatable)")
	flagSet.StringVar(&opts.workDir, "work-dir", "", "root for working directories (overrides config)")
	flagSet.BoolVar(&opts.deleteFiles, "delete-files-on-exit", false, "remove working directories on undeploy (overrides config)")
	flagSet.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 0, "graceful shutdown timeout, negative to kill immediately (overrides config)")
	flagSet.StringVar(&opts.auditDB, "audit-db", "", "SQLite file recording lifecycle events")
	flagSet.StringVar(&opts.metricsAddr, "metrics-addr", "", "listen address for /metrics and /status")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.DurationVar(&opts.statusInterval, "status-interval", 5*time.Second, "how often to log deployment status")
	flagSet.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: localdeployer --name NAME --artifact PATH [flags]")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.name == "" || opts.artifact == "" {
		return errors.New("--name and --artifact are required")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	props, err := loadProperties(flagSet, opts)
	if err != nil {
		return err
	}

	metrics := local.NewPrometheusMetricsCollector("")
	deployerOpts := []local.Option{
		local.WithLogger(logger),
		local.WithMetrics(metrics),
	}

	if opts.auditDB != "" {
		db, err := sqlx.Connect("sqlite3", opts.auditDB)
		if err != nil {
			return fmt.Errorf("failed to open audit database: %w", err)
		}
		defer db.Close()
		journal, err := audit.NewJournal(db)
		if err != nil {
			return fmt.Errorf("failed to initialize audit journal: %w", err)
		}
		deployerOpts = append(deployerOpts, local.WithEventRecorder(journal))
		logger.Info("Recording lifecycle events", "path", opts.auditDB)
	}

	d, err := local.New(props, deployerOpts...)
	if err != nil {
		return err
	}

	deployProps := map[string]string{deployer.CountPropertyKey: strconv.Itoa(opts.count)}
	if opts.group != "" {
		deployProps[deployer.GroupPropertyKey] = opts.group
	}
	for k, v := range opts.deployProps {
		deployProps[k] = v
	}
	req, err := deployer.NewAppDeploymentRequest(
		deployer.NewAppDefinition(opts.name, opts.appProps),
		deployer.FileResource(opts.artifact),
		deployProps,
		opts.args,
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id, err := d.Deploy(ctx, req)
	if err != nil {
		return err
	}

	var srv *http.Server
	if opts.metricsAddr != "" {
		srv = newMonitoringServer(opts.metricsAddr, d, id, metrics)
		go func() {
			logger.Info("Serving metrics", "address", opts.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	supervise(ctx, d, id, opts.statusInterval, logger)

	logger.Info("Received signal, shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), props.ShutdownTimeout+10*time.Second)
	defer cancel()
	if srv != nil {
		srv.Shutdown(shutdownCtx)
	}
	return d.Shutdown(shutdownCtx)
}

// loadProperties reads --config, if given, and applies flag overrides.
func loadProperties(flagSet *pflag.FlagSet, opts options) (local.Properties, error) {
	props := local.DefaultProperties()
	if opts.configPath != "" {
		var err error
		props, err = local.LoadProperties(opts.configPath)
		if err != nil {
			return props, err
		}
	}
	if flagSet.Changed("work-dir") {
		props.WorkingDirectoriesRoot = opts.workDir
	}
	if flagSet.Changed("delete-files-on-exit") {
		props.DeleteFilesOnExit = opts.deleteFiles
	}
	if flagSet.Changed("shutdown-timeout") {
		props.ShutdownTimeout = opts.shutdownTimeout
	}
	return props, props.Validate()
}

// supervise logs the deployment status whenever it changes, and at least
// every interval, until ctx is done.
func supervise(ctx context.Context, d *local.LocalAppDeployer, id string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := deployer.StateUnknown
	for {
		status := d.Status(ctx, id)
		if state := status.State(); state != last {
			logger.Info("Deployment state changed", "deploymentID", id, "from", last, "to", state)
			last = state
		} else {
			logger.Debug("Deployment state", "deploymentID", id, "state", state)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newMonitoringServer(addr string, d *local.LocalAppDeployer, id string, metrics *local.PrometheusMetricsCollector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		status := d.Status(r.Context(), id)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			State       deployer.DeploymentState        `json:"state"`
			Status      *deployer.AppStatus             `json:"status"`
			Environment deployer.RuntimeEnvironmentInfo `json:"environment"`
		}{status.State(), status, d.EnvironmentInfo()})
	})
	return &http.Server{Addr: addr, Handler: mux}
}
