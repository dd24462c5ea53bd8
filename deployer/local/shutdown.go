package local

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// How an instance was stopped.
const (
	StopExited   = "exited"
	StopGraceful = "graceful"
	StopKilled   = "killed"
)

// shutdownProtocol stops one instance: an optional POST /shutdown followed
// by polling for exit, then SIGKILL if the process is still alive.
type shutdownProtocol struct {
	client       *http.Client
	timeout      time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// stop returns one of StopExited, StopGraceful or StopKilled. It never
// takes longer than timeout plus the time to send the kill signal: the
// shutdown request and the exit polling share a single deadline.
func (s *shutdownProtocol) stop(ctx context.Context, instance *Instance) string {
	logger := s.logger.With("instanceID", instance.ID(), "pid", instance.Process.Pid())

	if !instance.Process.Alive() {
		return StopExited
	}

	if s.timeout > 0 {
		deadline := time.Now().Add(s.timeout)
		if s.requestShutdown(ctx, deadline, instance, logger) {
			if s.awaitExit(ctx, deadline, instance) {
				logger.Info("Instance shut down gracefully")
				return StopGraceful
			}
			logger.Warn("Instance did not exit before shutdown timeout", "timeout", s.timeout)
		}
	}

	if !instance.Process.Alive() {
		return StopGraceful
	}
	if err := instance.Process.Kill(); err != nil {
		logger.Error("Failed to kill instance", "error", err)
	} else {
		logger.Info("Instance killed")
	}
	return StopKilled
}

// requestShutdown reports whether the instance accepted the shutdown call
// before deadline.
func (s *shutdownProtocol) requestShutdown(ctx context.Context, deadline time.Time, instance *Instance, logger *slog.Logger) bool {
	reqCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	url := strings.TrimSuffix(instance.BaseURL, "/") + "/shutdown"
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, nil)
	if err != nil {
		logger.Warn("Failed to create shutdown request", "url", url, "error", err)
		return false
	}
	if instance.token != "" {
		req.Header.Set("Authorization", "Bearer "+instance.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		logger.Debug("No shutdown endpoint reachable", "url", url, "error", err)
		return false
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Debug("Shutdown request rejected", "url", url, "status", resp.Status)
		return false
	}
	return true
}

// awaitExit polls liveness until the process exits, deadline passes or ctx
// is cancelled.
func (s *shutdownProtocol) awaitExit(ctx context.Context, deadline time.Time, instance *Instance) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return !instance.Process.Alive()
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-instance.Process.Done():
			return true
		case <-ticker.C:
			if !instance.Process.Alive() {
				return true
			}
		case <-timer.C:
			return !instance.Process.Alive()
		case <-ctx.Done():
			return !instance.Process.Alive()
		}
	}
}
