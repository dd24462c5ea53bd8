package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Process is an OS process owned by one instance.
type Process interface {
	// Pid returns the OS process id.
	Pid() int
	// Alive reports whether the process has not yet exited.
	Alive() bool
	// ExitCode returns the exit code and true once the process has exited,
	// or 0 and false while it is still running. It never blocks.
	ExitCode() (int, bool)
	// Kill forcibly terminates the process without waiting for it to exit.
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
}

// LaunchSpec describes exactly one process to start.
type LaunchSpec struct {
	InstanceID string
	Command    []string
	Env        []string // KEY=VALUE pairs, the complete environment
	Dir        string
	StdoutPath string
	StderrPath string
}

// Launcher starts instance processes.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ExecLauncher starts processes with os/exec, redirecting their output to
// the log files named in the LaunchSpec.
type ExecLauncher struct {
	logger *slog.Logger
}

// NewExecLauncher creates an ExecLauncher. A nil logger uses slog.Default().
func NewExecLauncher(logger *slog.Logger) *ExecLauncher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecLauncher{logger: logger.With("component", "ExecLauncher")}
}

// Launch creates the log files, which must not already exist, and starts the
// process. The process outlives ctx; ctx is only checked before starting.
func (l *ExecLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stdout, err := os.OpenFile(spec.StdoutPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout log: %w", err)
	}
	stderr, err := os.OpenFile(spec.StderrPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr log: %w", err)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command[0], err)
	}

	l.logger.Info("Process started", "instanceID", spec.InstanceID, "pid", cmd.Process.Pid, "command", strings.Join(spec.Command, " "), "dir", spec.Dir)

	p := &osProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		stdout.Close()
		stderr.Close()
		p.exited(err)
		l.logger.Info("Process exited", "instanceID", spec.InstanceID, "pid", cmd.Process.Pid, "exitCode", p.exitCode)
	}()
	return p, nil
}

// osProcess is a Process backed by an exec.Cmd reaped in its own goroutine.
type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

func (p *osProcess) exited(err error) {
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)
}

func (p *osProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *osProcess) ExitCode() (int, bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, true
	default:
		return 0, false
	}
}

func (p *osProcess) Kill() error {
	if !p.Alive() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *osProcess) Done() <-chan struct{} {
	return p.done
}
