package local

import (
	"context"
	"errors"
	"sync"

	"github.com/tomyedwab/localdeployer/deployer"
)

// fakeProcess is a Process whose lifetime is driven by the test.
type fakeProcess struct {
	pid  int
	done chan struct{}

	mu       sync.Mutex
	exitCode int
	killed   bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return
	default:
	}
	p.exitCode = code
	close(p.done)
}

func (p *fakeProcess) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) ExitCode() (int, bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, true
	default:
		return 0, false
	}
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(137)
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

// fakeLauncher records launch specs and hands out fakeProcesses. The
// launch with index failAt, counting from zero, fails.
type fakeLauncher struct {
	mu        sync.Mutex
	specs     []LaunchSpec
	processes []*fakeProcess
	failAt    int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{failAt: -1}
}

func (l *fakeLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.specs) == l.failAt {
		l.specs = append(l.specs, spec)
		return nil, errors.New("exec format error")
	}
	l.specs = append(l.specs, spec)
	p := newFakeProcess(1000 + len(l.processes))
	l.processes = append(l.processes, p)
	return p, nil
}

func (l *fakeLauncher) launched() []*fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeProcess(nil), l.processes...)
}

func (l *fakeLauncher) launchSpecs() []LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LaunchSpec(nil), l.specs...)
}

// stateChecker reports a fixed state per instance index for live processes
// and defers to exit codes otherwise.
type stateChecker struct {
	mu     sync.Mutex
	states map[int]deployer.DeploymentState
}

func (c *stateChecker) set(index int, state deployer.DeploymentState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.states == nil {
		c.states = make(map[int]deployer.DeploymentState)
	}
	c.states[index] = state
}

func (c *stateChecker) Check(ctx context.Context, instance *Instance) (deployer.DeploymentState, error) {
	if code, exited := instance.Process.ExitCode(); exited {
		if code == 0 {
			return deployer.StateUndeployed, nil
		}
		return deployer.StateFailed, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.states[instance.Index]; ok {
		return state, nil
	}
	return deployer.StateDeployed, nil
}

// recordingEvents collects recorded events.
type recordingEvents struct {
	mu     sync.Mutex
	events []deployer.Event
}

func (r *recordingEvents) RecordEvent(ctx context.Context, event deployer.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingEvents) types() []deployer.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]deployer.EventType, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}
