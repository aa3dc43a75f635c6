package process

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrAlreadyAlive is returned when the configured pidfile points at a live process.
	ErrAlreadyAlive = errors.New("process already alive")
	// ErrExitedEarly is returned when the process dies inside StartDuration.
	ErrExitedEarly = errors.New("process exited before start duration")
)

// Process owns one OS process at a time. Every started command is reaped by
// its own goroutine, so exit is observed without polling.
type Process struct {
	mu       sync.Mutex
	spec     Spec
	cmd      *exec.Cmd
	status   Status
	stopping bool          // true when Stop has been requested
	done     chan struct{} // closed by the reaper when cmd.Wait returns
	sampler  *sampler
}

func New(spec Spec) *Process { return &Process{spec: spec, status: Status{Name: spec.Name}} }

// Spec returns a copy of the current spec.
func (p *Process) Spec() Spec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spec
}

// UpdateSpec replaces the spec used by the next Start.
func (p *Process) UpdateSpec(s Spec) {
	p.mu.Lock()
	p.spec = s
	p.mu.Unlock()
}

// Start launches the command with the given environment.
func (p *Process) Start(env []string) error {
	spec := p.Spec()
	if spec.PIDFile != "" {
		if pid, alive := PIDFileAlive(spec.PIDFile); alive {
			return fmt.Errorf("%w: pid %d recorded in %s", ErrAlreadyAlive, pid, spec.PIDFile)
		}
	}

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if spec.Log.File.Dir != "" {
		_ = os.MkdirAll(spec.Log.File.Dir, 0o750)
	}
	outW, errW, _ := spec.Log.ProcessWriters(spec.Name)
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}

	if err := cmd.Start(); err != nil {
		closeAll(outW, errW)
		return err
	}

	done := make(chan struct{})
	p.mu.Lock()
	p.cmd = cmd
	p.done = done
	p.stopping = false
	p.sampler = newSampler(cmd.Process.Pid)
	p.status.Name = spec.Name
	p.status.Running = true
	p.status.PID = cmd.Process.Pid
	p.status.StartedAt = time.Now()
	p.status.StoppedAt = time.Time{}
	p.status.ExitErr = ""
	p.mu.Unlock()

	if spec.PIDFile != "" {
		_ = WritePIDFile(spec.PIDFile, cmd.Process.Pid)
	}
	go p.reap(cmd, done, spec.PIDFile, outW, errW)
	return nil
}

func (p *Process) reap(cmd *exec.Cmd, done chan struct{}, pidFile string, outW, errW io.WriteCloser) {
	err := cmd.Wait()
	closeAll(outW, errW)
	p.mu.Lock()
	if p.cmd == cmd {
		p.status.Running = false
		p.status.StoppedAt = time.Now()
		if err != nil {
			p.status.ExitErr = err.Error()
		}
	}
	p.mu.Unlock()
	if pidFile != "" {
		RemovePIDFile(pidFile, cmd.Process.Pid)
	}
	close(done)
}

// Done returns a channel closed when the current process exits. It is nil
// before the first Start.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Alive reports whether the current process is still running.
func (p *Process) Alive() bool {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil || done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}
	pid := cmd.Process.Pid
	if isZombie(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// StopRequested reports whether Stop was called since the last Start.
func (p *Process) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// Stop sends SIGTERM to the process group, escalating to SIGKILL after wait.
// Exit caused by the signal is not an error.
func (p *Process) Stop(wait time.Duration) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.stopping = true
	p.mu.Unlock()
	if cmd == nil || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	pid := cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-done:
		return nil
	case <-time.After(wait):
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("process %d did not exit after SIGKILL", pid)
	}
}

// Kill sends SIGKILL to the process group without a grace period.
func (p *Process) Kill() error { return p.Stop(0) }

// EnforceStartDuration waits d and fails if the process exits meanwhile.
func (p *Process) EnforceStartDuration(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := p.Done()
	if done == nil {
		return ErrExitedEarly
	}
	select {
	case <-done:
		return fmt.Errorf("%w %s", ErrExitedEarly, d)
	case <-time.After(d):
		return nil
	}
}

// Snapshot returns a copy of the current status.
func (p *Process) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Usage samples RSS and CPU of the running process.
func (p *Process) Usage() (Usage, error) {
	p.mu.Lock()
	s := p.sampler
	p.mu.Unlock()
	if s == nil || !p.Alive() {
		return Usage{}, ErrNotRunning
	}
	return s.sample()
}

// isZombie reports a zombie state from /proc on Linux; elsewhere false.
func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
