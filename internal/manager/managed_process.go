package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loykin/botfleet/internal/history"
	"github.com/loykin/botfleet/internal/metrics"
	"github.com/loykin/botfleet/internal/process"
)

// stableUptime is how long a worker must stay up before its consecutive
// crash counter resets.
const stableUptime = time.Minute

// ManagedProcess owns one named worker. A single goroutine runs the state
// machine; callers talk to it through cmdChan and read state under mu.
//
// Lock Hierarchy (to prevent deadlocks):
// 1. mu (state lock) - protects state and counters
// 2. Process internal locks (managed by process.Process)
//
// State Machine:
// Stopped -> Starting -> Running -> Stopping -> Stopped
// Running -> Errored (unexpected exit) -> Starting (auto-restart) | Stopped (Stop)
type ManagedProcess struct {
	id       int
	mu       sync.RWMutex
	state    processState
	proc     *process.Process
	restarts int
	crashes  int // consecutive unexpected exits
	cmdChan  chan command
	doneChan chan struct{}

	health    time.Duration
	envMerger func(process.Spec) []string
	emit      func(history.EventType, process.Status, string)
	log       *slog.Logger
}

type processState int32

const (
	StateStopped processState = iota
	StateStarting
	StateRunning
	StateStopping
	StateErrored
)

func (s processState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

type command struct {
	action commandAction
	spec   process.Spec
	wait   time.Duration
	reply  chan error
}

type commandAction int

const (
	ActionStart commandAction = iota
	ActionStop
	ActionRestart
	ActionShutdown
)

func newManagedProcess(
	id int,
	spec process.Spec,
	health time.Duration,
	envMerger func(process.Spec) []string,
	emit func(history.EventType, process.Status, string),
	log *slog.Logger,
) *ManagedProcess {
	mp := &ManagedProcess{
		id:        id,
		state:     StateStopped,
		proc:      process.New(spec),
		cmdChan:   make(chan command, 16),
		doneChan:  make(chan struct{}),
		health:    health,
		envMerger: envMerger,
		emit:      emit,
		log:       log.With("process", spec.Name),
	}
	go mp.runStateMachine()
	return mp
}

// ID is the manager-assigned id, stable for the life of this entry.
func (mp *ManagedProcess) ID() int { return mp.id }

func (mp *ManagedProcess) Start(ctx context.Context, spec process.Spec) error {
	return mp.send(ctx, command{action: ActionStart, spec: spec})
}

func (mp *ManagedProcess) Stop(ctx context.Context, wait time.Duration) error {
	return mp.send(ctx, command{action: ActionStop, wait: wait})
}

// Restart stops the worker if needed and starts it again under the same name.
func (mp *ManagedProcess) Restart(ctx context.Context, spec process.Spec) error {
	return mp.send(ctx, command{action: ActionRestart, spec: spec})
}

// Shutdown stops the worker and ends the state machine.
func (mp *ManagedProcess) Shutdown(ctx context.Context) error {
	select {
	case <-mp.doneChan:
		return nil
	default:
	}
	err := mp.send(ctx, command{action: ActionShutdown})
	if errors.Is(err, ErrUnavailable) {
		return nil
	}
	return err
}

// send delivers a command and waits for its reply. The command keeps running
// if ctx ends first; only the wait is abandoned.
func (mp *ManagedProcess) send(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case mp.cmdChan <- c:
	case <-mp.doneChan:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-mp.doneChan:
		select {
		case err := <-c.reply:
			return err
		default:
			return ErrUnavailable
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns current status (lock-minimal).
func (mp *ManagedProcess) Status() process.Status {
	mp.mu.RLock()
	state := mp.state
	restarts := mp.restarts
	proc := mp.proc
	mp.mu.RUnlock()

	st := proc.Snapshot()
	st.ID = mp.id
	st.Name = proc.Spec().Name
	st.State = state.String()
	st.Restarts = restarts
	st.Running = state == StateRunning && proc.Alive()
	if st.Running {
		if u, err := proc.Usage(); err == nil {
			st.MemoryRSS = u.MemoryRSS
			st.CPUPercent = u.CPUPercent
		}
	}
	return st
}

// runStateMachine is the core state machine (single goroutine, no races).
func (mp *ManagedProcess) runStateMachine() {
	defer close(mp.doneChan)

	ticker := time.NewTicker(mp.health)
	defer ticker.Stop()

	var restartC <-chan time.Time
	for {
		var exitC <-chan struct{}
		if mp.currentState() == StateRunning {
			exitC = mp.proc.Done()
		}

		select {
		case cmd := <-mp.cmdChan:
			// any explicit command supersedes a pending auto-restart
			restartC = nil
			if mp.handleCommand(cmd) {
				return
			}

		case <-exitC:
			if d, ok := mp.handleExit(); ok {
				restartC = time.After(d)
			}

		case <-restartC:
			restartC = nil
			if d, ok := mp.autoRestart(); ok {
				restartC = time.After(d)
			}

		case <-ticker.C:
			mp.checkMemory()
		}
	}
}

// handleCommand runs one command and reports whether the machine should exit.
func (mp *ManagedProcess) handleCommand(cmd command) bool {
	var err error
	switch cmd.action {
	case ActionStart:
		err = mp.handleStart(cmd.spec)
	case ActionStop:
		err = mp.handleStop(cmd.wait)
	case ActionRestart:
		err = mp.handleRestart(cmd.spec)
	case ActionShutdown:
		err = mp.handleStop(mp.proc.Spec().StopWaitOrDefault())
		cmd.reply <- err
		return true
	}
	cmd.reply <- err
	return false
}

func (mp *ManagedProcess) handleStart(spec process.Spec) error {
	switch state := mp.currentState(); state {
	case StateRunning:
		if mp.proc.Alive() {
			return fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, spec.Name, mp.proc.Snapshot().PID)
		}
		// exit not yet observed by the loop
		mp.setState(StateStopped)
		return mp.doStart(spec)
	case StateStopped, StateErrored:
		mp.resetCrashes()
		return mp.doStart(spec)
	default:
		return fmt.Errorf("%w: %s is %s", ErrBusy, spec.Name, state)
	}
}

func (mp *ManagedProcess) handleStop(wait time.Duration) error {
	switch state := mp.currentState(); state {
	case StateStopped:
		return nil
	case StateErrored:
		// cancels the pending restart
		mp.setState(StateStopped)
		return nil
	case StateStarting, StateRunning:
		return mp.doStop(wait, true)
	default:
		return fmt.Errorf("%w: %s is %s", ErrBusy, mp.proc.Spec().Name, state)
	}
}

func (mp *ManagedProcess) handleRestart(spec process.Spec) error {
	if mp.currentState() == StateRunning {
		if err := mp.doStop(spec.StopWaitOrDefault(), false); err != nil {
			return err
		}
	} else {
		mp.setState(StateStopped)
	}
	mp.resetCrashes()
	if err := mp.doStart(spec); err != nil {
		return err
	}
	mp.countRestart(metrics.RestartManual)
	return nil
}

// doStart launches the process and waits out StartDuration.
func (mp *ManagedProcess) doStart(spec process.Spec) error {
	mp.setState(StateStarting)
	mp.proc.UpdateSpec(spec)

	began := time.Now()
	if err := mp.proc.Start(mp.envMerger(spec)); err != nil {
		if errors.Is(err, process.ErrAlreadyAlive) {
			mp.setState(StateStopped)
			return fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
		}
		mp.setState(StateErrored)
		return fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}
	if err := mp.proc.EnforceStartDuration(spec.StartDuration); err != nil {
		mp.setState(StateErrored)
		mp.emit(history.EventExit, mp.Status(), mp.proc.Snapshot().ExitErr)
		return fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}

	mp.setState(StateRunning)
	metrics.IncStart(spec.Name)
	metrics.ObserveStartDuration(spec.Name, time.Since(began))
	st := mp.Status()
	mp.log.Info("process started", "pid", st.PID, "id", st.ID)
	mp.emit(history.EventStart, st, "")
	return nil
}

func (mp *ManagedProcess) doStop(wait time.Duration, record bool) error {
	mp.setState(StateStopping)
	err := mp.proc.Stop(wait)
	mp.setState(StateStopped)
	metrics.IncStop(mp.proc.Spec().Name)
	st := mp.Status()
	mp.log.Info("process stopped", "pid", st.PID)
	if record {
		mp.emit(history.EventStop, st, "")
	}
	if err != nil {
		return fmt.Errorf("failed to stop %s: %w", st.Name, err)
	}
	return nil
}

// handleExit reacts to an exit nobody asked for. It returns the delay before
// an auto-restart and whether one should happen.
func (mp *ManagedProcess) handleExit() (time.Duration, bool) {
	spec := mp.proc.Spec()
	snap := mp.proc.Snapshot()

	mp.mu.Lock()
	if time.Since(snap.StartedAt) >= stableUptime {
		mp.crashes = 0
	}
	mp.crashes++
	crashes := mp.crashes
	mp.mu.Unlock()

	retry := spec.AutoRestart && (spec.MaxRestarts == 0 || crashes <= spec.MaxRestarts)
	if snap.ExitErr == "" && !spec.AutoRestart {
		mp.setState(StateStopped)
	} else {
		mp.setState(StateErrored)
	}
	mp.log.Warn("process exited unexpectedly", "pid", snap.PID, "error", snap.ExitErr, "crashes", crashes, "restart", retry)
	mp.emit(history.EventExit, mp.Status(), snap.ExitErr)
	if !retry {
		return 0, false
	}
	return spec.RestartIntervalOrDefault(), true
}

func (mp *ManagedProcess) autoRestart() (time.Duration, bool) {
	if mp.currentState() != StateErrored {
		return 0, false
	}
	spec := mp.proc.Spec()
	if err := mp.doStart(spec); err != nil {
		mp.log.Error("auto-restart failed", "error", err)
		if errors.Is(err, ErrAlreadyRunning) {
			return 0, false
		}
		mp.mu.Lock()
		mp.crashes++
		crashes := mp.crashes
		mp.mu.Unlock()
		if spec.MaxRestarts > 0 && crashes > spec.MaxRestarts {
			return 0, false
		}
		return spec.RestartIntervalOrDefault(), true
	}
	mp.countRestart(metrics.RestartCrash)
	return 0, false
}

// checkMemory restarts a running worker whose RSS exceeds its ceiling.
func (mp *ManagedProcess) checkMemory() {
	spec := mp.proc.Spec()
	if spec.MaxMemoryBytes == 0 || mp.currentState() != StateRunning {
		return
	}
	u, err := mp.proc.Usage()
	if err != nil || u.MemoryRSS <= spec.MaxMemoryBytes {
		return
	}
	mp.log.Warn("memory ceiling exceeded, restarting",
		"rss", humanize.IBytes(u.MemoryRSS), "limit", humanize.IBytes(spec.MaxMemoryBytes))
	if err := mp.doStop(spec.StopWaitOrDefault(), false); err != nil {
		mp.log.Error("stop for memory restart failed", "error", err)
	}
	if err := mp.doStart(spec); err != nil {
		mp.log.Error("memory restart failed", "error", err)
		return
	}
	mp.countRestart(metrics.RestartMemory)
}

func (mp *ManagedProcess) countRestart(reason string) {
	mp.mu.Lock()
	mp.restarts++
	mp.mu.Unlock()
	metrics.IncRestart(mp.proc.Spec().Name, reason)
	mp.emit(history.EventRestart, mp.Status(), reason)
}

func (mp *ManagedProcess) resetCrashes() {
	mp.mu.Lock()
	mp.crashes = 0
	mp.mu.Unlock()
}

func (mp *ManagedProcess) currentState() processState {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.state
}

// setState safely updates state (minimal lock scope).
func (mp *ManagedProcess) setState(newState processState) {
	mp.mu.Lock()
	oldState := mp.state
	mp.state = newState
	mp.mu.Unlock()
	if oldState == newState {
		return
	}

	name := mp.proc.Spec().Name
	metrics.RecordStateTransition(name, oldState.String(), newState.String())
	metrics.SetCurrentState(name, oldState.String(), false)
	metrics.SetCurrentState(name, newState.String(), true)
}
