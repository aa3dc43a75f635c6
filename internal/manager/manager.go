// Package manager runs named worker processes. Each name gets one
// ManagedProcess whose state machine serializes lifecycle commands, watches
// for exits, enforces memory ceilings and performs auto-restarts.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loykin/botfleet/internal/env"
	"github.com/loykin/botfleet/internal/history"
	"github.com/loykin/botfleet/internal/metrics"
	"github.com/loykin/botfleet/internal/process"
	"github.com/loykin/botfleet/internal/tenant"
)

var (
	// ErrUnavailable is returned once the manager (or the entry) is shut down.
	ErrUnavailable = errors.New("process manager shutting down")
	// ErrUnknownProcess is returned for names the manager has never seen.
	ErrUnknownProcess = errors.New("unknown process")
	// ErrAlreadyRunning is returned when starting a live process.
	ErrAlreadyRunning = errors.New("process already running")
	// ErrBusy is returned while a process is between states.
	ErrBusy = errors.New("process busy")
)

const defaultHealthInterval = time.Second

// Options configures a Manager. Zero values are usable.
type Options struct {
	Env            *env.Env
	History        history.Sink
	HealthInterval time.Duration
	Logger         *slog.Logger
}

// Manager starts, stops, and monitors processes.
type Manager struct {
	mu      sync.RWMutex
	envM    *env.Env
	hist    history.Sink
	health  time.Duration
	log     *slog.Logger
	entries map[string]*ManagedProcess
	nextID  int
	closed  bool
}

func New(opts Options) *Manager {
	m := &Manager{
		envM:    opts.Env,
		hist:    opts.History,
		health:  opts.HealthInterval,
		log:     opts.Logger,
		entries: make(map[string]*ManagedProcess),
	}
	if m.envM == nil {
		m.envM = env.New()
	}
	if m.health <= 0 {
		m.health = defaultHealthInterval
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// SetEnv swaps the shared environment used by subsequent starts.
func (m *Manager) SetEnv(e *env.Env) {
	if e == nil {
		e = env.New()
	}
	m.mu.Lock()
	m.envM = e
	m.mu.Unlock()
}

// SetHistory replaces the history sink; nil disables history.
func (m *Manager) SetHistory(s history.Sink) {
	m.mu.Lock()
	m.hist = s
	m.mu.Unlock()
}

// Start launches spec.Name. A live process with that name yields ErrAlreadyRunning.
func (m *Manager) Start(ctx context.Context, spec process.Spec) (process.Status, error) {
	if err := spec.Validate(); err != nil {
		return process.Status{}, err
	}
	mp, err := m.ensure(spec)
	if err != nil {
		return process.Status{}, err
	}
	if err := mp.Start(ctx, spec); err != nil {
		return mp.Status(), err
	}
	return mp.Status(), nil
}

// Restart stops (if running) and starts spec.Name, keeping its id.
func (m *Manager) Restart(ctx context.Context, spec process.Spec) (process.Status, error) {
	if err := spec.Validate(); err != nil {
		return process.Status{}, err
	}
	mp, err := m.ensure(spec)
	if err != nil {
		return process.Status{}, err
	}
	if err := mp.Restart(ctx, spec); err != nil {
		return mp.Status(), err
	}
	return mp.Status(), nil
}

// Stop stops a running process. If already stopped, it's a no-op.
func (m *Manager) Stop(ctx context.Context, name string, wait time.Duration) error {
	mp, err := m.get(name)
	if err != nil {
		return err
	}
	return mp.Stop(ctx, wait)
}

// Status returns the current status of name.
func (m *Manager) Status(_ context.Context, name string) (process.Status, error) {
	mp, err := m.get(name)
	if err != nil {
		return process.Status{}, err
	}
	return mp.Status(), nil
}

// List returns statuses for all names starting with prefix, sorted by name.
func (m *Manager) List(_ context.Context, prefix string) ([]process.Status, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrUnavailable
	}
	mps := make([]*ManagedProcess, 0, len(m.entries))
	for name, mp := range m.entries {
		if strings.HasPrefix(name, prefix) {
			mps = append(mps, mp)
		}
	}
	m.mu.RUnlock()

	out := make([]process.Status, 0, len(mps))
	for _, mp := range mps {
		out = append(out, mp.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Remove stops name and forgets it. Unknown names are not an error.
func (m *Manager) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	mp := m.entries[name]
	delete(m.entries, name)
	m.mu.Unlock()
	if mp == nil {
		return nil
	}
	err := mp.Shutdown(ctx)
	metrics.ForgetProcess(name)
	return err
}

// Shutdown stops every process. The manager rejects all calls afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	mps := make([]*ManagedProcess, 0, len(m.entries))
	for _, mp := range m.entries {
		mps = append(mps, mp)
	}
	m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, mp := range mps {
		wg.Add(1)
		go func(mp *ManagedProcess) {
			defer wg.Done()
			if err := mp.Shutdown(ctx); err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
		}(mp)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (m *Manager) get(name string) (*ManagedProcess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	mp := m.entries[name]
	if mp == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}
	return mp, nil
}

// ensure returns the entry for spec.Name, creating it on first use.
func (m *Manager) ensure(spec process.Spec) (*ManagedProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrUnavailable
	}
	if mp := m.entries[spec.Name]; mp != nil {
		return mp, nil
	}
	m.nextID++
	mp := newManagedProcess(m.nextID, spec, m.health, m.mergedEnvFor, m.record, m.log)
	m.entries[spec.Name] = mp
	return mp, nil
}

// mergedEnvFor merges the shared environment with per-process env.
func (m *Manager) mergedEnvFor(spec process.Spec) []string {
	m.mu.RLock()
	e := m.envM
	m.mu.RUnlock()
	return e.Merge(spec.Env)
}

func (m *Manager) record(t history.EventType, st process.Status, reason string) {
	m.mu.RLock()
	sink := m.hist
	m.mu.RUnlock()
	if sink == nil {
		return
	}
	tenantID, _ := tenant.IDFromProcessName(st.Name)
	rec := history.Record{
		TenantID:  tenantID,
		Name:      st.Name,
		ProcessID: st.ProcessID(),
		PID:       st.PID,
		Status:    st.State,
		Restarts:  uint32(st.Restarts),
		Reason:    reason,
		ExitErr:   st.ExitErr,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sink.Send(ctx, history.NewEvent(t, rec)); err != nil {
		m.log.Warn("history send failed", "event", t, "process", st.Name, "error", err)
	}
}
