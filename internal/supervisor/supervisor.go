// Package supervisor runs one worker process per tenant. It turns a persisted
// tenant record into a process spec (decrypting the credential on the way),
// drives the process manager and writes the lifecycle outcome back to the
// store.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loykin/botfleet/internal/history"
	"github.com/loykin/botfleet/internal/logger"
	"github.com/loykin/botfleet/internal/manager"
	"github.com/loykin/botfleet/internal/process"
	"github.com/loykin/botfleet/internal/store"
	"github.com/loykin/botfleet/internal/tenant"
	"github.com/loykin/botfleet/internal/vault"
)

var (
	ErrAlreadyRunning = errors.New("tenant worker already running")
	ErrNotFound       = errors.New("tenant not found")
	// ErrSupervisorUnavailable means the process manager refused the call.
	// It is returned as is; nothing retries it.
	ErrSupervisorUnavailable = errors.New("process manager unavailable")
	// ErrDecryption means the stored credential must be re-entered.
	ErrDecryption = errors.New("tenant credential cannot be decrypted")
	// ErrCredentialRequired is returned when registering a new tenant without a token.
	ErrCredentialRequired = errors.New("tenant credential required")
	// ErrInvalidCredential is returned when the upstream service rejects a token.
	ErrInvalidCredential = errors.New("tenant credential rejected")
)

// ProcessManager is the process registry the supervisor drives.
// *manager.Manager implements it.
type ProcessManager interface {
	Start(ctx context.Context, spec process.Spec) (process.Status, error)
	Stop(ctx context.Context, name string, wait time.Duration) error
	Restart(ctx context.Context, spec process.Spec) (process.Status, error)
	Status(ctx context.Context, name string) (process.Status, error)
	List(ctx context.Context, prefix string) ([]process.Status, error)
	Remove(ctx context.Context, name string) error
}

// Credentials seals and opens tenant tokens. *vault.Vault implements it.
type Credentials interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(stored string) (string, error)
	Rotate(stored string) (string, error)
	NeedsRotation(stored string) bool
}

// TokenIssuer hands out the control-plane token a worker presents when it
// connects back.
type TokenIssuer interface {
	Token(processName string) string
}

// WorkerConfig describes how tenant workers are launched.
type WorkerConfig struct {
	Command         string        `mapstructure:"command" validate:"required"`
	WorkDir         string        `mapstructure:"work_dir"`
	RunDir          string        `mapstructure:"run_dir"`
	MaxMemory       string        `mapstructure:"max_memory"`
	AutoRestart     bool          `mapstructure:"auto_restart"`
	RestartInterval time.Duration `mapstructure:"restart_interval"`
	MaxRestarts     int           `mapstructure:"max_restarts" validate:"gte=0"`
	StartDuration   time.Duration `mapstructure:"start_duration"`
	StopWait        time.Duration `mapstructure:"stop_wait"`
	Log             logger.Config `mapstructure:"log"`
}

// DefaultMaxMemory is the per-worker RSS ceiling when none is configured.
const DefaultMaxMemory = "512MB"

// Options wires a Supervisor.
type Options struct {
	Store       store.Store
	Credentials Credentials
	Manager     ProcessManager
	Worker      WorkerConfig
	ControlURL  string
	Tokens      TokenIssuer
	History     history.Sink
	// Validator, when set, checks new tokens before Register stores them.
	Validator TokenValidator
	// Messenger carries control messages; without it SendControlMessage fails.
	Messenger Messenger
	Logger    *slog.Logger
}

// Supervisor manages tenant workers. Lifecycle calls for one tenant are
// serialized; calls for different tenants run concurrently.
type Supervisor struct {
	st        store.Store
	creds     Credentials
	pm        ProcessManager
	worker    WorkerConfig
	maxMem    uint64
	ctrlURL   string
	tokens    TokenIssuer
	hist      history.Sink
	validator TokenValidator
	msgr      Messenger
	log       *slog.Logger
	inflight  *keyedMutex
}

func New(opts Options) (*Supervisor, error) {
	if opts.Store == nil || opts.Credentials == nil || opts.Manager == nil {
		return nil, errors.New("supervisor requires store, credentials and process manager")
	}
	if opts.Worker.Command == "" {
		return nil, errors.New("supervisor requires a worker command")
	}
	limit := opts.Worker.MaxMemory
	if limit == "" {
		limit = DefaultMaxMemory
	}
	maxMem, err := humanize.ParseBytes(limit)
	if err != nil {
		return nil, fmt.Errorf("worker max_memory %q: %w", limit, err)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		st:        opts.Store,
		creds:     opts.Credentials,
		pm:        opts.Manager,
		worker:    opts.Worker,
		maxMem:    maxMem,
		ctrlURL:   opts.ControlURL,
		tokens:    opts.Tokens,
		hist:      opts.History,
		validator: opts.Validator,
		msgr:      opts.Messenger,
		log:       log,
		inflight:  newKeyedMutex(),
	}, nil
}

// Start launches the worker for tenantID.
// A live worker yields ErrAlreadyRunning. The record is marked running only
// after the launch succeeded; if that write fails the worker keeps running
// and both the handle and the error are returned.
func (s *Supervisor) Start(ctx context.Context, tenantID string) (ProcessHandle, error) {
	unlock, err := s.inflight.Lock(ctx, tenantID)
	if err != nil {
		return ProcessHandle{}, err
	}
	defer unlock()

	if h, err := s.describe(ctx, tenantID); err != nil {
		return ProcessHandle{}, err
	} else if h != nil && h.Live() {
		return *h, fmt.Errorf("%w: %s", ErrAlreadyRunning, h.Name)
	}

	spec, err := s.specFor(ctx, tenantID)
	if err != nil {
		return ProcessHandle{}, err
	}
	st, err := s.pm.Start(ctx, spec)
	if err != nil {
		return ProcessHandle{}, mapManagerErr(err)
	}
	h := handleFromStatus(st, time.Now())
	s.log.Info("tenant started", "tenant", tenantID, "process", h.Name, "pid", h.PID)
	if err := s.st.SetDesiredState(ctx, tenantID, tenant.DesiredRunning, h.ProcessID); err != nil {
		return h, fmt.Errorf("record desired state: %w", err)
	}
	return h, nil
}

// Stop terminates the tenant's worker. Stopping a stopped or unknown worker
// is not an error.
func (s *Supervisor) Stop(ctx context.Context, tenantID string) error {
	unlock, err := s.inflight.Lock(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.stopLocked(ctx, tenantID)
}

func (s *Supervisor) stopLocked(ctx context.Context, tenantID string) error {
	name := tenant.ProcessName(tenantID)
	err := s.pm.Stop(ctx, name, s.worker.StopWait)
	if err != nil && !errors.Is(err, manager.ErrUnknownProcess) {
		return mapManagerErr(err)
	}
	err = s.st.SetDesiredState(ctx, tenantID, tenant.DesiredStopped, "")
	if err != nil && !errors.Is(err, tenant.ErrNotFound) {
		return fmt.Errorf("record desired state: %w", err)
	}
	s.log.Info("tenant stopped", "tenant", tenantID, "process", name)
	return nil
}

// Restart stops then starts the worker under the same name, re-reading the
// record and credential so settings changes take effect.
func (s *Supervisor) Restart(ctx context.Context, tenantID string) (ProcessHandle, error) {
	unlock, err := s.inflight.Lock(ctx, tenantID)
	if err != nil {
		return ProcessHandle{}, err
	}
	defer unlock()

	spec, err := s.specFor(ctx, tenantID)
	if err != nil {
		return ProcessHandle{}, err
	}
	st, err := s.pm.Restart(ctx, spec)
	if err != nil {
		return ProcessHandle{}, mapManagerErr(err)
	}
	h := handleFromStatus(st, time.Now())
	s.log.Info("tenant restarted", "tenant", tenantID, "process", h.Name, "pid", h.PID)
	if err := s.st.SetDesiredState(ctx, tenantID, tenant.DesiredRunning, h.ProcessID); err != nil {
		return h, fmt.Errorf("record desired state: %w", err)
	}
	return h, nil
}

// Describe returns the tenant's worker, or nil when there is none.
func (s *Supervisor) Describe(ctx context.Context, tenantID string) (*ProcessHandle, error) {
	return s.describe(ctx, tenantID)
}

func (s *Supervisor) describe(ctx context.Context, tenantID string) (*ProcessHandle, error) {
	st, err := s.pm.Status(ctx, tenant.ProcessName(tenantID))
	if errors.Is(err, manager.ErrUnknownProcess) {
		return nil, nil
	}
	if err != nil {
		return nil, mapManagerErr(err)
	}
	h := handleFromStatus(st, time.Now())
	return &h, nil
}

// ListAll returns every worker following the tenant naming convention.
func (s *Supervisor) ListAll(ctx context.Context) ([]ProcessHandle, error) {
	sts, err := s.pm.List(ctx, tenant.ProcessPrefix)
	if err != nil {
		return nil, mapManagerErr(err)
	}
	now := time.Now()
	out := make([]ProcessHandle, 0, len(sts))
	for _, st := range sts {
		if !tenant.IsProcessName(st.Name) {
			continue
		}
		out = append(out, handleFromStatus(st, now))
	}
	return out, nil
}

// StopAll stops every tenant worker without touching desired state, so
// Resume brings the same set back after a daemon restart.
func (s *Supervisor) StopAll(ctx context.Context) error {
	hs, err := s.ListAll(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, h := range hs {
		if h.Status == StatusStopped {
			continue
		}
		if err := s.pm.Stop(ctx, h.Name, s.worker.StopWait); err != nil && !errors.Is(err, manager.ErrUnknownProcess) {
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, mapManagerErr(err)))
		}
	}
	return errors.Join(errs...)
}

// Resume starts every tenant whose desired state is running. Failures are
// logged per tenant and counted; one bad tenant does not block the rest.
func (s *Supervisor) Resume(ctx context.Context) (started int, failed int, err error) {
	recs, err := s.st.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, rec := range recs {
		if rec.DesiredState != tenant.DesiredRunning {
			continue
		}
		if _, err := s.Start(ctx, rec.TenantID); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				continue
			}
			failed++
			s.log.Error("resume tenant failed", "tenant", rec.TenantID, "error", err)
			continue
		}
		started++
	}
	return started, failed, nil
}

// specFor loads the record, opens the credential and builds the launch spec.
func (s *Supervisor) specFor(ctx context.Context, tenantID string) (process.Spec, error) {
	rec, err := s.st.Get(ctx, tenantID)
	if errors.Is(err, tenant.ErrNotFound) {
		return process.Spec{}, fmt.Errorf("%w: %s", ErrNotFound, tenantID)
	}
	if err != nil {
		return process.Spec{}, err
	}
	token, err := s.creds.Decrypt(rec.EncryptedCredential)
	if err != nil {
		s.log.Error("credential decryption failed", "tenant", tenantID, "error", err)
		return process.Spec{}, fmt.Errorf("%w: %s", ErrDecryption, tenantID)
	}
	return s.buildSpec(rec, token), nil
}

func (s *Supervisor) buildSpec(rec tenant.Record, token string) process.Spec {
	name := rec.ProcessName()
	w := s.worker
	spec := process.Spec{
		Name:            name,
		Command:         w.Command,
		WorkDir:         w.WorkDir,
		Env:             s.workerEnv(rec, token),
		StartDuration:   w.StartDuration,
		AutoRestart:     w.AutoRestart,
		RestartInterval: w.RestartInterval,
		MaxRestarts:     w.MaxRestarts,
		MaxMemoryBytes:  s.maxMem,
		StopWait:        w.StopWait,
		Log:             w.Log,
	}
	if w.RunDir != "" {
		spec.PIDFile = filepath.Join(w.RunDir, name+".pid")
	}
	return spec
}

// workerEnv is layered over the shared environment by the process manager.
func (s *Supervisor) workerEnv(rec tenant.Record, token string) []string {
	name := rec.ProcessName()
	kv := []string{
		"BOT_TOKEN=" + token,
		"BOT_APPLICATION_ID=" + rec.ApplicationID,
		"BOT_USER_ID=" + rec.OwnerUserID,
		"BOT_NAME=" + rec.BotName,
		"BOT_DEFAULT_VOLUME=" + strconv.Itoa(rec.DefaultVolume),
		"BOT_24_7=" + strconv.FormatBool(rec.Enable247),
		"BOT_AUTOPLAY=" + strconv.FormatBool(rec.EnableAutoplay),
		"BOTFLEET_PROCESS_NAME=" + name,
	}
	if s.ctrlURL != "" {
		kv = append(kv, "BOTFLEET_CONTROL_URL="+s.ctrlURL)
	}
	if s.tokens != nil {
		kv = append(kv, "BOTFLEET_CONTROL_TOKEN="+s.tokens.Token(name))
	}
	return kv
}

func mapManagerErr(err error) error {
	switch {
	case errors.Is(err, manager.ErrAlreadyRunning):
		return fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
	case errors.Is(err, manager.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrSupervisorUnavailable, err)
	default:
		return err
	}
}

func (s *Supervisor) emit(ctx context.Context, t history.EventType, tenantID string, reason string) {
	if s.hist == nil {
		return
	}
	rec := history.Record{TenantID: tenantID, Name: tenant.ProcessName(tenantID), Reason: reason}
	if err := s.hist.Send(ctx, history.NewEvent(t, rec)); err != nil {
		s.log.Warn("history send failed", "event", t, "tenant", tenantID, "error", err)
	}
}

var _ Credentials = (*vault.Vault)(nil)
var _ ProcessManager = (*manager.Manager)(nil)
