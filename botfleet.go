// Package botfleet hosts one bot worker process per tenant. It wires the
// credential vault, the process supervisor, the worker control plane and the
// status aggregator behind a single Fleet, which the botfleet daemon serves
// over HTTP and which other programs can embed.
package botfleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/botfleet/internal/config"
	"github.com/loykin/botfleet/internal/controlplane"
	"github.com/loykin/botfleet/internal/env"
	"github.com/loykin/botfleet/internal/history"
	histfactory "github.com/loykin/botfleet/internal/history/factory"
	"github.com/loykin/botfleet/internal/logger"
	"github.com/loykin/botfleet/internal/manager"
	"github.com/loykin/botfleet/internal/metrics"
	"github.com/loykin/botfleet/internal/monitor"
	"github.com/loykin/botfleet/internal/probe"
	"github.com/loykin/botfleet/internal/server"
	"github.com/loykin/botfleet/internal/snapshotcache"
	"github.com/loykin/botfleet/internal/store"
	storefactory "github.com/loykin/botfleet/internal/store/factory"
	"github.com/loykin/botfleet/internal/supervisor"
	"github.com/loykin/botfleet/internal/vault"
)

// Re-exported for embedders.
type (
	Config        = config.Config
	TenantSetup   = supervisor.TenantSetup
	ProcessHandle = supervisor.ProcessHandle
	Snapshot      = monitor.Snapshot
	AllStats      = monitor.AllStats
	DatabaseStats = monitor.DatabaseStats
	Request       = controlplane.Request
	Result        = controlplane.Result
)

var (
	ErrAlreadyRunning        = supervisor.ErrAlreadyRunning
	ErrNotFound              = supervisor.ErrNotFound
	ErrNotRunning            = supervisor.ErrNotRunning
	ErrSupervisorUnavailable = supervisor.ErrSupervisorUnavailable
	ErrDecryption            = supervisor.ErrDecryption
)

// LoadConfig reads a botfleet.toml file; an empty path uses defaults and
// BOTFLEET_* environment overrides only.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Options tweaks New. Zero values are usable.
type Options struct {
	Logger *slog.Logger
	// Sampler replaces the gopsutil host sampler of the status aggregator.
	Sampler monitor.SystemSampler
	// Registerer receives the Prometheus collectors; nil means the default registry.
	Registerer prometheus.Registerer
}

// Fleet is a running control plane.
type Fleet struct {
	cfg     *Config
	log     *slog.Logger
	store   store.Store
	vault   *vault.Vault
	mgr     *manager.Manager
	hub     *controlplane.Hub
	sup     *supervisor.Supervisor
	mon     *monitor.Monitor
	hist    history.Multi
	cache   *snapshotcache.Cache
	handler http.Handler
}

// New opens the store, history sinks and snapshot cache and wires every
// component. Nothing runs until Run, except that the store schema is created.
func New(ctx context.Context, cfg *Config, opts Options) (_ *Fleet, err error) {
	if cfg == nil {
		return nil, errors.New("botfleet: nil config")
	}
	log := opts.Logger
	if log == nil {
		log = logger.New(cfg.Log)
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if err := metrics.Register(reg); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	f := &Fleet{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			f.closeResources()
		}
	}()

	if f.store, err = storefactory.NewFromDSN(cfg.Store.DSN); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err = f.store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("store schema: %w", err)
	}
	if f.vault, err = vault.New(cfg.Vault); err != nil {
		return nil, err
	}
	if cfg.Vault.Secret == vault.DefaultSecret {
		log.Warn("vault uses the built-in default secret; set vault.secret or " + config.SecretEnv)
	}
	if f.hist, err = histfactory.NewSinks(ctx, cfg.History.DSNs); err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	var hist history.Sink
	if len(f.hist) > 0 {
		hist = f.hist
	}

	f.mgr = manager.New(manager.Options{Env: sharedEnv(cfg.GlobalEnv), History: hist, Logger: log})
	if f.hub, err = controlplane.NewHub(controlplane.HubOptions{
		Secret:      cfg.Control.Secret,
		Timeouts:    cfg.Control.Timeouts(),
		MailboxSize: cfg.Control.MailboxSize,
		Logger:      log,
	}); err != nil {
		return nil, err
	}

	var prober *probe.Prober
	if cfg.Probe.Enabled {
		prober = probe.New(cfg.Probe.Options())
	}
	supOpts := supervisor.Options{
		Store:       f.store,
		Credentials: f.vault,
		Manager:     f.mgr,
		Worker:      cfg.Worker,
		ControlURL:  cfg.Server.ControlURL(),
		Tokens:      f.hub,
		History:     hist,
		Messenger:   f.hub,
		Logger:      log,
	}
	if prober != nil && cfg.Probe.ValidateTokens {
		supOpts.Validator = prober
	}
	if f.sup, err = supervisor.New(supOpts); err != nil {
		return nil, err
	}

	if cfg.Cache.RedisURL != "" {
		if f.cache, err = snapshotcache.Open(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL); err != nil {
			return nil, fmt.Errorf("open snapshot cache: %w", err)
		}
	}
	monOpts := monitor.Options{
		Records:          f.store,
		Processes:        f.sup,
		Sampler:          opts.Sampler,
		SystemInterval:   cfg.Monitor.SystemInterval,
		TenantInterval:   cfg.Monitor.TenantInterval,
		ProbeConcurrency: cfg.Monitor.ProbeConcurrency,
		Logger:           log,
	}
	if prober != nil {
		monOpts.Prober = prober
		monOpts.Credentials = f.vault
	}
	if f.cache != nil {
		monOpts.Publisher = f.cache
	}
	if f.mon, err = monitor.New(monOpts); err != nil {
		return nil, err
	}

	router, err := server.NewRouter(server.Options{
		Supervisor:   f.sup,
		Records:      f.store,
		Stats:        f.mon,
		IPC:          f.hub,
		Metrics:      metrics.Handler(),
		BasePath:     cfg.Server.BasePath,
		APITokenHash: cfg.Server.APITokenHash,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}
	f.handler = router.Handler()
	return f, nil
}

func sharedEnv(kvs []string) *env.Env {
	e := env.New()
	for k, v := range env.Parse(kvs) {
		e.Set(k, v)
	}
	return e
}

func (f *Fleet) Logger() *slog.Logger { return f.log }

// Handler serves the operator API, the worker control endpoint and /metrics.
func (f *Fleet) Handler() http.Handler { return f.handler }

// Run resumes tenants marked running, starts the status aggregator and
// serves HTTP on the configured listen address until ctx is done. Workers
// are stopped on the way out; their desired state is kept for the next boot.
func (f *Fleet) Run(ctx context.Context) error {
	started, failed, err := f.sup.Resume(ctx)
	if err != nil {
		f.log.Error("resume failed", "error", err)
	} else {
		f.log.Info("tenants resumed", "started", started, "failed", failed)
	}

	monCtx, stopMon := context.WithCancel(ctx)
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		f.mon.Run(monCtx)
	}()

	f.log.Info("botfleet listening", "addr", f.cfg.Server.Listen, "base_path", f.cfg.Server.BasePath)
	serveErr := server.Serve(ctx, server.NewServer(f.cfg.Server.Listen, f.handler))

	stopMon()
	<-monDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), f.cfg.Worker.StopWait+10*time.Second)
	defer cancel()
	return errors.Join(serveErr, f.Shutdown(shutdownCtx))
}

// Shutdown stops every worker and releases resources.
func (f *Fleet) Shutdown(ctx context.Context) error {
	var errs []error
	if err := f.sup.StopAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop workers: %w", err))
	}
	if err := f.mgr.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("process manager: %w", err))
	}
	errs = append(errs, f.closeResources())
	return errors.Join(errs...)
}

func (f *Fleet) closeResources() error {
	var errs []error
	if f.hub != nil {
		errs = append(errs, f.hub.Close())
	}
	if f.cache != nil {
		errs = append(errs, f.cache.Close())
	}
	if f.hist != nil {
		errs = append(errs, f.hist.Close())
	}
	if f.store != nil {
		errs = append(errs, f.store.Close())
	}
	return errors.Join(errs...)
}

// ApplyEnv replaces the shared worker environment for subsequent starts.
func (f *Fleet) ApplyEnv(kvs []string) {
	f.mgr.SetEnv(sharedEnv(kvs))
	f.log.Info("shared worker environment reloaded", "vars", len(kvs))
}

func (f *Fleet) Register(ctx context.Context, in TenantSetup) error {
	_, err := f.sup.Register(ctx, in)
	return err
}

func (f *Fleet) Remove(ctx context.Context, tenantID string) error {
	if err := f.sup.Remove(ctx, tenantID); err != nil {
		return err
	}
	f.mon.Forget(ctx, tenantID)
	return nil
}

func (f *Fleet) Start(ctx context.Context, tenantID string) (ProcessHandle, error) {
	return f.sup.Start(ctx, tenantID)
}

func (f *Fleet) Stop(ctx context.Context, tenantID string) error {
	return f.sup.Stop(ctx, tenantID)
}

func (f *Fleet) Restart(ctx context.Context, tenantID string) (ProcessHandle, error) {
	return f.sup.Restart(ctx, tenantID)
}

func (f *Fleet) Describe(ctx context.Context, tenantID string) (*ProcessHandle, error) {
	return f.sup.Describe(ctx, tenantID)
}

// SendControlMessage relays req to the tenant's worker. A missing reply is
// an OutcomePending result.
func (f *Fleet) SendControlMessage(ctx context.Context, tenantID string, req Request) (Result, error) {
	return f.sup.SendControlMessage(ctx, tenantID, req)
}

// RotateCredentials re-seals every stored credential in the configured write version.
func (f *Fleet) RotateCredentials(ctx context.Context) (int, error) {
	return f.sup.RotateAll(ctx)
}

// Refresh runs one aggregation cycle immediately.
func (f *Fleet) Refresh(ctx context.Context) error {
	return errors.Join(f.mon.PollSystem(ctx), f.mon.PollTenants(ctx))
}

func (f *Fleet) GetAllStats() AllStats                 { return f.mon.GetAllStats() }
func (f *Fleet) GetBotStats(tenantID string) *Snapshot { return f.mon.GetBotStats(tenantID) }
func (f *Fleet) GetDatabaseStats(ctx context.Context) (DatabaseStats, error) {
	return f.mon.GetDatabaseStats(ctx)
}
