// Package monitor aggregates supervisor state, liveness probes and persisted
// tenant fields into per-tenant snapshots, and samples host resources.
// It is the read path for dashboards.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/botfleet/internal/metrics"
	"github.com/loykin/botfleet/internal/probe"
	"github.com/loykin/botfleet/internal/store"
	"github.com/loykin/botfleet/internal/supervisor"
	"github.com/loykin/botfleet/internal/tenant"
)

// Status is a tenant's aggregated state.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusErrored Status = "errored"
)

// ProcessStats is the supervisor's view. Only Status is set unless the
// worker is online.
type ProcessStats struct {
	Status      Status  `json:"status"`
	ProcessID   string  `json:"processId,omitempty"`
	PID         int     `json:"pid,omitempty"`
	UptimeMS    int64   `json:"uptimeMs,omitempty"`
	Restarts    int     `json:"restarts"`
	MemoryBytes uint64  `json:"memoryBytes,omitempty"`
	CPUPercent  float64 `json:"cpuPercent,omitempty"`
}

// Snapshot is the consolidated state of one tenant.
type Snapshot struct {
	TenantID      string              `json:"tenantId"`
	ApplicationID string              `json:"applicationId,omitempty"`
	BotName       string              `json:"botName,omitempty"`
	DesiredState  tenant.DesiredState `json:"desiredState"`
	Process       ProcessStats        `json:"process"`
	Probe         *probe.Result       `json:"probe,omitempty"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// BotsSummary totals the tenant snapshots.
type BotsSummary struct {
	Total       int        `json:"total"`
	Active      int        `json:"active"`
	Inactive    int        `json:"inactive"`
	TotalGuilds int        `json:"totalGuilds"`
	TotalUsers  int        `json:"totalUsers"`
	List        []Snapshot `json:"list"`
}

type AllStats struct {
	System SystemStats `json:"system"`
	Bots   BotsSummary `json:"bots"`
}

type DatabaseStats struct {
	TotalTenants   int `json:"totalTenants"`
	DesiredRunning int `json:"desiredRunning"`
	DesiredStopped int `json:"desiredStopped"`
	ActiveBots     int `json:"activeBots"`
}

// Records is the persisted side. store.Store implements it.
type Records interface {
	List(ctx context.Context) ([]tenant.Record, error)
	Counts(ctx context.Context) (store.Counts, error)
}

// Processes is the supervisor side. *supervisor.Supervisor implements it.
type Processes interface {
	ListAll(ctx context.Context) ([]supervisor.ProcessHandle, error)
}

// Prober checks a plaintext credential upstream. *probe.Prober implements it.
type Prober interface {
	Probe(ctx context.Context, credential string) (*probe.Result, error)
}

// Opener decrypts stored credentials. *vault.Vault implements it.
type Opener interface {
	Decrypt(stored string) (string, error)
}

// Publisher mirrors snapshots elsewhere. *snapshotcache.Cache implements it.
type Publisher interface {
	Publish(ctx context.Context, tenantID string, v any) error
	Delete(ctx context.Context, tenantID string) error
}

type Options struct {
	Records   Records
	Processes Processes
	// Prober and Credentials are optional; without them snapshots carry no probe.
	Prober      Prober
	Credentials Opener
	Publisher   Publisher
	Sampler     SystemSampler

	SystemInterval   time.Duration
	TenantInterval   time.Duration
	ProbeConcurrency int
	Logger           *slog.Logger
}

const (
	DefaultSystemInterval   = 5 * time.Second
	DefaultTenantInterval   = 10 * time.Second
	defaultProbeConcurrency = 8
)

// Monitor holds the latest snapshots. Reads never block on polling.
type Monitor struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	mu     sync.RWMutex
	snaps  map[string]Snapshot
	system SystemStats
}

func New(opts Options) (*Monitor, error) {
	if opts.Records == nil || opts.Processes == nil {
		return nil, errors.New("monitor requires records and processes")
	}
	if opts.Prober != nil && opts.Credentials == nil {
		return nil, errors.New("monitor prober requires credentials")
	}
	if opts.Sampler == nil {
		opts.Sampler = HostSampler
	}
	if opts.SystemInterval <= 0 {
		opts.SystemInterval = DefaultSystemInterval
	}
	if opts.TenantInterval <= 0 {
		opts.TenantInterval = DefaultTenantInterval
	}
	if opts.ProbeConcurrency <= 0 {
		opts.ProbeConcurrency = defaultProbeConcurrency
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{opts: opts, log: log, now: time.Now, snaps: make(map[string]Snapshot)}, nil
}

// Run polls both loops until ctx is done. Each loop runs once immediately.
func (m *Monitor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.loop(ctx, m.opts.SystemInterval, m.PollSystem)
	}()
	go func() {
		defer wg.Done()
		m.loop(ctx, m.opts.TenantInterval, m.PollTenants)
	}()
	wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, every time.Duration, poll func(context.Context) error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if err := poll(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("monitor poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// PollTenants recomputes every tenant snapshot once.
func (m *Monitor) PollTenants(ctx context.Context) error {
	recs, err := m.opts.Records.List(ctx)
	if err != nil {
		return err
	}
	handles, err := m.opts.Processes.ListAll(ctx)
	if err != nil {
		return err
	}

	m.mu.RLock()
	prev := make(map[string]Snapshot, len(m.snaps))
	for k, v := range m.snaps {
		prev[k] = v
	}
	m.mu.RUnlock()

	now := m.now().UTC()
	next := make(map[string]Snapshot, len(recs))
	probes := make(map[string]*probe.Result, len(recs))
	var pmu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.ProbeConcurrency)
	for _, rec := range recs {
		h := findHandle(rec.TenantID, handles)
		old, hadOld := prev[rec.TenantID]
		if h == nil && !hadOld {
			continue
		}
		s := Snapshot{
			TenantID:      rec.TenantID,
			ApplicationID: rec.ApplicationID,
			BotName:       rec.BotName,
			DesiredState:  rec.DesiredState,
			Process:       ProcessStats{Status: StatusOffline},
			Probe:         old.Probe,
			UpdatedAt:     now,
		}
		if h != nil {
			s.Process = processStats(*h)
		}
		next[rec.TenantID] = s

		if s.Process.Status != StatusOnline || m.opts.Prober == nil {
			continue
		}
		g.Go(func() error {
			res := m.probe(gctx, rec)
			if res != nil {
				pmu.Lock()
				probes[rec.TenantID] = res
				pmu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	for id, res := range probes {
		s := next[id]
		s.Probe = res
		next[id] = s
	}

	m.mu.Lock()
	m.snaps = next
	m.mu.Unlock()

	m.publish(ctx, prev, next)
	m.recordMetrics(recs, next)
	return nil
}

// probe never fails the cycle; errors are logged and nil returned.
func (m *Monitor) probe(ctx context.Context, rec tenant.Record) *probe.Result {
	token, err := m.opts.Credentials.Decrypt(rec.EncryptedCredential)
	if err != nil {
		m.log.Warn("probe skipped, credential unreadable", "tenant", rec.TenantID, "error", err)
		return nil
	}
	res, err := m.opts.Prober.Probe(ctx, token)
	if err != nil {
		m.log.Warn("liveness probe failed", "tenant", rec.TenantID, "error", err)
		return nil
	}
	return res
}

func (m *Monitor) publish(ctx context.Context, prev, next map[string]Snapshot) {
	p := m.opts.Publisher
	if p == nil {
		return
	}
	for id, s := range next {
		if err := p.Publish(ctx, id, s); err != nil {
			m.log.Warn("snapshot publish failed", "tenant", id, "error", err)
		}
	}
	for id := range prev {
		if _, ok := next[id]; ok {
			continue
		}
		if err := p.Delete(ctx, id); err != nil {
			m.log.Warn("snapshot delete failed", "tenant", id, "error", err)
		}
	}
}

func (m *Monitor) recordMetrics(recs []tenant.Record, snaps map[string]Snapshot) {
	counts := map[string]int{
		string(StatusOnline):  0,
		string(StatusOffline): 0,
		string(StatusErrored): 0,
	}
	for _, s := range snaps {
		counts[string(s.Process.Status)]++
	}
	metrics.SetTenantStatus(counts)
	running, stopped := 0, 0
	for _, r := range recs {
		if r.DesiredState == tenant.DesiredRunning {
			running++
		} else {
			stopped++
		}
	}
	metrics.SetTenantDesired(running, stopped)
}

// findHandle returns the tenant's worker. Names are compared exactly: "bot-a-1"
// belongs to tenant "a-1", never to "a".
func findHandle(tenantID string, hs []supervisor.ProcessHandle) *supervisor.ProcessHandle {
	name := tenant.ProcessName(tenantID)
	for i := range hs {
		if hs[i].Name == name {
			return &hs[i]
		}
	}
	return nil
}

func processStats(h supervisor.ProcessHandle) ProcessStats {
	switch h.Status {
	case supervisor.StatusOnline:
		return ProcessStats{
			Status:      StatusOnline,
			ProcessID:   h.ProcessID,
			PID:         h.PID,
			UptimeMS:    h.UptimeMS,
			Restarts:    h.Restarts,
			MemoryBytes: h.MemoryBytes,
			CPUPercent:  h.CPUPercent,
		}
	case supervisor.StatusErrored:
		return ProcessStats{Status: StatusErrored, ProcessID: h.ProcessID, Restarts: h.Restarts}
	default:
		return ProcessStats{Status: StatusOffline, ProcessID: h.ProcessID, Restarts: h.Restarts}
	}
}

// GetBotStats returns the snapshot for tenantID, or nil.
func (m *Monitor) GetBotStats(tenantID string) *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[tenantID]
	if !ok {
		return nil
	}
	return &s
}

// Snapshots returns every snapshot sorted by tenant id.
func (m *Monitor) Snapshots() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out
}

func (m *Monitor) GetAllStats() AllStats {
	list := m.Snapshots()
	b := BotsSummary{Total: len(list), List: list}
	for _, s := range list {
		if s.Process.Status == StatusOnline {
			b.Active++
		}
		if s.Probe != nil {
			b.TotalGuilds += s.Probe.GuildCount
			b.TotalUsers += s.Probe.EstimatedUserCount
		}
	}
	b.Inactive = b.Total - b.Active
	return AllStats{System: m.System(), Bots: b}
}

func (m *Monitor) GetDatabaseStats(ctx context.Context) (DatabaseStats, error) {
	c, err := m.opts.Records.Counts(ctx)
	if err != nil {
		return DatabaseStats{}, err
	}
	active := 0
	for _, s := range m.Snapshots() {
		if s.Process.Status == StatusOnline {
			active++
		}
	}
	return DatabaseStats{
		TotalTenants:   c.Total,
		DesiredRunning: c.DesiredRunning,
		DesiredStopped: c.DesiredStopped,
		ActiveBots:     active,
	}, nil
}

// Forget drops a tenant's snapshot right away, e.g. after removal.
func (m *Monitor) Forget(ctx context.Context, tenantID string) {
	m.mu.Lock()
	_, ok := m.snaps[tenantID]
	delete(m.snaps, tenantID)
	m.mu.Unlock()
	if ok && m.opts.Publisher != nil {
		if err := m.opts.Publisher.Delete(ctx, tenantID); err != nil {
			m.log.Warn("snapshot delete failed", "tenant", tenantID, "error", err)
		}
	}
}
