package botfleet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botfleet/internal/config"
	"github.com/loykin/botfleet/internal/controlplane"
	"github.com/loykin/botfleet/internal/monitor"
	"github.com/loykin/botfleet/pkg/client"
)

const helperEnv = "BOTFLEET_WORKER_HELPER"

// TestMain doubles as the tenant worker when re-executed by the supervisor.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelperWorker())
	}
	os.Exit(m.Run())
}

func runHelperWorker() int {
	cfg, err := controlplane.WorkerConfigFromEnv()
	if err != nil {
		return 2
	}
	w := controlplane.NewWorker(cfg, controlplane.NewMemoryBackend(os.Getenv("BOT_NAME")))
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return 1
	}
	return 0
}

func fakeSampler(context.Context) (monitor.SystemStats, error) {
	return monitor.SystemStats{CPUPercent: 1, TotalMemoryBytes: 1 << 30}, nil
}

type fixture struct {
	fleet *Fleet
	srv   *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("workers are supervised with unix process groups")
	}
	cfg, err := config.Load("")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg.Store.DSN = "memory://"
	cfg.Probe.Enabled = false
	cfg.Server.PublicURL = "ws://" + ln.Addr().String() + "/api/ipc"
	cfg.Worker.Command = os.Args[0]
	cfg.Worker.RunDir = t.TempDir()
	cfg.Worker.StartDuration = 100 * time.Millisecond
	cfg.Worker.StopWait = 2 * time.Second
	cfg.Worker.AutoRestart = false
	cfg.Control.UpdateProfileTimeout = 10 * time.Second
	cfg.Control.UpdatePresenceTimeout = 10 * time.Second
	cfg.Control.QueryProfileTimeout = 10 * time.Second
	cfg.Control.QueryMetricsTimeout = 10 * time.Second
	cfg.GlobalEnv = []string{helperEnv + "=1"}

	f, err := New(context.Background(), cfg, Options{Sampler: fakeSampler, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)

	srv := httptest.NewUnstartedServer(f.Handler())
	_ = srv.Listener.Close()
	srv.Listener = ln
	srv.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, f.Shutdown(ctx))
		srv.Close()
	})
	return &fixture{fleet: f, srv: srv}
}

func TestFleetControlRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	f := newFixture(t).fleet
	ctx := context.Background()

	require.NoError(t, f.Register(ctx, TenantSetup{TenantID: "T1", BotName: "Tunes", Token: "bot-token"}))
	h, err := f.Start(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "bot-T1", h.Name)

	_, err = f.Start(ctx, "T1")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	res, err := f.SendControlMessage(ctx, "T1", controlplane.UpdateProfile{BotName: "Foo"})
	require.NoError(t, err)
	require.Equal(t, controlplane.OutcomeReplied, res.Outcome)
	prof, ok := res.Reply.(controlplane.ProfileData)
	require.True(t, ok, "reply %T", res.Reply)
	assert.Equal(t, "Foo", prof.BotName)

	res, err = f.SendControlMessage(ctx, "T1", controlplane.QueryMetrics{})
	require.NoError(t, err)
	m, ok := res.Reply.(controlplane.MetricsData)
	require.True(t, ok, "reply %T", res.Reply)
	assert.Greater(t, m.Uptime, 0.0)

	require.NoError(t, f.Refresh(ctx))
	snap := f.GetBotStats("T1")
	require.NotNil(t, snap)
	assert.Equal(t, monitor.StatusOnline, snap.Process.Status)

	require.NoError(t, f.Stop(ctx, "T1"))
	_, err = f.SendControlMessage(ctx, "T1", controlplane.QueryProfile{})
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, f.Refresh(ctx))
	snap = f.GetBotStats("T1")
	require.NotNil(t, snap)
	assert.Equal(t, monitor.StatusOffline, snap.Process.Status)

	db, err := f.GetDatabaseStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, db.TotalTenants)
	assert.Equal(t, 0, db.ActiveBots)
}

func TestFleetRestartKeepsControl(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	f := newFixture(t).fleet
	ctx := context.Background()

	require.NoError(t, f.Register(ctx, TenantSetup{TenantID: "T3", BotName: "Jukebox", Token: "bot-token"}))
	first, err := f.Start(ctx, "T3")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h, err := f.Restart(ctx, "T3")
		require.NoError(t, err, "restart %d", i)
		assert.Equal(t, first.Name, h.Name, "worker keeps its process name")

		name := fmt.Sprintf("Foo%d", i)
		res, err := f.SendControlMessage(ctx, "T3", controlplane.UpdateProfile{BotName: name})
		require.NoError(t, err, "restart %d", i)
		require.Equal(t, controlplane.OutcomeReplied, res.Outcome, "restart %d", i)
		prof, ok := res.Reply.(controlplane.ProfileData)
		require.True(t, ok, "reply %T", res.Reply)
		assert.Equal(t, name, prof.BotName)
	}
}

func TestFleetHTTPAPI(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}
	fx := newFixture(t)
	ctx := context.Background()
	c := client.New(client.Config{BaseURL: fx.srv.URL + "/api", Timeout: 15 * time.Second})

	require.True(t, c.IsReachable(ctx))
	_, err := c.PutTenant(ctx, "T2", client.TenantSetup{BotName: "Radio", Token: "bot-token"})
	require.NoError(t, err)
	_, err = c.Start(ctx, "T2")
	require.NoError(t, err)

	res, err := c.Control(ctx, "T2", "updatePresence", map[string]any{"status": "idle", "activity": "music"})
	require.NoError(t, err)
	assert.Equal(t, "replied", res.Outcome)
	assert.Equal(t, "presenceData", res.ReplyAction())

	_, err = c.Control(ctx, "T2", "selfDestruct", nil)
	assert.True(t, client.IsStatus(err, http.StatusBadRequest))

	require.NoError(t, c.DeleteTenant(ctx, "T2"))
	_, err = c.GetTenant(ctx, "T2")
	assert.True(t, client.IsStatus(err, http.StatusNotFound))
}

func TestNewRejectsBadStore(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.DSN = "mongodb://nope"
	_, err = New(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open store")
}
