package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freshRegistry registers the collectors with a new registry regardless of
// what earlier tests did.
func freshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	orig := regOK.Load()
	regOK.Store(false)
	t.Cleanup(func() { regOK.Store(orig) })
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	return reg
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := freshRegistry(t)
	require.NoError(t, Register(reg))

	IncStart("bot-a")
	IncStart("bot-a")
	IncRestart("bot-a", RestartMemory)
	IncStop("bot-a")
	ObserveStartDuration("bot-a", 1250*time.Millisecond)
	ObserveControl("queryProfile", "replied", 20*time.Millisecond, true)
	ObserveControl("queryMetrics", "pending", time.Second, false)
	IncProbe("ok")
	SetSystem(12.5, 1<<30, 4<<30, time.Hour)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	want := map[string]bool{
		"botfleet_process_starts_total":           false,
		"botfleet_process_restarts_total":         false,
		"botfleet_process_stops_total":            false,
		"botfleet_process_start_duration_seconds": false,
		"botfleet_control_requests_total":         false,
		"botfleet_control_reply_seconds":          false,
		"botfleet_probe_requests_total":           false,
		"botfleet_system_cpu_percent":             false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
			assert.NotEmpty(t, mf.GetMetric(), mf.GetName())
		}
	}
	for n, ok := range want {
		assert.True(t, ok, "missing metric %s", n)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(processRestarts.WithLabelValues("bot-a", RestartMemory)))
}

func TestHandlerServesMetrics(t *testing.T) {
	orig := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(orig)
	require.NoError(t, Register(prometheus.DefaultRegisterer))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncStart("x")

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(b), "botfleet_process_starts_total")
}

func TestConcurrentIncrements(t *testing.T) {
	reg := freshRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncStart("c")
			IncRestart("c", RestartCrash)
			IncStop("c")
			SetControlListeners(i)
		}()
	}
	wg.Wait()
	_, err := reg.Gather()
	assert.NoError(t, err)
}

func TestTenantGaugesReset(t *testing.T) {
	freshRegistry(t)
	SetTenantStatus(map[string]int{"online": 2, "offline": 1})
	assert.Equal(t, 2.0, testutil.ToFloat64(tenantStatus.WithLabelValues("online")))

	SetTenantStatus(map[string]int{"errored": 1})
	assert.Equal(t, 1, testutil.CollectAndCount(tenantStatus))

	SetTenantDesired(3, 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(tenantDesired.WithLabelValues("stopped")))
}

func TestStateGaugesAndForget(t *testing.T) {
	freshRegistry(t)
	SetCurrentState("bot-z", "running", true)
	SetCurrentState("bot-z", "stopped", false)
	RecordStateTransition("bot-z", "starting", "running")
	assert.Equal(t, 1.0, testutil.ToFloat64(currentStates.WithLabelValues("bot-z", "running")))

	ForgetProcess("bot-z")
	assert.Equal(t, 0, testutil.CollectAndCount(currentStates))
}

func TestMetricsBeforeRegister(t *testing.T) {
	orig := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(orig)

	IncStart("test")
	IncRestart("test", RestartCrash)
	IncStop("test")
	ObserveStartDuration("test", time.Second)
	RecordStateTransition("test", "start", "run")
	SetCurrentState("test", "running", true)
	ObserveControl("updatePresence", "pending", time.Second, false)
	SetControlConnections(1)
	SetTenantStatus(map[string]int{"online": 1})
	SetSystem(1, 1, 1, time.Second)
}

func TestRegisterError(t *testing.T) {
	orig := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(orig)

	err := Register(&errorRegisterer{})
	require.Error(t, err)
	assert.Equal(t, "test registration error", err.Error())
	assert.False(t, regOK.Load())
}

type errorRegisterer struct{}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
