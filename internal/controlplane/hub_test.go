package controlplane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, timeouts map[Action]time.Duration) (*Hub, string) {
	t.Helper()
	h, err := NewHub(HubOptions{Secret: "hub-secret", Timeouts: timeouts})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		_ = h.Close()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startWorker(t *testing.T, h *Hub, url, name string, backend any) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWorker(WorkerConfig{URL: url, Name: name, Token: h.Token(name), MinBackoff: 20 * time.Millisecond}, backend)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	require.Eventually(t, func() bool { return h.Connected(name) }, 3*time.Second, 10*time.Millisecond)
	return stop
}

func TestTokens(t *testing.T) {
	a, err := NewHub(HubOptions{Secret: "s"})
	require.NoError(t, err)
	b, err := NewHub(HubOptions{Secret: "s"})
	require.NoError(t, err)
	c, err := NewHub(HubOptions{})
	require.NoError(t, err)

	assert.Equal(t, a.Token("bot-1"), b.Token("bot-1"))
	assert.NotEqual(t, a.Token("bot-1"), a.Token("bot-2"))
	assert.NotEqual(t, a.Token("bot-1"), c.Token("bot-1"))
	assert.Len(t, a.Token("bot-1"), 64)
	assert.True(t, a.validToken("bot-1", b.Token("bot-1")))
	assert.False(t, a.validToken("bot-2", b.Token("bot-1")))
}

func TestServeHTTPRejectsBadToken(t *testing.T) {
	_, url := newTestHub(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(url+"?name=bot-1", http.Header{"Authorization": {"Bearer nope"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendRoundTrip(t *testing.T) {
	h, url := newTestHub(t, nil)
	startWorker(t, h, url, "bot-T1", NewMemoryBackend("Old"))
	ctx := context.Background()

	res, err := h.Send(ctx, "bot-T1", UpdateProfile{BotName: "Foo"})
	require.NoError(t, err)
	require.Equal(t, OutcomeReplied, res.Outcome)
	p, ok := res.Reply.(ProfileData)
	require.True(t, ok)
	assert.Equal(t, "Foo", p.BotName)
	assert.True(t, p.Applied)
	assert.NotEmpty(t, res.RequestID)

	res, err = h.Send(ctx, "bot-T1", UpdatePresence{Status: "idle", Activity: "jazz", ActivityType: "LISTENING"})
	require.NoError(t, err)
	require.Equal(t, OutcomeReplied, res.Outcome)
	assert.Equal(t, PresenceData{Status: "idle", Activity: "jazz", ActivityType: "LISTENING"}, res.Reply)

	res, err = h.Send(ctx, "bot-T1", QueryProfile{})
	require.NoError(t, err)
	prof := res.Reply.(ProfileData)
	assert.Equal(t, "Foo", prof.BotName)
	assert.Equal(t, []Activity{{Name: "jazz", Type: "LISTENING"}}, prof.Activities)

	res, err = h.Send(ctx, "bot-T1", QueryMetrics{})
	require.NoError(t, err)
	m, ok := res.Reply.(MetricsData)
	require.True(t, ok)
	assert.Greater(t, m.Memory.HeapUsed, uint64(0))

	assert.Equal(t, 0, h.Listeners())
}

func TestConcurrentRequestsCorrelateIndividually(t *testing.T) {
	h, url := newTestHub(t, nil)
	startWorker(t, h, url, "bot-T1", NewMemoryBackend("x"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.Send(context.Background(), "bot-T1", QueryMetrics{})
			assert.NoError(t, err)
			assert.Equal(t, OutcomeReplied, res.Outcome)
			assert.IsType(t, MetricsData{}, res.Reply)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, h.Listeners())
}

func TestTimeoutIsPending(t *testing.T) {
	h, _ := newTestHub(t, map[Action]time.Duration{ActionQueryProfile: 50 * time.Millisecond})
	base := h.Listeners()

	start := time.Now()
	res, err := h.Send(context.Background(), "bot-nobody", QueryProfile{})
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.Nil(t, res.Reply)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, base, h.Listeners())
}

func TestContextCancelIsPending(t *testing.T) {
	h, _ := newTestHub(t, map[Action]time.Duration{ActionQueryProfile: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res, err := h.Send(ctx, "bot-nobody", QueryProfile{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.Equal(t, 0, h.Listeners())
}

func TestMailboxSurvivesReconnect(t *testing.T) {
	h, url := newTestHub(t, map[Action]time.Duration{ActionUpdateProfile: 3 * time.Second})
	stop := startWorker(t, h, url, "bot-T1", NewMemoryBackend("Old"))
	stop()
	require.Eventually(t, func() bool { return !h.Connected("bot-T1") }, 2*time.Second, 10*time.Millisecond)

	type out struct {
		res Result
		err error
	}
	ch := make(chan out, 1)
	go func() {
		res, err := h.Send(context.Background(), "bot-T1", UpdateProfile{BotName: "Foo"})
		ch <- out{res, err}
	}()
	require.Eventually(t, func() bool { return h.Pending("bot-T1") == 1 }, time.Second, 5*time.Millisecond)

	startWorker(t, h, url, "bot-T1", NewMemoryBackend("Old"))
	got := <-ch
	require.NoError(t, got.err)
	require.Equal(t, OutcomeReplied, got.res.Outcome)
	assert.Equal(t, "Foo", got.res.Reply.(ProfileData).BotName)
}

func TestExpiredQueriesAreNotDelivered(t *testing.T) {
	h, url := newTestHub(t, map[Action]time.Duration{ActionQueryProfile: 20 * time.Millisecond})
	res, err := h.Send(context.Background(), "bot-T1", QueryProfile{})
	require.NoError(t, err)
	require.Equal(t, OutcomePending, res.Outcome)
	require.Equal(t, 1, h.Pending("bot-T1"))

	startWorker(t, h, url, "bot-T1", NewMemoryBackend("x"))
	require.Eventually(t, func() bool { return h.Pending("bot-T1") == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.Listeners())
}

func TestMailboxFull(t *testing.T) {
	h, err := NewHub(HubOptions{MailboxSize: 1, Timeouts: map[Action]time.Duration{ActionUpdatePresence: 30 * time.Millisecond}})
	require.NoError(t, err)
	_, err = h.Send(context.Background(), "bot-T1", UpdatePresence{Status: "idle"})
	require.NoError(t, err)
	_, err = h.Send(context.Background(), "bot-T1", UpdatePresence{Status: "dnd"})
	require.ErrorIs(t, err, ErrMailboxFull)
	assert.Equal(t, 0, h.Listeners())
}

func TestStaleAndMismatchedRepliesDropped(t *testing.T) {
	h, err := NewHub(HubOptions{})
	require.NoError(t, err)
	assert.False(t, h.deliver("bot-T1", "unknown", ProfileData{}))

	l := &listener{name: "bot-T1", action: ActionQueryMetrics, ch: make(chan Reply, 1)}
	h.addListener("id1", l)
	assert.False(t, h.deliver("bot-T1", "id1", ProfileData{}), "wrong reply kind")
	assert.False(t, h.deliver("bot-T2", "id1", MetricsData{}), "wrong process")
	assert.True(t, h.deliver("bot-T1", "id1", MetricsData{Uptime: 1}))
	assert.False(t, h.deliver("bot-T1", "id1", MetricsData{Uptime: 2}), "duplicate")
	assert.Equal(t, MetricsData{Uptime: 1}, <-l.ch)
	assert.Equal(t, 0, h.Listeners())
}

func TestRejectedOutcome(t *testing.T) {
	h, url := newTestHub(t, nil)
	conn, _, err := websocket.DefaultDialer.Dial(url+"?name=bot-R", http.Header{"Authorization": {"Bearer " + h.Token("bot-R")}})
	require.NoError(t, err)
	defer conn.Close()
	go func() {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			id, _, err := DecodeRequest(frame)
			if err != nil {
				continue
			}
			out, _ := Encode(id, Rejected{Reason: "maintenance"})
			_ = conn.WriteMessage(websocket.TextMessage, out)
		}
	}()

	res, err := h.Send(context.Background(), "bot-R", QueryMetrics{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.Equal(t, Rejected{Reason: "maintenance"}, res.Reply)
}

func TestNewConnectionReplacesOld(t *testing.T) {
	h, url := newTestHub(t, nil)
	hdr := http.Header{"Authorization": {"Bearer " + h.Token("bot-X")}}
	first, _, err := websocket.DefaultDialer.Dial(url+"?name=bot-X", hdr)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return h.Connected("bot-X") }, time.Second, 5*time.Millisecond)

	second, _, err := websocket.DefaultDialer.Dial(url+"?name=bot-X", hdr)
	require.NoError(t, err)
	defer second.Close()

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = first.ReadMessage()
	require.Error(t, err)
	assert.True(t, h.Connected("bot-X"))
	assert.Equal(t, 1, h.Connections())

	h.Forget("bot-X")
	assert.False(t, h.Connected("bot-X"))
}

func TestClosedHubRejectsSend(t *testing.T) {
	h, err := NewHub(HubOptions{})
	require.NoError(t, err)
	require.NoError(t, h.Close())
	_, err = h.Send(context.Background(), "bot-T1", QueryProfile{})
	require.ErrorIs(t, err, ErrHubClosed)
}
