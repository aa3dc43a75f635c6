package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	gproc "github.com/shirou/gopsutil/v4/process"
)

// ErrUnsupported is returned by a backend that cannot perform a side effect.
var ErrUnsupported = errors.New("operation not supported by worker backend")

// Capability interfaces. A worker backend implements the ones it supports;
// the Worker still answers every request with the state it believes is current.
type (
	ProfileUpdater interface {
		UpdateProfile(ctx context.Context, u UpdateProfile) error
	}
	PresenceUpdater interface {
		UpdatePresence(ctx context.Context, u UpdatePresence) error
	}
	ProfileReader interface {
		Profile(ctx context.Context) ProfileData
	}
	PresenceReader interface {
		Presence(ctx context.Context) PresenceData
	}
	MetricsReader interface {
		Metrics(ctx context.Context) MetricsData
	}
)

// Environment variables the supervisor hands to every worker.
const (
	EnvProcessName  = "BOTFLEET_PROCESS_NAME"
	EnvControlURL   = "BOTFLEET_CONTROL_URL"
	EnvControlToken = "BOTFLEET_CONTROL_TOKEN"
)

// WorkerConfig tells a worker where its hub is.
type WorkerConfig struct {
	URL        string
	Name       string
	Token      string
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

// WorkerConfigFromEnv reads the BOTFLEET_* variables.
func WorkerConfigFromEnv() (WorkerConfig, error) {
	c := WorkerConfig{
		URL:   os.Getenv(EnvControlURL),
		Name:  os.Getenv(EnvProcessName),
		Token: os.Getenv(EnvControlToken),
	}
	if c.URL == "" || c.Name == "" {
		return c, fmt.Errorf("%s and %s are required", EnvControlURL, EnvProcessName)
	}
	return c, nil
}

// Worker is the worker end of the control plane. It keeps a connection to the
// hub, reconnecting with backoff, and answers requests using its backend.
type Worker struct {
	cfg     WorkerConfig
	backend any
	log     *slog.Logger
	started time.Time

	wmu sync.Mutex
}

func NewWorker(cfg WorkerConfig, backend any) *Worker {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 5 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{cfg: cfg, backend: backend, log: log.With("process", cfg.Name), started: time.Now()}
}

// Run connects and serves until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.MinBackoff
	bo.MaxInterval = w.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	for {
		conn, err := w.dial(ctx)
		if err == nil {
			bo.Reset()
			w.log.Info("connected to control hub")
			err = w.serve(ctx, conn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn("control connection lost", "error", err)
		}
		wait := bo.NextBackOff()
		if err != nil && ctx.Err() == nil {
			w.log.Debug("control dial failed", "error", err, "retry_in", wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (w *Worker) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(w.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("name", w.cfg.Name)
	u.RawQuery = q.Encode()
	hdr := http.Header{}
	if w.cfg.Token != "" {
		hdr.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (w *Worker) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		id, req, err := DecodeRequest(frame)
		if err != nil {
			// unknown actions are ignored
			w.log.Debug("ignoring control frame", "request_id", id, "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep := w.Handle(ctx, req)
			out, err := Encode(id, rep)
			if err != nil {
				w.log.Error("encode reply", "action", rep.Action(), "error", err)
				return
			}
			w.wmu.Lock()
			err = conn.WriteMessage(websocket.TextMessage, out)
			w.wmu.Unlock()
			if err != nil {
				w.log.Debug("reply write failed", "request_id", id, "error", err)
			}
		}()
	}
}

// Handle performs one request against the backend and builds the reply.
// Side effects are best effort: failures are logged and the reply carries
// whatever state the backend reports afterwards.
func (w *Worker) Handle(ctx context.Context, req Request) Reply {
	switch r := req.(type) {
	case UpdateProfile:
		err := ErrUnsupported
		if u, ok := w.backend.(ProfileUpdater); ok {
			err = u.UpdateProfile(ctx, r)
		}
		if err != nil {
			w.log.Warn("profile update not applied", "error", err)
		}
		p := w.profile(ctx)
		p.Applied = err == nil
		return p
	case UpdatePresence:
		err := ErrUnsupported
		if u, ok := w.backend.(PresenceUpdater); ok {
			err = u.UpdatePresence(ctx, r)
		}
		if err != nil {
			w.log.Warn("presence update not applied", "error", err)
		}
		if pr, ok := w.backend.(PresenceReader); ok {
			return pr.Presence(ctx)
		}
		return PresenceData(r)
	case QueryProfile:
		return w.profile(ctx)
	case QueryMetrics:
		if m, ok := w.backend.(MetricsReader); ok {
			return m.Metrics(ctx)
		}
		return w.processMetrics(ctx)
	}
	return Rejected{Reason: fmt.Sprintf("unhandled request %T", req)}
}

func (w *Worker) profile(ctx context.Context) ProfileData {
	if pr, ok := w.backend.(ProfileReader); ok {
		return pr.Profile(ctx)
	}
	return ProfileData{}
}

// processMetrics reports this process's own usage.
func (w *Worker) processMetrics(ctx context.Context) MetricsData {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m := MetricsData{
		Memory:     MemoryUsage{HeapUsed: ms.HeapAlloc},
		Uptime:     time.Since(w.started).Seconds(),
		Goroutines: runtime.NumGoroutine(),
	}
	p, err := gproc.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return m
	}
	if mi, err := p.MemoryInfoWithContext(ctx); err == nil {
		m.Memory.RSS = mi.RSS
	}
	if t, err := p.TimesWithContext(ctx); err == nil {
		m.CPU = CPUUsage{User: int64(t.User * 1e6), System: int64(t.System * 1e6)}
	}
	return m
}
