// Package server exposes the operator HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botfleet/internal/controlplane"
	"github.com/loykin/botfleet/internal/monitor"
	"github.com/loykin/botfleet/internal/supervisor"
	"github.com/loykin/botfleet/internal/tenant"
)

// Supervisor is the lifecycle surface. *supervisor.Supervisor implements it.
type Supervisor interface {
	Register(ctx context.Context, in supervisor.TenantSetup) (tenant.Record, error)
	Remove(ctx context.Context, tenantID string) error
	Start(ctx context.Context, tenantID string) (supervisor.ProcessHandle, error)
	Stop(ctx context.Context, tenantID string) error
	Restart(ctx context.Context, tenantID string) (supervisor.ProcessHandle, error)
	Describe(ctx context.Context, tenantID string) (*supervisor.ProcessHandle, error)
	ListAll(ctx context.Context) ([]supervisor.ProcessHandle, error)
	RotateCredential(ctx context.Context, tenantID string) (bool, error)
	SendControlMessage(ctx context.Context, tenantID string, req controlplane.Request) (controlplane.Result, error)
}

// Records reads tenant records. store.Store implements it.
type Records interface {
	Get(ctx context.Context, tenantID string) (tenant.Record, error)
	List(ctx context.Context) ([]tenant.Record, error)
}

// Stats is the read side of the status aggregator. *monitor.Monitor implements it.
type Stats interface {
	GetAllStats() monitor.AllStats
	GetBotStats(tenantID string) *monitor.Snapshot
	GetDatabaseStats(ctx context.Context) (monitor.DatabaseStats, error)
	Forget(ctx context.Context, tenantID string)
}

// Options wires a Router. IPC and Metrics are mounted when set.
type Options struct {
	Supervisor Supervisor
	Records    Records
	Stats      Stats
	// IPC serves worker WebSocket connections at {BasePath}/ipc. It does its
	// own authentication.
	IPC     http.Handler
	Metrics http.Handler
	// BasePath prefixes every route except /metrics, e.g. "/api".
	BasePath     string
	APITokenHash string
	Logger       *slog.Logger
}

// Router serves:
//
//	GET    {base}/tenants
//	GET    {base}/tenants/:id
//	PUT    {base}/tenants/:id            body: supervisor.TenantSetup
//	DELETE {base}/tenants/:id
//	POST   {base}/tenants/:id/start|stop|restart|rotate
//	POST   {base}/tenants/:id/control    body: {"action": ..., ...payload}
//	GET    {base}/stats
//	GET    {base}/stats/tenants/:id
//	GET    {base}/stats/database
//	GET    {base}/ipc                    worker WebSocket
//	GET    /metrics
type Router struct {
	opts     Options
	basePath string
	log      *slog.Logger
}

func NewRouter(opts Options) (*Router, error) {
	if opts.Supervisor == nil || opts.Records == nil || opts.Stats == nil {
		return nil, errors.New("router requires supervisor, records and stats")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{opts: opts, basePath: sanitizeBase(opts.BasePath), log: log}, nil
}

// Handler returns the gin engine as an http.Handler.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.accessLog())
	if r.opts.Metrics != nil {
		g.GET("/metrics", gin.WrapH(r.opts.Metrics))
	}
	base := g.Group(r.basePath)
	if r.opts.IPC != nil {
		base.GET("/ipc", gin.WrapH(r.opts.IPC))
	}

	api := base.Group("", bearerAuth(r.opts.APITokenHash))
	api.GET("/tenants", r.handleList)
	t := api.Group("/tenants/:id", validID)
	t.GET("", r.handleGet)
	t.PUT("", r.handlePut)
	t.DELETE("", r.handleDelete)
	t.POST("/start", r.handleStart)
	t.POST("/stop", r.handleStop)
	t.POST("/restart", r.handleRestart)
	t.POST("/rotate", r.handleRotate)
	t.POST("/control", r.handleControl)

	api.GET("/stats", r.handleStats)
	api.GET("/stats/database", r.handleDatabaseStats)
	api.GET("/stats/tenants/:id", validID, r.handleTenantStats)
	return g
}

// NewServer builds an http.Server around handler with the daemon's timeouts.
// WriteTimeout stays unset: hijacked /ipc connections manage their own deadlines.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve listens on srv.Addr and serves until ctx is done, then shuts down
// gracefully. Listen errors are returned immediately.
func Serve(ctx context.Context, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (r *Router) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func validID(c *gin.Context) {
	if err := tenant.ValidateID(c.Param("id")); err != nil {
		writeError(c, err)
		c.Abort()
		return
	}
	c.Next()
}

// tenantView is a record plus its worker, if any.
type tenantView struct {
	tenant.Record
	Process *supervisor.ProcessHandle `json:"process,omitempty"`
}

// --- Handlers ---

func (r *Router) handleList(c *gin.Context) {
	ctx := c.Request.Context()
	recs, err := r.opts.Records.List(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	// Records are listed even when the process manager is down.
	handles, err := r.opts.Supervisor.ListAll(ctx)
	if err != nil {
		r.log.Warn("list workers failed", "error", err)
	}
	byName := make(map[string]supervisor.ProcessHandle, len(handles))
	for _, h := range handles {
		byName[h.Name] = h
	}
	out := make([]tenantView, 0, len(recs))
	for _, rec := range recs {
		v := tenantView{Record: rec}
		if h, ok := byName[rec.ProcessName()]; ok {
			v.Process = &h
		}
		out = append(out, v)
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleGet(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	rec, err := r.opts.Records.Get(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	h, err := r.opts.Supervisor.Describe(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tenantView{Record: rec, Process: h})
}

func (r *Router) handlePut(c *gin.Context) {
	var in supervisor.TenantSetup
	if err := c.ShouldBindJSON(&in); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	id := c.Param("id")
	if in.TenantID != "" && in.TenantID != id {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "tenantId does not match path"})
		return
	}
	in.TenantID = id
	rec, err := r.opts.Supervisor.Register(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tenantView{Record: rec})
}

func (r *Router) handleDelete(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := r.opts.Supervisor.Remove(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	r.opts.Stats.Forget(ctx, id)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStart(c *gin.Context) {
	h, err := r.opts.Supervisor.Start(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, h)
}

func (r *Router) handleStop(c *gin.Context) {
	if err := r.opts.Supervisor.Stop(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	h, err := r.opts.Supervisor.Restart(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, h)
}

type rotateResp struct {
	Rotated bool `json:"rotated"`
}

func (r *Router) handleRotate(c *gin.Context) {
	changed, err := r.opts.Supervisor.RotateCredential(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rotateResp{Rotated: changed})
}

type controlBody struct {
	Action controlplane.Action `json:"action"`
}

// handleControl takes the request in its flat wire shape, e.g.
// {"action":"updateProfile","botName":"Foo"}. A pending outcome is 202;
// a request that could not be queued is an error, never pending.
func (r *Router) handleControl(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	var body controlBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	req, err := controlplane.ParseRequest(body.Action, raw)
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := r.opts.Supervisor.SendControlMessage(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusOK
	if res.Outcome == controlplane.OutcomePending {
		code = http.StatusAccepted
	}
	writeJSON(c, code, res)
}

func (r *Router) handleStats(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.opts.Stats.GetAllStats())
}

func (r *Router) handleTenantStats(c *gin.Context) {
	s := r.opts.Stats.GetBotStats(c.Param("id"))
	if s == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no stats for tenant"})
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleDatabaseStats(c *gin.Context) {
	s, err := r.opts.Stats.GetDatabaseStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, s)
}
