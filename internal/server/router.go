// Package server exposes the supervisor and watchdog state over HTTP for
// operators and scrapers.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/keepalive/internal/auth"
	"github.com/loykin/keepalive/internal/metrics"
	"github.com/loykin/keepalive/internal/record"
	"github.com/loykin/keepalive/internal/supervisor"
	"github.com/loykin/keepalive/internal/watchdog"
)

const maxReasonLength = 200

// SupervisorStatus is satisfied by *supervisor.Supervisor.
type SupervisorStatus interface {
	Status() supervisor.Status
}

// WatchdogStatus is satisfied by *watchdog.Watchdog.
type WatchdogStatus interface {
	Status() watchdog.Status
}

// Router provides embeddable HTTP handlers. Endpoints:
//
//	GET  {basePath}/status             combined supervisor, watchdog and maintenance state
//	GET  {basePath}/healthz            200 while healthy, 503 otherwise
//	GET  {basePath}/maintenance        current maintenance record
//	POST {basePath}/maintenance/clear  query: reason=... (optional); needs auth
//	GET  {basePath}/metrics            Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash. The clear
// endpoint is only registered when an enabled auth middleware is set.
type Router struct {
	basePath        string
	sup             SupervisorStatus
	wd              WatchdogStatus
	resources       func() (metrics.ResourceSample, bool)
	maintenancePath string
	auth            *auth.Middleware
	now             func() time.Time
}

// Option customizes a Router.
type Option func(*Router)

func WithSupervisor(s SupervisorStatus) Option { return func(r *Router) { r.sup = s } }

func WithWatchdog(w WatchdogStatus) Option { return func(r *Router) { r.wd = w } }

// WithResources adds the latest worker resource sample to /status.
func WithResources(fn func() (metrics.ResourceSample, bool)) Option {
	return func(r *Router) { r.resources = fn }
}

// WithMaintenancePath enables the maintenance endpoints.
func WithMaintenancePath(p string) Option { return func(r *Router) { r.maintenancePath = p } }

// WithAuth guards the state-changing endpoints with m.
func WithAuth(m *auth.Middleware) Option { return func(r *Router) { r.auth = m } }

// NewRouter constructs a Router mounted under basePath.
func NewRouter(basePath string, opts ...Option) *Router {
	r := &Router{basePath: sanitizeBase(basePath), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealth)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	if r.maintenancePath != "" {
		group.GET("/maintenance", r.handleMaintenance)
		if r.auth.Enabled() {
			group.POST("/maintenance/clear", r.auth.GinAuth(), r.handleMaintenanceClear)
		}
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Serving errors other than a normal shutdown are logged.
func NewServer(addr string, r *Router, log *slog.Logger) *http.Server {
	if log == nil {
		log = slog.Default()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server failed", "addr", addr, "error", err)
		}
	}()
	log.Info("status server listening", "addr", addr)
	return server
}

// Shutdown stops srv, waiting at most timeout for in-flight requests.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type maintenanceResp struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type statusResp struct {
	Supervisor  *supervisor.Status      `json:"supervisor,omitempty"`
	Watchdog    *watchdog.Status        `json:"watchdog,omitempty"`
	Maintenance *maintenanceResp        `json:"maintenance,omitempty"`
	Resources   *metrics.ResourceSample `json:"resources,omitempty"`
}

func (r *Router) handleStatus(c *gin.Context) {
	var resp statusResp
	if r.sup != nil {
		st := r.sup.Status()
		resp.Supervisor = &st
	}
	if r.wd != nil {
		st := r.wd.Status()
		resp.Watchdog = &st
	}
	if r.maintenancePath != "" {
		m := r.readMaintenance()
		resp.Maintenance = &m
	}
	if r.resources != nil {
		if s, ok := r.resources(); ok {
			resp.Resources = &s
		}
	}
	writeJSON(c, http.StatusOK, resp)
}

type healthResp struct {
	Healthy bool     `json:"healthy"`
	Reasons []string `json:"reasons,omitempty"`
}

func (r *Router) handleHealth(c *gin.Context) {
	var reasons []string
	if r.sup != nil {
		switch st := r.sup.Status(); st.State {
		case supervisor.StateStopped, supervisor.StateTerminating:
			reasons = append(reasons, "worker is "+string(st.State))
		}
	}
	if r.wd != nil {
		st := r.wd.Status()
		if st.Polls > 0 && st.Condition.Stale() {
			reasons = append(reasons, st.Reason)
		}
	}
	if len(reasons) > 0 {
		writeJSON(c, http.StatusServiceUnavailable, healthResp{Healthy: false, Reasons: reasons})
		return
	}
	writeJSON(c, http.StatusOK, healthResp{Healthy: true})
}

func (r *Router) handleMaintenance(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.readMaintenance())
}

func (r *Router) handleMaintenanceClear(c *gin.Context) {
	reason := cleanReason(c.Query("reason"), maxReasonLength)
	if reason == "" {
		reason = "cleared by operator"
	}
	if err := record.ClearMaintenance(r.maintenancePath, reason, r.now()); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, r.readMaintenance())
}

// readMaintenance reports a missing or unreadable record as inactive, the
// same way feature modules interpret it.
func (r *Router) readMaintenance() maintenanceResp {
	m, err := record.ReadMaintenance(r.maintenancePath)
	if err != nil {
		return maintenanceResp{}
	}
	return maintenanceResp{Active: m.Active, Reason: m.Reason, Timestamp: m.Timestamp}
}
