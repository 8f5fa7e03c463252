// Package server exposes the control API over HTTP. Handlers are thin: all
// lifecycle and provisioning logic lives in supervise and provision.
package server

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/regstack/regstack/internal/catalog"
	"github.com/regstack/regstack/internal/config"
	"github.com/regstack/regstack/internal/events"
	"github.com/regstack/regstack/internal/metrics"
	"github.com/regstack/regstack/internal/provision"
	"github.com/regstack/regstack/internal/supervise"
)

// Router wires the control API endpoints:
//
//	GET    /binaries              install state of every managed binary
//	POST   /binaries/download     begin downloading missing binaries (async)
//	GET    /binaries/progress     per-binary download progress
//	POST   /services/start        start the whole stack
//	POST   /services/stop         stop the whole stack
//	POST   /services/:id/start    start one service
//	POST   /services/:id/stop     stop one service
//	GET    /services/status       snapshot of every service
//	GET    /services/:id/health   liveness probe for one service
//	GET    /logs                  captured output (?service=&limit=)
//	DELETE /logs                  clear the captured output buffer
//	GET    /events                lifecycle history (?service=&limit=)
//	POST   /reset                 stop everything and wipe data directories
//	GET    /metrics               prometheus exposition
type Router struct {
	sup  *supervise.Supervisor
	prov *provision.Provisioner
	hist events.Store
	cfg  config.Config

	mu          sync.Mutex
	downloading bool
	downloadErr error
}

func NewRouter(sup *supervise.Supervisor, prov *provision.Provisioner, hist events.Store, cfg config.Config) *Router {
	return &Router{sup: sup, prov: prov, hist: hist, cfg: cfg}
}

// Handler returns an http.Handler that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())

	g.GET("/binaries", r.handleBinaries)
	g.POST("/binaries/download", r.handleDownload)
	g.GET("/binaries/progress", r.handleProgress)

	g.POST("/services/start", r.handleStartAll)
	g.POST("/services/stop", r.handleStopAll)
	g.POST("/services/:id/start", r.handleStartOne)
	g.POST("/services/:id/stop", r.handleStopOne)
	g.GET("/services/status", r.handleStatus)
	g.GET("/services/:id/health", r.handleHealth)

	g.GET("/logs", r.handleLogs)
	g.DELETE("/logs", r.handleClearLogs)
	g.GET("/events", r.handleEvents)
	g.POST("/reset", r.handleReset)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, rt *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleBinaries(c *gin.Context) {
	c.JSON(http.StatusOK, r.prov.StatusAll())
}

// handleDownload kicks off DownloadAll in the background. Only one download
// run is active at a time; a second request while one is in flight reports
// 409. Completion (or failure) is observed via /binaries/progress.
func (r *Router) handleDownload(c *gin.Context) {
	r.mu.Lock()
	if r.downloading {
		r.mu.Unlock()
		c.JSON(http.StatusConflict, errorResp{Error: "download already in progress"})
		return
	}
	r.downloading = true
	r.downloadErr = nil
	r.mu.Unlock()

	go func() {
		err := r.prov.DownloadAll(nil)
		r.mu.Lock()
		r.downloading = false
		r.downloadErr = err
		r.mu.Unlock()
	}()
	c.JSON(http.StatusAccepted, okResp{OK: true})
}

type progressResp struct {
	Active   bool                   `json:"active"`
	Error    string                 `json:"error,omitempty"`
	Binaries []provision.BinaryInfo `json:"binaries"`
}

func (r *Router) handleProgress(c *gin.Context) {
	r.mu.Lock()
	resp := progressResp{Active: r.downloading}
	if r.downloadErr != nil {
		resp.Error = r.downloadErr.Error()
	}
	r.mu.Unlock()
	resp.Binaries = r.prov.StatusAll()
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleStartAll(c *gin.Context) {
	if err := r.sup.StartAll(r.cfg); err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStopAll(c *gin.Context) {
	if err := r.sup.StopAll(); err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStartOne(c *gin.Context) {
	id, ok := r.serviceParam(c)
	if !ok {
		return
	}
	if err := r.sup.Start(id, r.cfg); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStopOne(c *gin.Context) {
	id, ok := r.serviceParam(c)
	if !ok {
		return
	}
	if err := r.sup.Stop(id); err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.sup.StatusAll(r.cfg))
}

type healthResp struct {
	Service catalog.ServiceID `json:"service"`
	Healthy bool              `json:"healthy"`
}

func (r *Router) handleHealth(c *gin.Context) {
	id, ok := r.serviceParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, healthResp{Service: id, Healthy: r.sup.HealthCheck(id, r.cfg)})
}

func (r *Router) handleLogs(c *gin.Context) {
	limit := intQuery(c, "limit", 200)
	c.JSON(http.StatusOK, r.sup.Logs(c.Query("service"), limit))
}

func (r *Router) handleClearLogs(c *gin.Context) {
	r.sup.ClearLogs()
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.hist == nil {
		c.JSON(http.StatusNotFound, errorResp{Error: "event history disabled"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	recs, err := r.hist.Recent(ctx, c.Query("service"), intQuery(c, "limit", 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (r *Router) handleReset(c *gin.Context) {
	if err := r.sup.ResetData(r.cfg); err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) serviceParam(c *gin.Context) (catalog.ServiceID, bool) {
	id, err := catalog.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
		return "", false
	}
	return id, true
}

func intQuery(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
