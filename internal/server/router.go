// Package server provides the embeddable HTTP API for controlling captures
// and managing sources.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/capturd/capturd/internal/store"
	"github.com/capturd/capturd/internal/supervisor"
)

// Router provides embeddable HTTP handlers.
// Endpoints (under basePath):
//
//	POST /captures/start      body: {"source_id": N} or {"source": "name"}
//	POST /captures/stop       body: {"source_id": N} or {"source": "name"}
//	GET  /captures/active     running captures
//	GET  /captures            query: status=, source_id=, limit=
//	GET  /captures/:id/logs   query: limit=
//	GET  /stats               capture aggregates
//	POST /scan                trigger one scan pass
//	GET  /sources             list sources
//	POST /sources             create source
//	GET  /sources/:id         fetch source
//	PUT  /sources/:id         update source
type Router struct {
	sup      *supervisor.Supervisor
	st       store.Store
	scan     func(context.Context) // optional manual scan trigger
	basePath string
}

func NewRouter(sup *supervisor.Supervisor, st store.Store, basePath string) *Router {
	return &Router{sup: sup, st: st, basePath: sanitizeBase(basePath)}
}

// SetScanFunc wires the manual scan trigger. Without it POST /scan returns 503.
func (r *Router) SetScanFunc(f func(context.Context)) { r.scan = f }

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/captures/start", r.handleStart)
	group.POST("/captures/stop", r.handleStop)
	group.GET("/captures/active", r.handleActive)
	group.GET("/captures", r.handleListCaptures)
	group.GET("/captures/:id/logs", r.handleCaptureLogs)
	group.GET("/stats", r.handleStats)
	group.POST("/scan", r.handleScan)
	group.GET("/sources", r.handleListSources)
	group.POST("/sources", r.handleCreateSource)
	group.GET("/sources/:id", r.handleGetSource)
	group.PUT("/sources/:id", r.handleUpdateSource)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, r *Router) *http.Server {
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type captureTarget struct {
	SourceID int64  `json:"source_id"`
	Source   string `json:"source"`
}

// resolveSource turns a request target into a source ID. Exactly one of
// source_id and source must be set.
func (r *Router) resolveSource(c *gin.Context, t captureTarget) (int64, bool) {
	if t.SourceID != 0 {
		return t.SourceID, true
	}
	if t.Source == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "source_id or source required"})
		return 0, false
	}
	src, err := r.st.GetSourceByName(c.Request.Context(), t.Source)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "source not found"})
		} else {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		}
		return 0, false
	}
	return src.ID, true
}

func (r *Router) handleStart(c *gin.Context) {
	var t captureTarget
	if err := c.ShouldBindJSON(&t); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	id, ok := r.resolveSource(c, t)
	if !ok {
		return
	}
	capID, err := r.sup.Start(c.Request.Context(), id)
	if err != nil {
		writeJSON(c, startErrorStatus(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "capture_id": capID})
}

// startErrorStatus maps supervisor start failures onto HTTP statuses.
func startErrorStatus(err error) int {
	var ire *supervisor.InsufficientResourcesError
	switch {
	case errors.Is(err, supervisor.ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrAlreadyCapturing):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.As(err, &ire):
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) handleStop(c *gin.Context) {
	var t captureTarget
	if err := c.ShouldBindJSON(&t); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	id, ok := r.resolveSource(c, t)
	if !ok {
		return
	}
	if !r.sup.Stop(id) {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no active capture for source"})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleActive(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.ListActive())
}

func (r *Router) handleListCaptures(c *gin.Context) {
	status := c.Query("status")
	var sourceID int64
	if s := c.Query("source_id"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid source_id"})
			return
		}
		sourceID = v
	}
	limit := queryInt(c, "limit", 50)
	caps, err := r.st.ListCaptures(c.Request.Context(), status, sourceID, limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, caps)
}

func (r *Router) handleCaptureLogs(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid capture id"})
		return
	}
	logs, err := r.st.GetLogs(c.Request.Context(), id, queryInt(c, "limit", 200))
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, logs)
}

func (r *Router) handleStats(c *gin.Context) {
	stats, err := r.st.Stats(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	stats.ActiveCount = int64(r.sup.ActiveCount())
	writeJSON(c, http.StatusOK, stats)
}

func (r *Router) handleScan(c *gin.Context) {
	if r.scan == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "auto-scan is disabled"})
		return
	}
	go r.scan(context.Background())
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleListSources(c *gin.Context) {
	sources, err := r.st.ListSources(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, sources)
}

func (r *Router) handleCreateSource(c *gin.Context) {
	var src store.Source
	if err := c.ShouldBindJSON(&src); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeName(src.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	if src.Quality == "" {
		src.Quality = "best"
	}
	src.Active = true
	if err := r.st.CreateSource(c.Request.Context(), &src); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusCreated, src)
}

func (r *Router) handleGetSource(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid source id"})
		return
	}
	src, err := r.st.GetSource(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "source not found"})
		} else {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		}
		return
	}
	writeJSON(c, http.StatusOK, src)
}

func (r *Router) handleUpdateSource(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid source id"})
		return
	}
	cur, err := r.st.GetSource(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "source not found"})
		} else {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		}
		return
	}
	var src store.Source
	if err := c.ShouldBindJSON(&src); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	src.ID = cur.ID
	// names are stable, they appear in output paths and log trails
	src.Name = cur.Name
	src.CreatedAt = cur.CreatedAt
	if src.Quality == "" {
		src.Quality = cur.Quality
	}
	if err := r.st.UpdateSource(c.Request.Context(), src); err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, src)
}
