package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/reportd/internal/metrics"
	"github.com/loykin/reportd/internal/report"
	"github.com/loykin/reportd/internal/target"
)

// ActiveReports is the report cache for recordings live on targets.
type ActiveReports interface {
	Get(ctx context.Context, id target.ID, recording string) (string, error)
	Delete(id target.ID, recording string) bool
	DeleteTarget(id target.ID) int
}

// ArchivedReports is the report cache for archived recordings.
type ArchivedReports interface {
	Get(ctx context.Context, name string) (string, error)
	Delete(name string) bool
}

// Pool is the target connection pool.
type Pool interface {
	Execute(ctx context.Context, id target.ID, task func(ctx context.Context, conn target.Conn) error) error
	MarkInUse(id target.ID) (release func(), ok bool)
	Invalidate(id target.ID) bool
	Stats() []target.ConnStats
}

// Options configures a Router.
type Options struct {
	// BasePath may be empty or start with '/'; no trailing slash.
	BasePath string
	// Metrics mounts GET /metrics.
	Metrics bool
	// Gatherer backs /metrics; prometheus.DefaultGatherer if nil.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Router provides embeddable HTTP handlers for reports.
// Endpoints:
//
//	GET    {basePath}/reports/active?target=URL&recording=NAME   rendered report (text/html)
//	DELETE {basePath}/reports/active?target=URL&recording=NAME   drop cached report
//	GET    {basePath}/reports/archived/:name                     rendered report file
//	DELETE {basePath}/reports/archived/:name                     drop cached report file
//	GET    {basePath}/recordings/active?target=URL&recording=NAME raw recording stream
//	DELETE {basePath}/targets?target=URL                         forget a target
//	GET    {basePath}/debug/pool                                 pooled connections
//
// target URLs may carry credentials=NAME to select stored credentials.
type Router struct {
	active   ActiveReports
	archived ArchivedReports
	pool     Pool
	basePath string
	metrics  bool
	gatherer prometheus.Gatherer
	log      *slog.Logger
}

func NewRouter(active ActiveReports, archived ArchivedReports, pool Pool, opts Options) *Router {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		active:   active,
		archived: archived,
		pool:     pool,
		basePath: sanitizeBase(opts.BasePath),
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		log:      log,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.HandlerFor(r.gatherer)))
	}
	group := g.Group(r.basePath)
	group.GET("/reports/active", r.handleActiveReport)
	group.DELETE("/reports/active", r.handleDeleteActiveReport)
	group.GET("/reports/archived/:name", r.handleArchivedReport)
	group.DELETE("/reports/archived/:name", r.handleDeleteArchivedReport)
	group.GET("/recordings/active", r.handleActiveRecording)
	group.DELETE("/targets", r.handleDeleteTarget)
	group.GET("/debug/pool", r.handleDebugPool)
	return g
}

// NewServer builds an HTTP server for h. Report generation may take minutes,
// so there is no write timeout.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv until ctx is done, then shuts it down gracefully within
// shutdownTimeout. srv serves HTTPS when its TLSConfig is set.
func Serve(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type removedResp struct {
	Reports     int  `json:"reports"`
	Invalidated bool `json:"invalidated"`
}

func (r *Router) writeError(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		r.log.Warn("Request failed", "path", c.FullPath(), "status", code, "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error(), Kind: report.KindOf(err).String()})
}

func (r *Router) handleActiveReport(c *gin.Context) {
	id, rec, err := activeParams(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	doc, err := r.active.Get(c.Request.Context(), id, rec)
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(doc))
}

func (r *Router) handleDeleteActiveReport(c *gin.Context) {
	id, rec, err := activeParams(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: r.active.Delete(id, rec)})
}

func (r *Router) handleArchivedReport(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	path, err := r.archived.Get(c.Request.Context(), name)
	if err != nil {
		r.writeError(c, err)
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.File(path)
}

func (r *Router) handleDeleteArchivedReport(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: r.archived.Delete(name)})
}

// handleActiveRecording streams a live recording straight from the target.
// The pooled connection stays marked in use until the body is written.
func (r *Router) handleActiveRecording(c *gin.Context) {
	id, rec, err := activeParams(c)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	ctx := c.Request.Context()
	body, err := target.ExecuteValue(ctx, r.pool, id, func(ctx context.Context, conn target.Conn) (io.ReadCloser, error) {
		return conn.OpenRecording(ctx, rec)
	})
	if err != nil {
		r.writeError(c, err)
		return
	}
	defer func() { _ = body.Close() }()

	release, ok := r.pool.MarkInUse(id)
	if !ok {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: "target connection lost", Kind: report.KindTargetConnection.String()})
		return
	}
	defer release()

	c.Header("Content-Type", "application/octet-stream")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, body); err != nil {
		if target.IsConnectionFailure(err) && ctx.Err() == nil {
			r.pool.Invalidate(id)
		}
		r.log.Warn("Recording stream interrupted", "target", id.String(), "recording", rec, "error", err)
	}
}

func (r *Router) handleDeleteTarget(c *gin.Context) {
	raw := c.Query("target")
	if raw == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "target query param required"})
		return
	}
	id, err := target.ParseID(raw, c.Query("credentials"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	n := r.active.DeleteTarget(id)
	inv := r.pool.Invalidate(id)
	r.log.Info("Target removed", "target", id.String(), "reports", n, "invalidated", inv)
	writeJSON(c, http.StatusOK, removedResp{Reports: n, Invalidated: inv})
}

func (r *Router) handleDebugPool(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.pool.Stats())
}
