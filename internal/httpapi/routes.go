// Package httpapi serves the status and operator API over HTTP (gin).
package httpapi

import (
	"context"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"time"

	"agentcron/internal/config"
	"agentcron/internal/storage"
	"agentcron/internal/task/executor"
	"agentcron/internal/task/progress"
	"agentcron/internal/task/record"
	"agentcron/internal/task/scheduler"
	logx "agentcron/pkg/logx"

	"github.com/gin-gonic/gin"
)

const (
	defaultRecordLimit = 20
	maxRecordLimit     = 500
	auditTimeout       = 2 * time.Second
)

// Status is the read side, implemented by scheduler.Reader.
type Status interface {
	Scheduler() scheduler.Snapshot
	Jobs() []scheduler.JobStatus
	Job(name string) (scheduler.JobStatus, bool)
	Records(name string, limit int) []record.ExecutionRecord
	Misfires(name string, limit int) []record.Misfire
	Record(id string) (record.ExecutionRecord, bool)
}

// Control is the operator side, implemented by scheduler.Service.
type Control interface {
	Trigger(name string) (string, error)
	Pause()
	Resume()
	Paused() bool
}

// Reloader re-reads the config file; implemented by config.Manager.
type Reloader interface {
	Reload(ctx context.Context) (bool, error)
}

type Auditor interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Deps are the components behind the routes. Reloader, Audit, Progress and
// Metrics are optional.
type Deps struct {
	Status   Status
	Control  Control
	Progress *progress.Channel
	Reloader Reloader
	Audit    Auditor
	Metrics  http.Handler
	Log      logx.Logger
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type handlers struct {
	Deps
	started time.Time
}

// NewRouter builds the gin engine. pprof mounts /debug/pprof/.
func NewRouter(d Deps, pprof bool) *gin.Engine {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	h := &handlers{Deps: d, started: time.Now()}

	r := gin.New()
	r.Use(gin.Recovery(), requestLog(d.Log))

	r.GET("/healthz", h.health)
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	api := r.Group("/api")
	api.GET("/scheduler", h.scheduler)
	api.POST("/scheduler/pause", h.pause)
	api.POST("/scheduler/resume", h.resume)
	api.POST("/scheduler/reload", h.reload)

	jobs := api.Group("/jobs")
	{
		jobs.GET("", h.jobs)
		jobs.GET("/:name", h.job)
		jobs.GET("/:name/records", h.records)
		jobs.GET("/:name/misfires", h.misfires)
		jobs.POST("/:name/trigger", h.trigger)
	}
	api.GET("/records/:id", h.record)
	api.GET("/invocations/:id/events", h.events)

	if pprof {
		g := r.Group("/debug/pprof")
		g.GET("/", gin.WrapF(hpprof.Index))
		g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		g.GET("/profile", gin.WrapF(hpprof.Profile))
		g.GET("/symbol", gin.WrapF(hpprof.Symbol))
		g.POST("/symbol", gin.WrapF(hpprof.Symbol))
		g.GET("/trace", gin.WrapF(hpprof.Trace))
		g.GET("/:name", gin.WrapF(hpprof.Index))
	}
	return r
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("http request", fields...)
			return
		}
		log.Debug("http request", fields...)
	}
}

func fail(c *gin.Context, status int, code string, err error) {
	c.AbortWithStatusJSON(status, apiError{Error: err.Error(), Code: code})
}

func (h *handlers) health(c *gin.Context) {
	snap := h.Status.Scheduler()
	status := http.StatusOK
	state := "ok"
	if snap.ShutDown {
		status, state = http.StatusServiceUnavailable, "shutting_down"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"started":   snap.Started,
		"paused":    snap.Paused,
		"jobs":      len(snap.Jobs),
		"in_flight": snap.InFlight,
		"uptime":    time.Since(h.started).Truncate(time.Second).String(),
	})
}

func (h *handlers) scheduler(c *gin.Context) { c.JSON(http.StatusOK, h.Status.Scheduler()) }

func (h *handlers) jobs(c *gin.Context) { c.JSON(http.StatusOK, h.Status.Jobs()) }

func (h *handlers) job(c *gin.Context) {
	name := c.Param("name")
	js, ok := h.Status.Job(name)
	if !ok {
		fail(c, http.StatusNotFound, "unknown_job", errors.New("unknown job: "+name))
		return
	}
	c.JSON(http.StatusOK, js)
}

// limitParam reads ?limit=, defaulting and clamping it.
func limitParam(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultRecordLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		fail(c, http.StatusBadRequest, "bad_limit", errors.New("limit must be a positive integer"))
		return 0, false
	}
	return min(n, maxRecordLimit), true
}

// records also serves the history of jobs removed by a reload.
func (h *handlers) records(c *gin.Context) {
	name := c.Param("name")
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	recs := h.Status.Records(name, limit)
	if len(recs) == 0 {
		if _, installed := h.Status.Job(name); !installed {
			fail(c, http.StatusNotFound, "unknown_job", errors.New("unknown job: "+name))
			return
		}
		recs = []record.ExecutionRecord{}
	}
	c.JSON(http.StatusOK, recs)
}

func (h *handlers) misfires(c *gin.Context) {
	name := c.Param("name")
	limit, ok := limitParam(c)
	if !ok {
		return
	}
	out := h.Status.Misfires(name, limit)
	if len(out) == 0 {
		if _, installed := h.Status.Job(name); !installed {
			fail(c, http.StatusNotFound, "unknown_job", errors.New("unknown job: "+name))
			return
		}
		out = []record.Misfire{}
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) record(c *gin.Context) {
	id := c.Param("id")
	rec, ok := h.Status.Record(id)
	if !ok {
		fail(c, http.StatusNotFound, "unknown_invocation", errors.New("unknown invocation: "+id))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handlers) trigger(c *gin.Context) {
	name := c.Param("name")
	start := time.Now()
	id, err := h.Control.Trigger(name)
	h.audit(c, "trigger", name, start, err, id)

	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"job": name, "invocation_id": id})
	case errors.Is(err, scheduler.ErrUnknownJob):
		fail(c, http.StatusNotFound, "unknown_job", err)
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		fail(c, http.StatusConflict, "misfire", err)
	case errors.Is(err, scheduler.ErrJobDisabled):
		fail(c, http.StatusConflict, "disabled", err)
	case errors.Is(err, scheduler.ErrShutdown):
		fail(c, http.StatusServiceUnavailable, "shutting_down", err)
	case errors.Is(err, executor.ErrAgentResolution):
		// The error record exists; hand its id back.
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"error": err.Error(), "code": "agent_resolution", "invocation_id": id,
		})
	default:
		fail(c, http.StatusInternalServerError, "internal", err)
	}
}

func (h *handlers) pause(c *gin.Context) {
	h.Control.Pause()
	h.audit(c, "pause", "", time.Now(), nil, "")
	c.JSON(http.StatusOK, gin.H{"paused": h.Control.Paused()})
}

func (h *handlers) resume(c *gin.Context) {
	h.Control.Resume()
	h.audit(c, "resume", "", time.Now(), nil, "")
	c.JSON(http.StatusOK, gin.H{"paused": h.Control.Paused()})
}

// reload re-reads the config file. The new job table is applied by the
// config subscriber, so the response only says whether anything changed.
func (h *handlers) reload(c *gin.Context) {
	if h.Reloader == nil {
		fail(c, http.StatusNotImplemented, "unsupported", errors.New("reload not available"))
		return
	}
	start := time.Now()
	changed, err := h.Reloader.Reload(c.Request.Context())
	h.audit(c, "reload", "", start, err, "")
	if err != nil {
		var ve *config.ValidationError
		if errors.As(err, &ve) {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
				"error": err.Error(), "code": "invalid_config", "violations": ve.Violations,
			})
			return
		}
		fail(c, http.StatusInternalServerError, "reload_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

func (h *handlers) audit(c *gin.Context, action, target string, start time.Time, err error, meta string) {
	if h.Audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:     start,
		Actor:  c.ClientIP(),
		Action: action,
		Target: target,
		OK:     err == nil,
		TookMS: time.Since(start).Milliseconds(),
		Meta:   meta,
	}
	if err != nil {
		e.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if aerr := h.Audit.AppendAudit(ctx, e); aerr != nil {
		h.Log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
