package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/craftvisor/internal/manager"
	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/notify"
	"github.com/loykin/craftvisor/internal/schedule"
	"github.com/loykin/craftvisor/internal/store"
)

// Servers is the supervisor registry seen by the API.
type Servers interface {
	Get(id int64) (*manager.Supervisor, bool)
	Statuses() []manager.Status
	Create(ctx context.Context, srv store.Server) (*manager.Supervisor, error)
	Delete(ctx context.Context, id int64) error
}

// Schedules is the live task scheduler seen by the API.
type Schedules interface {
	Create(ctx context.Context, t store.Schedule) (int64, error)
	Update(ctx context.Context, t store.Schedule) error
	Delete(ctx context.Context, id int64) error
	Entries() []schedule.Entry
}

// Deps wires the router. Hub and Schedules may be nil.
type Deps struct {
	Servers   Servers
	Repo      store.Repository
	Hub       *notify.Hub
	Schedules Schedules
	Logger    *slog.Logger
}

// Router serves the daemon API. Endpoints, relative to basePath:
//
//	GET    /servers                  statuses of every server
//	POST   /servers                  register a new server
//	GET    /servers/:id              one status
//	DELETE /servers/:id              stop and delete a server
//	GET    /servers/:id/console      recent console lines
//	POST   /servers/:id/commands     body {"command","user_id"}; queued for the dispatcher
//	GET    /schedules                persisted tasks
//	GET    /schedules/entries        live engine jobs
//	POST   /schedules                create a task
//	PUT    /schedules/:id            replace a task
//	DELETE /schedules/:id            delete a task
//	GET    /ws?user_id=N&page=P      websocket notifications
//
// /metrics and /healthz are served at the root.
type Router struct {
	deps     Deps
	basePath string
	logger   *slog.Logger
}

func NewRouter(deps Deps, basePath string) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{deps: deps, basePath: mountPath(basePath), logger: logger.With("component", "http")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	g.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })

	group := g.Group(r.basePath)
	group.GET("/servers", r.handleStatuses)
	group.POST("/servers", r.handleCreateServer)
	group.GET("/servers/:id", r.handleStatus)
	group.DELETE("/servers/:id", r.handleDeleteServer)
	group.GET("/servers/:id/console", r.handleConsole)
	group.POST("/servers/:id/commands", r.handleEnqueue)
	group.GET("/schedules", r.handleListSchedules)
	group.GET("/schedules/entries", r.handleEntries)
	group.POST("/schedules", r.handleCreateSchedule)
	group.PUT("/schedules/:id", r.handleUpdateSchedule)
	group.DELETE("/schedules/:id", r.handleDeleteSchedule)
	group.GET("/ws", r.handleWS)
	return g
}

// NewServer builds the HTTP server. No write timeout is set since websocket
// connections are long-lived; the hub sets per-message deadlines.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Serve runs srv until ctx is cancelled, then shuts it down. HTTPS is used
// when srv.TLSConfig is set.
func Serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			logger.Info("https listening", "addr", srv.Addr)
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		logger.Info("http listening", "addr", srv.Addr)
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
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) supervisor(c *gin.Context) (*manager.Supervisor, bool) {
	id, ok := parseID(c.Param("id"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid server id"})
		return nil, false
	}
	sup, ok := r.deps.Servers.Get(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown server"})
		return nil, false
	}
	return sup, true
}

func (r *Router) handleStatuses(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.Servers.Statuses())
}

func (r *Router) handleStatus(c *gin.Context) {
	sup, ok := r.supervisor(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, sup.Status())
}

type serverReq struct {
	Name                  string            `json:"name"`
	Path                  string            `json:"path"`
	Executable            string            `json:"executable"`
	ExecutionCommand      string            `json:"execution_command"`
	StopCommand           string            `json:"stop_command"`
	CrashDetection        bool              `json:"crash_detection"`
	AutoStart             bool              `json:"auto_start"`
	AutoStartDelaySeconds int               `json:"auto_start_delay_seconds"`
	BackupPath            string            `json:"backup_path"`
	MaxBackups            int               `json:"max_backups"`
	BackupExcludes        []string          `json:"backup_excludes"`
	UpdateURL             string            `json:"update_url"`
	Encoding              string            `json:"encoding"`
	Highlights            map[string]string `json:"highlights"`
}

func (q serverReq) validate() error {
	switch {
	case strings.TrimSpace(q.Name) == "":
		return errors.New("name is required")
	case strings.TrimSpace(q.Path) == "":
		return errors.New("path is required")
	case strings.TrimSpace(q.ExecutionCommand) == "":
		return errors.New("execution_command is required")
	case q.AutoStartDelaySeconds < 0:
		return errors.New("auto_start_delay_seconds must not be negative")
	}
	return nil
}

func (q serverReq) server() store.Server {
	return store.Server{
		Name:             strings.TrimSpace(q.Name),
		Path:             q.Path,
		Executable:       q.Executable,
		ExecutionCommand: q.ExecutionCommand,
		StopCommand:      q.StopCommand,
		CrashDetection:   q.CrashDetection,
		AutoStart:        q.AutoStart,
		AutoStartDelay:   time.Duration(q.AutoStartDelaySeconds) * time.Second,
		BackupPath:       q.BackupPath,
		MaxBackups:       q.MaxBackups,
		BackupExcludes:   q.BackupExcludes,
		UpdateURL:        q.UpdateURL,
		Encoding:         q.Encoding,
		Highlights:       q.Highlights,
	}
}

func (r *Router) handleCreateServer(c *gin.Context) {
	var req serverReq
	if !bindJSON(c, &req) {
		return
	}
	if err := req.validate(); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	sup, err := r.deps.Servers.Create(c.Request.Context(), req.server())
	if err != nil {
		r.logger.Error("create server", "name", req.Name, "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	r.logger.Info("server created", "server_id", sup.ID(), "name", req.Name)
	writeJSON(c, http.StatusCreated, sup.Status())
}

func (r *Router) handleDeleteServer(c *gin.Context) {
	id, ok := parseID(c.Param("id"))
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid server id"})
		return
	}
	if err := r.deps.Servers.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, manager.ErrUnknownServer) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown server"})
			return
		}
		r.logger.Error("delete server", "server_id", id, "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	r.logger.Info("server deleted", "server_id", id)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

type consoleResp struct {
	ServerID int64    `json:"server_id"`
	Lines    []string `json:"lines"`
}

func (r *Router) handleConsole(c *gin.Context) {
	sup, ok := r.supervisor(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, consoleResp{ServerID: sup.ID(), Lines: sup.Console()})
}

type enqueueReq struct {
	Command string `json:"command"`
	UserID  int64  `json:"user_id"`
}

type enqueueResp struct {
	ID int64 `json:"id"`
}

func (r *Router) handleEnqueue(c *gin.Context) {
	sup, ok := r.supervisor(c)
	if !ok {
		return
	}
	var req enqueueReq
	if !bindJSON(c, &req) {
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "command required"})
		return
	}
	id, err := r.deps.Repo.EnqueueCommand(c.Request.Context(), store.Command{
		ServerID: sup.ID(),
		UserID:   req.UserID,
		RemoteIP: c.ClientIP(),
		Command:  req.Command,
	})
	if err != nil {
		r.logger.Error("enqueue command", "server_id", sup.ID(), "error", err)
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusAccepted, enqueueResp{ID: id})
}

func (r *Router) handleWS(c *gin.Context) {
	if r.deps.Hub == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "notifications disabled"})
		return
	}
	userID, _ := parseID(c.Query("user_id"))
	if err := r.deps.Hub.ServeWS(c.Writer, c.Request, userID, c.Query("page")); err != nil {
		r.logger.Debug("websocket upgrade failed", "error", err)
	}
}
