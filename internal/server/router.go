package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/craftvisor/internal/cronjob"
	"github.com/loykin/craftvisor/internal/event"
	mng "github.com/loykin/craftvisor/internal/manager"
	"github.com/loykin/craftvisor/internal/metrics"
	"github.com/loykin/craftvisor/internal/process"
)

// Router provides embeddable HTTP handlers over a server registry.
// Endpoints (relative to basePath):
//
//	GET    /servers                     names (optional ?match=pattern)
//	POST   /servers                     body: AddRequest
//	DELETE /servers/:name
//	POST   /servers/:name/start|stop|kill|restart
//	POST   /servers/:name/command       body: {"command": "..."}
//	GET    /servers/:name/status|players|metrics
//	GET    /servers/:name/tasks         scheduled tasks and their next run
//	GET    /metrics/servers             snapshots of every server
//	GET    /events                      server-sent events (optional ?server=name)
//	GET    /metrics                     Prometheus exposition
//
// Unknown server names answer 404.
type Router struct {
	mgr      *mng.Manager
	bus      *event.Bus[event.Event]
	basePath string
	tasks    Tasks
	log      *slog.Logger
}

// Tasks is the scheduled-task view the router exposes. Removing a server
// also unschedules its tasks.
type Tasks interface {
	Entries(server string) []cronjob.Entry
	RemoveServer(server string) int
}

// NewRouter constructs a new Router with configurable basePath. bus may be
// nil, in which case /events is not served.
func NewRouter(mgr *mng.Manager, bus *event.Bus[event.Event], basePath string) *Router {
	return &Router{
		mgr:      mgr,
		bus:      bus,
		basePath: sanitizeBase(basePath),
		log:      slog.Default().With("component", "api"),
	}
}

// SetTasks attaches a task scheduler. Without one /servers/:name/tasks
// lists nothing.
func (r *Router) SetTasks(t Tasks) *Router {
	r.tasks = t
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	r.Register(g.Group(r.basePath))
	return g
}

// Register adds the API routes to an existing gin router or group.
func (r *Router) Register(g gin.IRouter) {
	g.GET("/servers", r.handleList)
	g.POST("/servers", r.handleAdd)
	g.DELETE("/servers/:name", r.handleRemove)
	g.POST("/servers/:name/start", r.action(r.mgr.Start))
	g.POST("/servers/:name/stop", r.action(r.mgr.Stop))
	g.POST("/servers/:name/kill", r.action(r.mgr.Kill))
	g.POST("/servers/:name/restart", r.action(r.mgr.Restart))
	g.POST("/servers/:name/command", r.handleCommand)
	g.GET("/servers/:name/status", r.handleStatus)
	g.GET("/servers/:name/players", r.handlePlayers)
	g.GET("/servers/:name/metrics", r.handleMetrics)
	g.GET("/servers/:name/tasks", r.handleTasks)
	g.GET("/metrics/servers", r.handleAllMetrics)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	if r.bus != nil {
		g.GET("/events", r.handleEvents)
	}
}

// ServerOption customizes NewServer.
type ServerOption func(*http.Server, *Router)

// WithTLS serves HTTPS using cfg. A nil cfg leaves plain HTTP.
func WithTLS(cfg *tls.Config) ServerOption {
	return func(s *http.Server, _ *Router) { s.TLSConfig = cfg }
}

// WithTasks exposes a task scheduler through the API.
func WithTasks(t Tasks) ServerOption {
	return func(_ *http.Server, r *Router) { r.SetTasks(t) }
}

// NewServer starts a standalone HTTP server on addr using this router.
// The listener is bound before returning so address errors surface here.
func NewServer(addr, basePath string, mgr *mng.Manager, bus *event.Bus[event.Event], opts ...ServerOption) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	r := NewRouter(mgr, bus, basePath)
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: /events streams indefinitely
		IdleTimeout: 60 * time.Second,
	}
	for _, o := range opts {
		o(srv, r)
	}
	srv.Handler = r.Handler()
	if srv.TLSConfig != nil {
		ln = tls.NewListener(ln, srv.TLSConfig)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("http server stopped", "error", err)
		}
	}()
	return srv, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

// AddRequest registers a server. StopTimeout uses Go duration syntax.
type AddRequest struct {
	Name        string   `json:"name"`
	Dir         string   `json:"dir"`
	StopCommand string   `json:"stop_command,omitempty"`
	StopTimeout string   `json:"stop_timeout,omitempty"`
	Env         []string `json:"env,omitempty"`
}

type AddResponse struct {
	Name  string `json:"name"`
	Added bool   `json:"added"`
}

type StatusResponse struct {
	Name   string        `json:"name"`
	Status process.State `json:"status"`
	PID    int           `json:"pid,omitempty"`
}

type PlayersResponse struct {
	Name    string   `json:"name"`
	Players []string `json:"players"`
}

type CommandRequest struct {
	Command string `json:"command"`
}

type TasksResponse struct {
	Name  string          `json:"name"`
	Tasks []cronjob.Entry `json:"tasks"`
}

func (r *Router) handleList(c *gin.Context) {
	names := r.mgr.Names()
	if pattern := c.Query("match"); pattern != "" {
		names = r.mgr.Match(pattern)
		if names == nil {
			names = []string{}
		}
	}
	writeJSON(c, http.StatusOK, names)
}

func (r *Router) handleAdd(c *gin.Context) {
	var req AddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !process.ValidName(req.Name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	if req.Dir == "" || !isSafeAbsPath(req.Dir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid dir: must be absolute path without traversal"})
		return
	}
	cfg := process.Config{StopCommand: req.StopCommand, Env: req.Env}
	if req.StopTimeout != "" {
		d, err := time.ParseDuration(req.StopTimeout)
		if err != nil || d < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid stop_timeout: " + req.StopTimeout})
			return
		}
		cfg.StopTimeout = d
	}
	_, added := r.mgr.AddServer(req.Name, req.Dir, cfg)
	code := http.StatusOK
	if added {
		code = http.StatusCreated
	}
	writeJSON(c, code, AddResponse{Name: req.Name, Added: added})
}

func (r *Router) handleRemove(c *gin.Context) {
	if !r.mgr.RemoveServer(c.Param("name")) {
		notFound(c, c.Param("name"))
		return
	}
	if r.tasks != nil {
		r.tasks.RemoveServer(c.Param("name"))
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) action(op func(string) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !op(c.Param("name")) {
			notFound(c, c.Param("name"))
			return
		}
		writeJSON(c, http.StatusAccepted, okResp{OK: true})
	}
}

func (r *Router) handleCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if req.Command == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "command required"})
		return
	}
	if !r.mgr.SendCommand(c.Param("name"), req.Command) {
		notFound(c, c.Param("name"))
		return
	}
	writeJSON(c, http.StatusAccepted, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	s, ok := r.mgr.Get(c.Param("name"))
	if !ok {
		notFound(c, c.Param("name"))
		return
	}
	writeJSON(c, http.StatusOK, StatusResponse{Name: s.Name(), Status: s.Status(), PID: s.PID()})
}

func (r *Router) handlePlayers(c *gin.Context) {
	name := c.Param("name")
	if !r.mgr.Has(name) {
		notFound(c, c.Param("name"))
		return
	}
	writeJSON(c, http.StatusOK, PlayersResponse{Name: name, Players: r.mgr.Players(name)})
}

func (r *Router) handleMetrics(c *gin.Context) {
	m, ok := r.mgr.Metrics(c.Param("name"))
	if !ok {
		notFound(c, c.Param("name"))
		return
	}
	writeJSON(c, http.StatusOK, m)
}

func (r *Router) handleTasks(c *gin.Context) {
	name := c.Param("name")
	if !r.mgr.Has(name) {
		notFound(c, name)
		return
	}
	entries := []cronjob.Entry{}
	if r.tasks != nil {
		entries = append(entries, r.tasks.Entries(name)...)
	}
	writeJSON(c, http.StatusOK, TasksResponse{Name: name, Tasks: entries})
}

func (r *Router) handleAllMetrics(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.AllMetrics())
}

// eventBuffer bounds events queued for one slow SSE client; overflow is dropped.
const eventBuffer = 256

func (r *Router) handleEvents(c *gin.Context) {
	filter := c.Query("server")
	if filter != "" && !r.mgr.Has(filter) {
		notFound(c, filter)
		return
	}
	ch := make(chan event.Event, eventBuffer)
	unsubscribe := r.bus.Subscribe(func(e event.Event) {
		if filter != "" && e.ServerName() != filter {
			return
		}
		select {
		case ch <- e:
		default:
		}
	})
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e := <-ch:
			c.SSEvent(string(e.Kind()), e)
			return true
		}
	})
}

func notFound(c *gin.Context, name string) {
	writeJSON(c, http.StatusNotFound, errorResp{Error: "unknown server: " + name})
}

// Shutdown gracefully stops srv, waiting at most timeout. Connections still
// open afterwards (event streams) are closed forcibly.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return errors.Join(err, srv.Close())
	}
	return nil
}
