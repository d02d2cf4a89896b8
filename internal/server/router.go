package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/hashvisor/internal/auth"
	"github.com/loykin/hashvisor/internal/config"
	"github.com/loykin/hashvisor/internal/history"
	"github.com/loykin/hashvisor/internal/manager"
	"github.com/loykin/hashvisor/internal/metrics"
	"github.com/loykin/hashvisor/internal/process"
	htls "github.com/loykin/hashvisor/internal/tls"
	"github.com/loykin/hashvisor/internal/watchdog"
)

// Fleet is the part of the manager the API drives.
type Fleet interface {
	Start(ctx context.Context, k process.Kind) error
	Stop(k process.Kind) error
	Restart(k process.Kind) error
	Input(k process.Kind, line string) error
	Status(k process.Kind) (manager.Status, error)
	StatusAll() []manager.Status
	Payouts(ctx context.Context, limit int) ([]history.Event, error)
	SetPreferLocalNode(on bool)
	ProcessMetrics() *metrics.ProcessMetricsCollector
}

// Router provides embeddable HTTP handlers for the daemons.
// Endpoints:
//
//	GET  {basePath}/daemons
//	GET  {basePath}/daemons/:kind
//	GET  {basePath}/daemons/:kind/process     CPU and memory history
//	POST {basePath}/daemons/:kind/start|stop|restart
//	POST {basePath}/daemons/:kind/input       body: {"line": "..."}
//	PUT  {basePath}/p2pool/prefer-local-node  body: {"enabled": true}
//	GET  {basePath}/payouts                   query: limit=N
//	POST {basePath}/auth/login                body: {"username": "...", "password": "..."}
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	fleet    Fleet
	basePath string
	metrics  bool
	auth     *auth.Middleware
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(fleet Fleet, basePath string) *Router {
	return &Router{fleet: fleet, basePath: sanitizeBase(basePath)}
}

// WithMetrics also serves the prometheus registry on /metrics.
func (r *Router) WithMetrics() *Router {
	r.metrics = true
	return r
}

// WithAuth requires every API request to authenticate against svc.
func (r *Router) WithAuth(svc *auth.Service) *Router {
	r.auth = auth.NewMiddleware(svc)
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	if r.auth != nil {
		group.POST("/auth/login", r.auth.LoginHandler)
		group = group.Group("", r.auth.GinAuth())
	}
	group.GET("/daemons", r.handleList)
	d := group.Group("/daemons/:kind")
	d.GET("", r.handleStatus)
	d.GET("/process", r.handleProcess)
	d.POST("/start", r.handleStart)
	d.POST("/stop", r.handleStop)
	d.POST("/restart", r.handleRestart)
	d.POST("/input", r.handleInput)
	group.PUT("/p2pool/prefer-local-node", r.handlePreferLocal)
	group.GET("/payouts", r.handlePayouts)
	return g
}

// NewServer starts a standalone HTTP server for cfg. The listener is bound
// before returning so address errors surface here; TLS is served when the
// configuration enables it.
func NewServer(cfg config.ServerConfig, fleet Fleet, withMetrics bool) (*http.Server, error) {
	r := NewRouter(fleet, cfg.BasePath)
	if withMetrics {
		r.WithMetrics()
	}
	if cfg.Auth.Enabled {
		svc, err := NewAuthService(cfg.Auth)
		if err != nil {
			return nil, err
		}
		r.WithAuth(svc)
	}
	tc, err := htls.Setup(cfg)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r.Handler(),
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}
	go func() {
		if tc != nil {
			// certificates already live in TLSConfig
			_ = server.ServeTLS(ln, "", "")
			return
		}
		_ = server.Serve(ln)
	}()
	return server, nil
}

// NewAuthService builds the API user store from the configuration.
func NewAuthService(cfg config.AuthConfig) (*auth.Service, error) {
	users := make([]auth.User, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		users = append(users, auth.User{Username: u.Username, PasswordHash: u.PasswordHash, Role: auth.Role(u.Role)})
	}
	return auth.NewService(auth.Config{Users: users, JWTSecret: cfg.JWTSecret, TokenTTL: cfg.TokenTTL.Std()})
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type inputReq struct {
	Line string `json:"line"`
}

type preferLocalReq struct {
	Enabled *bool `json:"enabled"`
}

func (r *Router) kind(c *gin.Context) (process.Kind, bool) {
	k, err := process.ParseKind(c.Param("kind"))
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return 0, false
	}
	return k, true
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.fleet.StatusAll())
}

func (r *Router) handleStatus(c *gin.Context) {
	k, ok := r.kind(c)
	if !ok {
		return
	}
	st, err := r.fleet.Status(k)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleProcess(c *gin.Context) {
	k, ok := r.kind(c)
	if !ok {
		return
	}
	pm := r.fleet.ProcessMetrics()
	if pm == nil || !pm.IsEnabled() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "process metrics are disabled"})
		return
	}
	h, found := pm.History(k.Slug())
	if !found {
		h = []metrics.ProcessMetrics{}
	}
	writeJSON(c, http.StatusOK, h)
}

func (r *Router) handleStart(c *gin.Context) {
	k, ok := r.kind(c)
	if !ok {
		return
	}
	if err := r.fleet.Start(c.Request.Context(), k); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	k, ok := r.kind(c)
	if !ok {
		return
	}
	if err := r.fleet.Stop(k); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	k, ok := r.kind(c)
	if !ok {
		return
	}
	if err := r.fleet.Restart(k); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleInput(c *gin.Context) {
	k, ok := r.kind(c)
	if !ok {
		return
	}
	var req inputReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeInput(req.Line) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "line must be a single line of printable text"})
		return
	}
	if err := r.fleet.Input(k, req.Line); err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handlePreferLocal(c *gin.Context) {
	var req preferLocalReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "body must be {\"enabled\": bool}"})
		return
	}
	r.fleet.SetPreferLocalNode(*req.Enabled)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handlePayouts(c *gin.Context) {
	limit := -1
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	events, err := r.fleet.Payouts(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, watchdog.ErrBusy),
		errors.Is(err, watchdog.ErrNotRunning),
		errors.Is(err, manager.ErrExistingNode):
		code = http.StatusConflict
	case errors.Is(err, manager.ErrNoStdin):
		code = http.StatusBadRequest
	case errors.Is(err, manager.ErrNoLedger):
		code = http.StatusNotImplemented
	case errors.Is(err, process.ErrSpawn):
		code = http.StatusBadGateway
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}
