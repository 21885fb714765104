// Package httpapi is the JSON HTTP API of the board, built on gin.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"taskboard/internal/auth"
	"taskboard/internal/board"
	"taskboard/internal/realtime"
	logx "taskboard/pkg/logx"
)

type Options struct {
	Board *board.Service
	Auth  *auth.Service
	Hub   *realtime.Hub

	// Websocket is mounted at /ws when set.
	Websocket http.Handler

	CookieSecure    bool
	LoginRatePerMin int

	// TrustedProxies may set X-Forwarded-For. Nil trusts none, so the
	// client IP is the socket peer.
	TrustedProxies []string

	// Mount registers extra routes (pprof) on the engine.
	Mount func(r *gin.Engine)
	// Health adds detail to the /healthz body.
	Health func() any

	Log logx.Logger
}

type API struct {
	board  *board.Service
	auth   *auth.Service
	hub    *realtime.Hub
	log    logx.Logger
	logins *ipLimiter

	cookieSecure bool
	engine       *gin.Engine
}

func New(opts Options) *API {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &API{
		board:        opts.Board,
		auth:         opts.Auth,
		hub:          opts.Hub,
		log:          log,
		logins:       newIPLimiter(opts.LoginRatePerMin),
		cookieSecure: opts.CookieSecure,
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	if err := r.SetTrustedProxies(opts.TrustedProxies); err != nil {
		log.Warn("trusted proxies rejected; trusting none", logx.Err(err))
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(a.recovery(), a.requestLog())
	r.HandleMethodNotAllowed = true
	r.NoRoute(func(c *gin.Context) { fail(c, http.StatusNotFound, "route not found") })
	r.NoMethod(func(c *gin.Context) { fail(c, http.StatusMethodNotAllowed, "method not allowed") })

	r.GET("/healthz", func(c *gin.Context) {
		body := gin.H{"status": "ok"}
		if opts.Health != nil {
			body["detail"] = opts.Health()
		}
		c.JSON(http.StatusOK, body)
	})
	if opts.Websocket != nil {
		r.GET("/ws", gin.WrapH(opts.Websocket))
	}

	api := r.Group("/api")
	authg := api.Group("/auth")
	authg.POST("/register", a.register)
	authg.POST("/login", a.limitLogins(), a.login)
	authg.POST("/logout", a.logout)

	p := api.Group("", a.requireAuth())
	p.GET("/users", a.listUsers)
	p.GET("/users/online", a.onlineUsers)

	p.GET("/tasks", a.listTasks)
	p.POST("/tasks", a.createTask)
	p.GET("/tasks/:id", a.getTask)
	p.PUT("/tasks/:id", a.updateTask)
	p.PATCH("/tasks/:id/status", a.moveTask)
	p.DELETE("/tasks/:id", a.deleteTask)
	p.POST("/tasks/:id/smart-assign", a.smartAssign)

	p.GET("/projects", a.listProjects)
	p.POST("/projects", a.createProject)
	p.POST("/projects/assign-task", a.assignToProject)
	p.PUT("/projects/:id", a.updateProject)
	p.GET("/projects/:id/tasks", a.projectTasks)
	p.POST("/projects/:id/members", a.addMember)
	p.DELETE("/projects/:id/members/:userId", a.removeMember)

	p.GET("/logs", a.listLogs)

	if opts.Mount != nil {
		opts.Mount(r)
	}
	a.engine = r
	return a
}

// Handler returns the root HTTP handler.
func (a *API) Handler() http.Handler { return a.engine }

// bind decodes the JSON body into v, replying 400 on failure.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
