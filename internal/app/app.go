// Package app wires the taskboard components together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"taskboard/internal/auth"
	"taskboard/internal/board"
	"taskboard/internal/config"
	"taskboard/internal/eventbus"
	"taskboard/internal/maintenance"
	"taskboard/internal/observability/pprof"
	"taskboard/internal/realtime"
	rtsup "taskboard/internal/runtime/supervisor"
	"taskboard/internal/server"
	"taskboard/internal/storage"
	"taskboard/internal/transport/httpapi"
	"taskboard/internal/transport/ws"
	logx "taskboard/pkg/logx"
)

type App struct {
	cfg  *config.Source
	res  config.Resolved
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.Local
	store storage.Store

	hub   *realtime.Hub
	ws    *ws.Handler
	http  *server.Server
	maint *maintenance.Service

	notifier notifier
}

// New loads the config file and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	src := config.NewSource(cfgPath)
	cfg, err := src.Load()
	if err != nil {
		return nil, err
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	store, err := storage.Open(storage.Config{
		Driver:      res.Storage.Driver,
		Path:        res.Storage.Path,
		BusyTimeout: res.Storage.BusyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", res.Storage.Driver), logx.String("path", res.Storage.Path))

	bus := eventbus.New()
	hub := realtime.NewHub(log.With(logx.String("comp", "realtime")))

	authSvc := auth.New(store, auth.Config{
		Secret:   res.Auth.Secret,
		TokenTTL: res.Auth.TokenTTL,
	}, log.With(logx.String("comp", "auth")))

	boardSvc := board.New(store, bus, hub, log.With(logx.String("comp", "board")), board.Options{
		AutoAssign:    res.Board.AutoAssign,
		UpdateRetries: res.Board.UpdateRetries,
	})

	wsh := ws.NewHandler(hub, authSvc, wsConfig(res), log.With(logx.String("comp", "ws")))

	pp := pprofConfig(cfg)
	var self *App
	var mountErr error
	api := httpapi.New(httpapi.Options{
		Board:           boardSvc,
		Auth:            authSvc,
		Hub:             hub,
		Websocket:       wsh,
		CookieSecure:    res.Auth.CookieSecure,
		LoginRatePerMin: res.Auth.LoginRatePerMin,
		TrustedProxies:  res.HTTP.TrustedProxies,
		Mount: func(r *gin.Engine) {
			mountErr = pprof.Mount(r, pp, res.HTTP.Addr, log.With(logx.String("comp", "pprof")))
		},
		Health: func() any { return self.health() },
		Log:    log.With(logx.String("comp", "http")),
	})
	if mountErr != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, mountErr
	}

	httpSvc := server.New(server.Config{
		Addr:         res.HTTP.Addr,
		ReadTimeout:  res.HTTP.ReadTimeout,
		WriteTimeout: res.HTTP.WriteTimeout,
		IdleTimeout:  res.HTTP.IdleTimeout,
	}, api.Handler(), log.With(logx.String("comp", "http")))
	httpSvc.OnShutdown(wsh.Shutdown)

	maint := maintenance.New(maintenanceConfig(res), store, log.With(logx.String("comp", "maintenance")))

	self = &App{
		cfg:      src,
		res:      res,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		hub:      hub,
		ws:       wsh,
		http:     httpSvc,
		maint:    maint,
		notifier: newSystemdNotifier(log),
	}
	return self, nil
}

type health struct {
	Tasks  []rtsup.TaskStatus `json:"tasks"`
	Events eventbus.Stats     `json:"events"`
	Online int                `json:"onlineUsers"`
	Conns  int                `json:"connections"`
}

func (a *App) health() health {
	h := health{
		Events: a.bus.Stats(),
		Online: len(a.hub.Presence()),
		Conns:  a.hub.Connections(),
	}
	if a.sup != nil {
		h.Tasks = a.sup.Status()
	}
	return h
}

// Addr returns the bound API address (empty before Start).
func (a *App) Addr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.FailFast())
	a.cfg.SetLogger(a.log.With(logx.String("comp", "config")))

	if err := a.maint.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}
	// Subscribe before the API accepts requests so every mutation is relayed.
	mutations, unsubMutations := realtime.SubscribeMutations(a.bus)
	// Debug trace of server-side events.
	events, unsub := a.bus.Subscribe(128)

	if err := a.http.Start(a.sup.Context()); err != nil {
		unsubMutations()
		unsub()
		a.sup.Cancel()
		a.maint.Stop(context.Background())
		return fmt.Errorf("http listen: %w", err)
	}

	a.sup.Go("realtime.relay", func(c context.Context) error {
		defer unsubMutations()
		return a.hub.Run(c, mutations)
	})

	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.Int64("seq", int64(e.Seq)), logx.String("type", e.Type), logx.String("origin", e.Origin))
			}
		}
	})

	a.sup.Go("config.reload", func(c context.Context) error {
		applied := a.cfg.Current()
		for {
			select {
			case <-c.Done():
				return nil
			case next := <-a.cfg.Updates():
				a.applyConfig(applied, next)
				applied = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfg.Watch(c)
	})

	a.notifier.Ready()
	a.log.Info("app started", logx.String("addr", a.http.Addr()))
	return nil
}

// applyConfig pushes hot-reloadable sections to their components and warns
// about the rest.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	res, err := config.Resolve(next)
	if err != nil {
		// The manager validates before publishing, so this only trips on races with env changes.
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	a.logs.Apply(logConfig(next))
	// Auth mode is fixed for the lifetime of the process.
	res.Auth.Disabled = a.res.Auth.Disabled
	a.ws.Apply(wsConfig(res))
	a.maint.Apply(maintenanceConfig(res))
	a.res.Realtime, a.res.Maintenance = res.Realtime, res.Maintenance

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notifier.Stopping()

	// HTTP drains before the app context is canceled so in-flight requests finish.
	a.step(ctx, "http", 5*time.Second, a.http.Stop)
	a.sup.Cancel()
	a.step(ctx, "maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	a.step(ctx, "realtime", time.Second, func(context.Context) error { a.hub.Close(); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	ev := a.bus.Stats()
	a.log.Info("stopped",
		logx.Int64("events_published", int64(ev.Published)),
		logx.Int64("events_dropped", int64(ev.Dropped)),
	)
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs a shutdown step with an upper bound so one component can't stall
// the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			max = time.Millisecond
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
