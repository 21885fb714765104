// Package pprof exposes the Go runtime profiler under the API router.
//
// Profiles leak internals, so Mount refuses to expose them on a public
// address unless a token is configured or AllowInsecure is set.
package pprof

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"net/netip"
	"path"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"

	logx "taskboard/pkg/logx"
)

const DefaultPrefix = "/debug/pprof"

type Config struct {
	Enabled       bool
	Prefix        string
	Token         string
	AllowInsecure bool

	MutexProfileFraction int
	BlockProfileRate     int
}

var ErrInsecureBind = errors.New("pprof: public listen address needs a token or allow_insecure")

// Mount adds the profiler routes to r. listenAddr is the address the API
// binds and decides whether the routes count as public.
func Mount(r gin.IRouter, cfg Config, listenAddr string, log logx.Logger) error {
	if !cfg.Enabled {
		return nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	token := strings.TrimSpace(cfg.Token)
	if token == "" && !isLoopbackAddr(listenAddr) {
		if !cfg.AllowInsecure {
			return ErrInsecureBind
		}
		log.Warn("pprof exposed on a public address without a token", logx.String("addr", listenAddr))
	}
	ApplyRuntimeRates(cfg)

	prefix := cleanPrefix(cfg.Prefix)
	g := r.Group(prefix)
	if token != "" {
		g.Use(requireToken(token))
	}
	g.GET("/*name", profile)
	g.POST("/*name", profile)

	log.Info("pprof mounted", logx.String("prefix", prefix), logx.Bool("token", token != ""))
	return nil
}

// ApplyRuntimeRates turns on mutex and block sampling. Zero leaves the
// runtime setting alone.
func ApplyRuntimeRates(cfg Config) {
	if cfg.MutexProfileFraction > 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate > 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
}

func profile(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("name"), "/")
	switch name {
	case "cmdline":
		hpprof.Cmdline(c.Writer, c.Request)
	case "profile":
		hpprof.Profile(c.Writer, c.Request)
	case "symbol":
		hpprof.Symbol(c.Writer, c.Request)
	case "trace":
		hpprof.Trace(c.Writer, c.Request)
	default:
		// Index resolves named profiles relative to /debug/pprof/.
		req := c.Request.Clone(c.Request.Context())
		req.URL.Path = "/debug/pprof/" + name
		hpprof.Index(c.Writer, req)
	}
}

// requireToken accepts the token as ?token= or as a bearer credential.
func requireToken(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got := c.Query("token")
		if got == "" {
			got = strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func cleanPrefix(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return DefaultPrefix
	}
	p = path.Clean("/" + p)
	if p == "/" {
		return DefaultPrefix
	}
	return p
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}
