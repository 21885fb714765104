package httpapi

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"taskboard/internal/board"
	"taskboard/internal/model"
	"taskboard/internal/transport/ws"
	logx "taskboard/pkg/logx"
)

const (
	identityKey = "identity"

	// HeaderConnectionID names the websocket connection a request comes from.
	HeaderConnectionID = "X-Connection-ID"
)

// requestLog logs one line per request at debug level, warn for 5xx.
func (a *API) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
			logx.String("ip", c.ClientIP()),
		}
		if status >= http.StatusInternalServerError {
			a.log.Warn("request", fields...)
			return
		}
		a.log.Debug("request", fields...)
	}
}

func (a *API) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		a.log.Error("panic in handler",
			logx.String("path", c.Request.URL.Path),
			logx.Any("panic", rec),
		)
		fail(c, http.StatusInternalServerError, "internal server error")
	})
}

// requireAuth resolves the bearer token or token cookie into an identity.
func (a *API) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerOrCookie(c.Request)
		if tok == "" {
			fail(c, http.StatusUnauthorized, "authentication required")
			return
		}
		id, err := a.auth.Resolve(c.Request.Context(), tok)
		if err != nil {
			a.writeError(c, err)
			return
		}
		c.Set(identityKey, id)

		ctx := c.Request.Context()
		if conn := strings.TrimSpace(c.GetHeader(HeaderConnectionID)); conn != "" {
			ctx = board.WithOrigin(ctx, conn)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bearerOrCookie(r *http.Request) string {
	if ah := r.Header.Get("Authorization"); ah != "" {
		const p = "Bearer "
		if len(ah) > len(p) && strings.EqualFold(ah[:len(p)], p) {
			return strings.TrimSpace(ah[len(p):])
		}
	}
	if ck, err := r.Cookie(ws.TokenCookie); err == nil {
		return strings.TrimSpace(ck.Value)
	}
	return ""
}

func identity(c *gin.Context) model.Identity {
	v, _ := c.Get(identityKey)
	id, _ := v.(model.Identity)
	return id
}

// ipLimiter hands out one token bucket per client IP. It tracks at most max
// addresses; past that the least recently seen one is forgotten.
type ipLimiter struct {
	mu      sync.Mutex
	perMin  int
	max     int
	buckets map[string]*ipBucket
	now     func() time.Time
}

type ipBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

const maxTrackedIPs = 4096

func newIPLimiter(perMin int) *ipLimiter {
	return &ipLimiter{perMin: perMin, max: maxTrackedIPs, buckets: map[string]*ipBucket{}, now: time.Now}
}

func (l *ipLimiter) allow(ip string) bool {
	if l == nil || l.perMin <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	b, ok := l.buckets[ip]
	if !ok {
		if len(l.buckets) >= l.max {
			l.evictLocked(now)
		}
		b = &ipBucket{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), l.perMin)}
		l.buckets[ip] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

// evictLocked drops buckets idle for more than a minute, since they would be
// full again. If none are, it drops the least recently seen one.
func (l *ipLimiter) evictLocked(now time.Time) {
	var oldest string
	var oldestSeen time.Time
	for ip, b := range l.buckets {
		if now.Sub(b.seen) > time.Minute {
			delete(l.buckets, ip)
			continue
		}
		if oldest == "" || b.seen.Before(oldestSeen) {
			oldest, oldestSeen = ip, b.seen
		}
	}
	if len(l.buckets) >= l.max && oldest != "" {
		delete(l.buckets, oldest)
	}
}

func (a *API) limitLogins() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.logins.allow(c.ClientIP()) {
			fail(c, http.StatusTooManyRequests, "too many login attempts, try again later")
			return
		}
		c.Next()
	}
}
