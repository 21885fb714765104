// Package ws exposes the realtime hub over websockets.
//
// Each connection gets a reader (this handler's goroutine) and a writer
// goroutine draining a bounded queue. When the queue is full new messages are
// dropped for that connection only.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"taskboard/internal/model"
	"taskboard/internal/realtime"
	logx "taskboard/pkg/logx"
)

// TokenCookie is the cookie that carries the session token.
const TokenCookie = "token"

type Config struct {
	SendQueue         int
	InboundRatePerSec float64
	InboundBurst      int
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	AllowedOrigins    []string
	// AuthDisabled lets clients connect without a token and name themselves
	// in announceOnline.
	AuthDisabled bool
}

func (c Config) withDefaults() Config {
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.InboundRatePerSec <= 0 {
		c.InboundRatePerSec = 20
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 40
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 << 10
	}
	return c
}

// Authenticator resolves a bearer token into the caller's identity.
type Authenticator interface {
	Resolve(ctx context.Context, token string) (model.Identity, error)
}

type Handler struct {
	hub  *realtime.Hub
	auth Authenticator
	log  logx.Logger

	mu  sync.RWMutex
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	// life guards closed and every wg.Add so none can follow Shutdown's Wait.
	life   sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewHandler(hub *realtime.Hub, auth Authenticator, cfg Config, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{hub: hub, auth: auth, cfg: cfg.withDefaults(), log: log, ctx: ctx, cancel: cancel}
}

// Apply swaps the config used for new connections.
func (h *Handler) Apply(cfg Config) {
	h.mu.Lock()
	h.cfg = cfg.withDefaults()
	h.mu.Unlock()
}

func (h *Handler) config() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Shutdown closes every open connection and waits for their goroutines.
// Requests arriving afterwards get 503.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.life.Lock()
	h.closed = true
	h.life.Unlock()
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enter counts a request in unless Shutdown has begun.
func (h *Handler) enter() bool {
	h.life.Lock()
	defer h.life.Unlock()
	if h.closed {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.enter() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()
	cfg := h.config()

	var identity model.Identity
	if !cfg.AuthDisabled {
		id, err := h.authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		identity = id
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: cfg.AllowedOrigins})
	if err != nil {
		h.log.Debug("websocket accept failed", logx.Err(err), logx.String("remote", r.RemoteAddr))
		return
	}
	conn.SetReadLimit(cfg.MaxMessageBytes)

	id := uuid.NewString()
	c := &connection{
		id:           id,
		conn:         conn,
		hub:          h.hub,
		identity:     identity,
		log:          h.log.With(logx.String("conn_id", id)),
		limiter:      rate.NewLimiter(rate.Limit(cfg.InboundRatePerSec), cfg.InboundBurst),
		send:         make(chan realtime.Message, cfg.SendQueue),
		done:         make(chan struct{}),
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
	}
	if err := h.hub.Register(c); err != nil {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	c.log.Debug("websocket connected", logx.String("user_id", identity.UserID), logx.String("remote", r.RemoteAddr))
	c.Send(realtime.Message{Type: realtime.TypeConnected, Data: map[string]string{"connectionId": id}})

	ctx, cancel := context.WithCancel(h.ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := c.writePump(ctx); err != nil && ctx.Err() == nil {
			c.log.Debug("write failed", logx.Err(err))
		}
		// Unblock the reader when the writer dies first.
		cancel()
	}()

	c.readPump(ctx)

	h.hub.Disconnect(id)
	c.shutdown()
	cancel()
	<-writerDone

	status, reason := websocket.StatusNormalClosure, ""
	if h.ctx.Err() != nil {
		status, reason = websocket.StatusGoingAway, "server shutting down"
	}
	if err := conn.Close(status, reason); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Trace("close failed", logx.Err(err))
	}
	c.log.Debug("websocket disconnected")
}

// authenticate reads the token from ?token=, Authorization: Bearer, or the token cookie.
func (h *Handler) authenticate(r *http.Request) (model.Identity, error) {
	if h.auth == nil {
		return model.Identity{}, errors.New("no authenticator")
	}
	return h.auth.Resolve(r.Context(), TokenFromRequest(r))
}

// TokenFromRequest extracts a bearer token from the query, header or cookie.
func TokenFromRequest(r *http.Request) string {
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok
	}
	if ah := r.Header.Get("Authorization"); ah != "" {
		const p = "Bearer "
		if len(ah) > len(p) && strings.EqualFold(ah[:len(p)], p) {
			return strings.TrimSpace(ah[len(p):])
		}
	}
	if ck, err := r.Cookie(TokenCookie); err == nil {
		return strings.TrimSpace(ck.Value)
	}
	return ""
}
