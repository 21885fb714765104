package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"taskboard/internal/model"
	"taskboard/internal/realtime"
	logx "taskboard/pkg/logx"
)

// inbound is a client frame before its payload is decoded.
type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type announcePayload struct {
	ID       string `json:"id,omitempty"`
	FullName string `json:"fullName,omitempty"`
}

type notifyPayload struct {
	ToUserID string `json:"toUserId"`
	Message  string `json:"message"`
	Kind     string `json:"kind"`
}

// connection is one websocket client. It implements realtime.Peer.
type connection struct {
	id       string
	conn     *websocket.Conn
	hub      *realtime.Hub
	log      logx.Logger
	identity model.Identity // zero when auth is disabled
	limiter  *rate.Limiter

	send chan realtime.Message
	done chan struct{}
	once sync.Once

	pingInterval time.Duration
	writeTimeout time.Duration
}

func (c *connection) ID() string { return c.id }

// Send enqueues msg for the writer. It never blocks.
func (c *connection) Send(msg realtime.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *connection) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// readPump decodes client frames until the socket fails or ctx is done.
func (c *connection) readPump(ctx context.Context) {
	for {
		typ, b, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				c.log.Debug("connection closed", logx.Int("status", int(status)))
			} else {
				c.log.Debug("read failed", logx.Err(err))
			}
			return
		}
		if typ != websocket.MessageText {
			c.sendError("binary frames are not supported")
			continue
		}
		if !c.limiter.Allow() {
			c.sendError("rate limit exceeded")
			continue
		}

		var in inbound
		if err := json.Unmarshal(b, &in); err != nil || in.Type == "" {
			c.sendError("malformed message")
			continue
		}
		c.handle(in)
	}
}

func (c *connection) handle(in inbound) {
	switch {
	case in.Type == realtime.TypeAnnounce:
		c.handleAnnounce(in.Data)
	case in.Type == realtime.TypeNotify:
		var p notifyPayload
		if err := decodeData(in.Data, &p); err != nil || p.ToUserID == "" || p.Message == "" {
			c.sendError("notify requires toUserId and message")
			return
		}
		c.hub.Direct(p.ToUserID, p.Message, p.Kind)
	case model.EventKind(in.Type).IsRelayable():
		c.hub.Relay(c.id, in.Type, in.Data)
	default:
		c.sendError("unknown message type: " + in.Type)
	}
}

func (c *connection) handleAnnounce(data json.RawMessage) {
	var p announcePayload
	if err := decodeData(data, &p); err != nil {
		c.sendError("malformed announceOnline payload")
		return
	}
	user := realtime.PresenceUser{ID: c.identity.UserID, FullName: c.identity.FullName}
	if user.ID == "" {
		// Unauthenticated mode: the client names itself.
		user.ID = p.ID
	}
	if p.FullName != "" {
		user.FullName = p.FullName
	}
	if user.ID == "" {
		c.sendError("announceOnline requires a user id")
		return
	}
	if err := c.hub.Announce(c.id, user); err != nil {
		c.sendError("announce failed")
		c.log.Debug("announce rejected", logx.Err(err))
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func (c *connection) sendError(msg string) {
	if !c.Send(realtime.Message{Type: realtime.TypeError, Data: map[string]string{"message": msg}}) {
		c.log.Debug("error frame dropped", logx.String("message", msg))
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *connection) writePump(ctx context.Context) error {
	var tick <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := wsjson.Write(wctx, c.conn, msg)
			cancel()
			if err != nil {
				return err
			}
		case <-tick:
			pctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := c.conn.Ping(pctx)
			cancel()
			if err != nil {
				return errors.Join(errors.New("ping failed"), err)
			}
		}
	}
}
