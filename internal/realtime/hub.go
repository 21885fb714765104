// Package realtime tracks connected clients and who is online, and fans
// mutation events and direct notifications out to them.
//
// The hub knows nothing about websockets: transports register a Peer per
// connection and translate frames into hub calls.
package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"taskboard/internal/eventbus"
	"taskboard/internal/model"
	logx "taskboard/pkg/logx"
)

// Frame types exchanged with clients.
const (
	TypeConnected    = "connected"
	TypeAnnounce     = "announceOnline"
	TypeNotify       = "notify"
	TypePresenceList = "presenceList"
	TypeNotification = "notification"
	TypeError        = "error"
)

var (
	ErrClosed            = errors.New("hub closed")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrDuplicatePeer     = errors.New("connection already registered")
)

// Message is one frame sent to a client.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Peer is the hub's handle on one client connection.
//
// Send must not block: it enqueues msg and reports false when the message was
// dropped (queue full or connection gone).
type Peer interface {
	ID() string
	Send(msg Message) bool
}

type PresenceUser struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
}

type PresenceList struct {
	Users []PresenceUser `json:"users"`
}

// KindInfo is the notification kind used when a sender gives none.
const KindInfo = "info"

type Notification struct {
	Message   string    `json:"message"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

type ConnState int

const (
	StateUnknown ConnState = iota
	StateConnected
	StateIdentified
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type connEntry struct {
	peer   Peer
	state  ConnState
	userID string
}

type presenceEntry struct {
	connID string
	user   PresenceUser
}

type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*connEntry
	presence map[string]presenceEntry // by user id
	closed   bool

	log     logx.Logger
	now     func() time.Time
	dropped atomic.Uint64
}

func NewHub(log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		conns:    map[string]*connEntry{},
		presence: map[string]presenceEntry{},
		log:      log,
		now:      time.Now,
	}
}

// Register adds a connection in the Connected state.
func (h *Hub) Register(p Peer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if _, ok := h.conns[p.ID()]; ok {
		return ErrDuplicatePeer
	}
	h.conns[p.ID()] = &connEntry{peer: p, state: StateConnected}
	h.log.Debug("connection registered", logx.String("conn_id", p.ID()), logx.Int("connections", len(h.conns)))
	return nil
}

// Announce marks the connection as belonging to user and broadcasts the new
// presence list to every connection. A later announce for the same user
// replaces the earlier entry.
func (h *Hub) Announce(connID string, user PresenceUser) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	// Re-announcing as a different user drops the old identity of this connection.
	if c.userID != "" && c.userID != user.ID {
		if e, ok := h.presence[c.userID]; ok && e.connID == connID {
			delete(h.presence, c.userID)
		}
	}
	c.userID = user.ID
	c.state = StateIdentified
	h.presence[user.ID] = presenceEntry{connID: connID, user: user}
	h.log.Debug("user online", logx.String("conn_id", connID), logx.String("user_id", user.ID))
	h.broadcastPresenceLocked()
	return nil
}

// Relay delivers an event to every connection except origin.
func (h *Hub) Relay(origin, kind string, payload any) {
	msg := Message{Type: kind, Data: payload}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.conns {
		if id == origin {
			continue
		}
		h.sendLocked(c, msg)
	}
}

// Direct sends a notification to userID if they are online. Offline users are
// skipped silently. An empty kind becomes KindInfo.
func (h *Hub) Direct(userID, message, kind string) {
	if kind == "" {
		kind = KindInfo
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.presence[userID]
	if !ok {
		h.log.Debug("direct notification skipped (offline)", logx.String("user_id", userID), logx.String("kind", kind))
		return
	}
	c, ok := h.conns[e.connID]
	if !ok {
		return
	}
	h.sendLocked(c, Message{
		Type: TypeNotification,
		Data: Notification{Message: message, Kind: kind, Timestamp: h.now().UTC()},
	})
}

// Disconnect removes the connection and the presence entry that points to it.
// An entry for the same user owned by a newer connection is left alone.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	c.state = StateDisconnected
	delete(h.conns, connID)

	if c.userID == "" {
		return
	}
	e, ok := h.presence[c.userID]
	if !ok || e.connID != connID {
		return
	}
	delete(h.presence, c.userID)
	h.log.Debug("user offline", logx.String("conn_id", connID), logx.String("user_id", c.userID))
	h.broadcastPresenceLocked()
}

// Close drops every connection and rejects further registrations.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, c := range h.conns {
		c.state = StateDisconnected
	}
	h.conns = map[string]*connEntry{}
	h.presence = map[string]presenceEntry{}
	h.log.Debug("hub closed")
}

// State reports the lifecycle state of a connection. Unregistered or removed
// connections report StateDisconnected.
func (h *Hub) State(connID string) ConnState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.conns[connID]; ok {
		return c.state
	}
	return StateDisconnected
}

// Presence returns the online users ordered by name.
func (h *Hub) Presence() []PresenceUser {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.presenceLocked()
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Dropped returns the number of messages peers refused.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) presenceLocked() []PresenceUser {
	out := make([]PresenceUser, 0, len(h.presence))
	for _, e := range h.presence {
		out = append(out, e.user)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FullName != out[j].FullName {
			return out[i].FullName < out[j].FullName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (h *Hub) broadcastPresenceLocked() {
	msg := Message{Type: TypePresenceList, Data: PresenceList{Users: h.presenceLocked()}}
	for _, c := range h.conns {
		h.sendLocked(c, msg)
	}
}

func (h *Hub) sendLocked(c *connEntry, msg Message) {
	if c.peer.Send(msg) {
		return
	}
	h.dropped.Add(1)
	h.log.Debug("message dropped", logx.String("conn_id", c.peer.ID()), logx.String("type", msg.Type))
}

// SubscribeMutations subscribes to the mutation events Run relays. Subscribe
// before anything can mutate the board so no committed event is missed.
func SubscribeMutations(bus eventbus.Bus) (<-chan eventbus.Event, func()) {
	kinds := model.MutationKinds()
	types := make([]string, len(kinds))
	for i, k := range kinds {
		types[i] = string(k)
	}
	return bus.Subscribe(256, types...)
}

// Run relays events to connected clients until ctx is done or events is
// closed. Events are not delivered back to the connection named in
// Event.Origin.
func (h *Hub) Run(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			h.Relay(e.Origin, e.Type, e.Data)
		}
	}
}
