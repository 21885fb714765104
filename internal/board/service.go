// Package board implements task and project operations, including the
// optimistic-concurrency check applied to task updates.
//
// Every successful mutation is written together with its audit entry and then
// announced on the event bus. Events carry the websocket connection id of the
// caller (see WithOrigin) so the relay can skip the originating client.
package board

import (
	"context"
	"errors"
	"time"

	"taskboard/internal/eventbus"
	"taskboard/internal/model"
	"taskboard/internal/storage"
	logx "taskboard/pkg/logx"
)

// Notifier delivers a direct message to one online user. Offline users are
// silently skipped.
type Notifier interface {
	Direct(userID, message, kind string)
}

type Options struct {
	AutoAssign    bool
	UpdateRetries int
}

type Service struct {
	st       storage.Store
	bus      eventbus.Bus
	notifier Notifier
	log      logx.Logger
	opts     Options

	// now is the clock used for versions and audit entries.
	now func() time.Time
}

func New(st storage.Store, bus eventbus.Bus, notifier Notifier, log logx.Logger, opts Options) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.UpdateRetries <= 0 {
		opts.UpdateRetries = 3
	}
	return &Service{st: st, bus: bus, notifier: notifier, log: log, opts: opts, now: time.Now}
}

type originKey struct{}

// WithOrigin tags ctx with the websocket connection id of the caller.
func WithOrigin(ctx context.Context, connID string) context.Context {
	if connID == "" {
		return ctx
	}
	return context.WithValue(ctx, originKey{}, connID)
}

// OriginFrom returns the connection id stored by WithOrigin.
func OriginFrom(ctx context.Context) string {
	s, _ := ctx.Value(originKey{}).(string)
	return s
}

// version returns a timestamp strictly after prev, truncated to milliseconds so
// it survives a round trip through JavaScript clients.
func (s *Service) version(prev time.Time) time.Time {
	t := s.now().UTC().Truncate(time.Millisecond)
	if !t.After(prev) {
		t = prev.Add(time.Millisecond).Truncate(time.Millisecond)
	}
	return t
}

func (s *Service) stamp() time.Time {
	return s.now().UTC()
}

func (s *Service) publish(ctx context.Context, kind model.EventKind, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type:   string(kind),
		Origin: OriginFrom(ctx),
		Time:   s.stamp(),
		Data:   data,
	})
}

func (s *Service) notify(userID, message, kind string) {
	if s.notifier == nil || userID == "" {
		return
	}
	s.notifier.Direct(userID, message, kind)
}

// storeErr maps storage failures to board errors. notFound is the message used
// for storage.ErrNotFound.
func (s *Service) storeErr(op string, err error, notFound string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return NotFound(notFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return internal(op+" cancelled", err)
	}
	s.log.Error("store failure", logx.String("op", op), logx.Err(err))
	return internal(op+" failed", err)
}

// ListUsers returns all users without credentials.
func (s *Service) ListUsers(ctx context.Context) ([]model.Public, error) {
	users, err := s.st.ListUsers(ctx)
	if err != nil {
		return nil, s.storeErr("list users", err, "")
	}
	out := make([]model.Public, 0, len(users))
	for _, u := range users {
		out = append(out, u.Public())
	}
	return out, nil
}

const (
	defaultLogLimit = 20
	maxLogLimit     = 200
)

// ListActionLogs returns the newest audit entries. limit <= 0 means the default.
func (s *Service) ListActionLogs(ctx context.Context, limit int) ([]model.ActionLogView, error) {
	switch {
	case limit <= 0:
		limit = defaultLogLimit
	case limit > maxLogLimit:
		limit = maxLogLimit
	}
	logs, err := s.st.ListActionLogs(ctx, limit)
	if err != nil {
		return nil, s.storeErr("list action logs", err, "")
	}
	return logs, nil
}
