// Package maintenance runs housekeeping jobs against the record store on a
// cron schedule. Currently that is action-log retention.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "taskboard/pkg/logx"
)

type Config struct {
	Enabled      bool
	Schedule     string
	LogRetention time.Duration
	Location     *time.Location
}

// Pruner deletes action logs created before a cutoff.
type Pruner interface {
	PruneActionLogs(ctx context.Context, before time.Time) (int64, error)
}

type Service struct {
	// life serializes Start, Apply and Stop. Jobs never take it.
	life sync.Mutex

	mu  sync.Mutex
	cfg Config
	log logx.Logger
	st  Pruner
	now func() time.Time

	c   *cron.Cron
	ctx context.Context
}

func New(cfg Config, st Pruner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, st: st, log: log, now: time.Now}
}

// Apply swaps the config and reschedules if the service is running. A prune
// already in flight finishes with the config it started with.
func (s *Service) Apply(cfg Config) {
	s.life.Lock()
	defer s.life.Unlock()

	s.mu.Lock()
	s.cfg = cfg
	running := s.ctx != nil
	old := s.detachLocked()
	s.mu.Unlock()
	if !running {
		return
	}
	s.await(context.Background(), old)

	s.mu.Lock()
	s.startLocked()
	s.mu.Unlock()
}

// Start begins triggering. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	s.life.Lock()
	defer s.life.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Enabled {
		if _, err := ParseSchedule(s.cfg.Schedule); err != nil {
			return err
		}
	}
	if s.ctx != nil {
		return nil
	}
	s.ctx = ctx
	s.startLocked()
	return nil
}

func (s *Service) startLocked() {
	cur := s.cfg
	if !cur.Enabled {
		s.log.Debug("maintenance disabled")
		return
	}
	sched, err := ParseSchedule(cur.Schedule)
	if err != nil {
		s.log.Warn("maintenance schedule rejected", logx.String("schedule", cur.Schedule), logx.Err(err))
		return
	}
	loc := cur.Location
	if loc == nil {
		loc = time.Local
	}
	ctx := s.ctx
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	s.c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.prune(ctx, cur.LogRetention); err != nil && ctx.Err() == nil {
			s.log.Warn("action log prune failed", logx.Err(err))
		}
	}))
	s.c.Start()
	s.log.Info("maintenance started",
		logx.String("schedule", cur.Schedule),
		logx.String("tz", loc.String()),
		logx.Duration("log_retention", cur.LogRetention),
	)
}

// Stop halts the schedule and waits for a running prune until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.life.Lock()
	defer s.life.Unlock()
	s.mu.Lock()
	old := s.detachLocked()
	s.ctx = nil
	s.mu.Unlock()
	s.await(ctx, old)
}

func (s *Service) detachLocked() *cron.Cron {
	c := s.c
	s.c = nil
	return c
}

func (s *Service) await(ctx context.Context, c *cron.Cron) {
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Debug("maintenance stopped")
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// RunOnce prunes action logs older than the retention window and returns the
// number of removed entries.
func (s *Service) RunOnce(ctx context.Context) (int64, error) {
	return s.prune(ctx, s.Config().LogRetention)
}

func (s *Service) prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-retention)
	start := time.Now()
	n, err := s.st.PruneActionLogs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("action logs pruned",
			logx.Int64("removed", n),
			logx.Time("before", cutoff),
			logx.Duration("took", time.Since(start)),
		)
	}
	return n, nil
}
