package config

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "taskboard/pkg/logx"
)

const (
	settleDelay    = 250 * time.Millisecond
	rewatchMinWait = 250 * time.Millisecond
	rewatchMaxWait = 5 * time.Second
)

// Source owns the config file: it loads it, keeps the last accepted version
// and, while Watch runs, republishes it whenever the file changes on disk.
//
// A file that fails to parse or validate is logged and ignored; the previous
// config stays current.
type Source struct {
	path string
	log  logx.Logger

	mu      sync.RWMutex
	current *Config
	digest  [sha256.Size]byte

	// updates holds at most the newest unconsumed config.
	updates chan *Config
}

func NewSource(path string) *Source {
	return &Source{path: path, log: logx.Nop(), updates: make(chan *Config, 1)}
}

func (s *Source) Path() string { return s.path }

func (s *Source) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s.log = log
}

// Read decodes the file without validating or accepting it.
func (s *Source) Read() (*Config, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	return Decode(s.path, b)
}

// Load reads and validates the file and makes it current.
func (s *Source) Load() (*Config, error) {
	cfg, err := s.Read()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	s.accept(cfg, digestOf(cfg))
	return cfg, nil
}

// Current returns the last accepted config.
func (s *Source) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Updates yields configs accepted by Watch. Consumers that fall behind only
// see the newest one.
func (s *Source) Updates() <-chan *Config { return s.updates }

func (s *Source) accept(cfg *Config, d [sha256.Size]byte) {
	s.mu.Lock()
	s.current, s.digest = cfg, d
	s.mu.Unlock()
}

func (s *Source) offer(cfg *Config) {
	for {
		select {
		case s.updates <- cfg:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

// refresh rereads the file and publishes it if it is valid and differs in
// content from the current config. Editors often write a file several times
// per save, so identical content is dropped here.
func (s *Source) refresh() bool {
	cfg, err := s.Read()
	if err != nil {
		s.log.Warn("config unreadable; keeping current", logx.String("path", s.path), logx.Err(err))
		return false
	}
	d := digestOf(cfg)
	s.mu.RLock()
	same := s.current != nil && d == s.digest
	s.mu.RUnlock()
	if same {
		s.log.Debug("config rewritten without changes", logx.String("path", s.path))
		return false
	}
	if err := Validate(cfg); err != nil {
		s.log.Warn("config rejected; keeping current", logx.String("path", s.path), logx.Err(err))
		return false
	}
	s.accept(cfg, d)
	s.offer(cfg)
	s.log.Info("config file changed", logx.String("path", s.path))
	return true
}

func digestOf(cfg *Config) [sha256.Size]byte {
	b, _ := json.Marshal(cfg)
	return sha256.Sum256(b)
}

// Watch follows the directory holding the config file until ctx ends. The
// directory is watched rather than the file so atomic renames are seen.
// A broken watcher is rebuilt with growing delays.
func (s *Source) Watch(ctx context.Context) error {
	wait := rewatchMinWait
	for {
		err := s.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("config watcher lost; rebuilding", logx.String("path", s.path), logx.Err(err), logx.Duration("in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = min(wait*2, rewatchMaxWait)
	}
}

var errWatchClosed = errors.New("watcher closed")

func (s *Source) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return err
	}
	name := filepath.Clean(s.path)

	// Changes settle for a moment before the file is reread.
	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatchClosed
			}
			if filepath.Clean(ev.Name) != name || ev.Op == fsnotify.Chmod {
				continue
			}
			settle.Reset(settleDelay)
		case err, ok := <-w.Errors:
			if !ok {
				return errWatchClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				s.log.Warn("config watch overflow; rereading", logx.Err(err))
				settle.Reset(settleDelay)
				continue
			}
			return err
		case <-settle.C:
			s.refresh()
		}
	}
}
