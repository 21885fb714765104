package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	logx "taskboard/pkg/logx"
)

// EnvJWTSecret overrides auth.jwt_secret when set.
const EnvJWTSecret = "TASKBOARD_JWT_SECRET"

const (
	DefaultAddr            = "127.0.0.1:8080"
	DefaultTokenTTL        = 30 * 24 * time.Hour
	DefaultSendQueue       = 256
	DefaultUpdateRetries   = 3
	DefaultLogRetention    = 90 * 24 * time.Hour
	DefaultMaintenanceSpec = "@daily"
)

// Resolved is the typed, defaulted view of Config used to construct services.
type Resolved struct {
	HTTP struct {
		Addr            string
		ReadTimeout     time.Duration
		WriteTimeout    time.Duration
		IdleTimeout     time.Duration
		ShutdownTimeout time.Duration
		AllowedOrigins  []string
		TrustedProxies  []string
	}
	Auth struct {
		Secret          []byte
		TokenTTL        time.Duration
		Disabled        bool
		CookieSecure    bool
		LoginRatePerMin int
	}
	Storage struct {
		Driver      string
		Path        string
		BusyTimeout time.Duration
	}
	Realtime struct {
		SendQueue         int
		InboundRatePerSec float64
		InboundBurst      int
		PingInterval      time.Duration
		WriteTimeout      time.Duration
		MaxMessageBytes   int64
	}
	Board struct {
		AutoAssign    bool
		UpdateRetries int
	}
	Maintenance struct {
		Enabled      bool
		Schedule     string
		LogRetention time.Duration
		Location     *time.Location
	}
}

// Resolve parses durations and applies defaults. It does not touch the filesystem.
func Resolve(cfg *Config) (Resolved, error) {
	var r Resolved
	if cfg == nil {
		return r, errors.New("config is nil")
	}
	var err error

	r.HTTP.Addr = strings.TrimSpace(cfg.HTTP.Addr)
	if r.HTTP.Addr == "" {
		r.HTTP.Addr = DefaultAddr
	}
	if r.HTTP.ReadTimeout, err = durationOr("http.read_timeout", cfg.HTTP.ReadTimeout, 15*time.Second); err != nil {
		return r, err
	}
	if r.HTTP.WriteTimeout, err = durationOr("http.write_timeout", cfg.HTTP.WriteTimeout, 0); err != nil {
		return r, err
	}
	if r.HTTP.IdleTimeout, err = durationOr("http.idle_timeout", cfg.HTTP.IdleTimeout, time.Minute); err != nil {
		return r, err
	}
	if r.HTTP.ShutdownTimeout, err = durationOr("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout, 10*time.Second); err != nil {
		return r, err
	}
	r.HTTP.AllowedOrigins = append([]string(nil), cfg.HTTP.AllowedOrigins...)
	for _, p := range cfg.HTTP.TrustedProxies {
		p = strings.TrimSpace(p)
		if !validProxy(p) {
			return r, fmt.Errorf("http.trusted_proxies: %q is not an IP or CIDR", p)
		}
		r.HTTP.TrustedProxies = append(r.HTTP.TrustedProxies, p)
	}

	secret := strings.TrimSpace(os.Getenv(EnvJWTSecret))
	if secret == "" {
		secret = strings.TrimSpace(cfg.Auth.JWTSecret)
	}
	if secret == "" {
		return r, errors.New("auth.jwt_secret is required (or set " + EnvJWTSecret + ")")
	}
	r.Auth.Secret = []byte(secret)
	if r.Auth.TokenTTL, err = durationOr("auth.token_ttl", cfg.Auth.TokenTTL, DefaultTokenTTL); err != nil {
		return r, err
	}
	r.Auth.Disabled = cfg.Auth.Disabled
	r.Auth.CookieSecure = cfg.Auth.CookieSecure
	r.Auth.LoginRatePerMin = cfg.Auth.LoginRatePerMin
	if r.Auth.LoginRatePerMin < 0 {
		return r, errors.New("auth.login_rate_per_min must be >= 0")
	}
	if r.Auth.LoginRatePerMin == 0 {
		r.Auth.LoginRatePerMin = 20
	}

	r.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if r.Storage.Driver == "" {
		r.Storage.Driver = "sqlite"
	}
	r.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	switch r.Storage.Driver {
	case "sqlite", "sqlite3":
		if r.Storage.Path == "" {
			r.Storage.Path = "./data/taskboard.db"
		}
	case "memory":
	default:
		return r, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if r.Storage.BusyTimeout, err = durationOr("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second); err != nil {
		return r, err
	}

	if _, ok := logx.ParseLevel(cfg.Logging.Level); !ok {
		return r, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level)
	}

	if err := r.resolveRealtime(cfg.Realtime); err != nil {
		return r, err
	}

	r.Board.AutoAssign = cfg.Board.AutoAssign
	r.Board.UpdateRetries = cfg.Board.UpdateRetries
	if r.Board.UpdateRetries < 0 {
		return r, errors.New("board.update_retries must be >= 0")
	}
	if r.Board.UpdateRetries == 0 {
		r.Board.UpdateRetries = DefaultUpdateRetries
	}

	if err := r.resolveMaintenance(cfg.Maintenance); err != nil {
		return r, err
	}
	return r, nil
}

func (r *Resolved) resolveRealtime(c RealtimeConfig) error {
	var err error
	r.Realtime.SendQueue = c.SendQueue
	if r.Realtime.SendQueue <= 0 {
		r.Realtime.SendQueue = DefaultSendQueue
	}
	r.Realtime.InboundRatePerSec = c.InboundRatePerSec
	if r.Realtime.InboundRatePerSec < 0 {
		return errors.New("realtime.inbound_rate_per_sec must be >= 0")
	}
	if r.Realtime.InboundRatePerSec == 0 {
		r.Realtime.InboundRatePerSec = 20
	}
	r.Realtime.InboundBurst = c.InboundBurst
	if r.Realtime.InboundBurst <= 0 {
		r.Realtime.InboundBurst = 40
	}
	if r.Realtime.PingInterval, err = durationOr("realtime.ping_interval", c.PingInterval, 30*time.Second); err != nil {
		return err
	}
	if r.Realtime.WriteTimeout, err = durationOr("realtime.write_timeout", c.WriteTimeout, 10*time.Second); err != nil {
		return err
	}
	r.Realtime.MaxMessageBytes = c.MaxMessageBytes
	if r.Realtime.MaxMessageBytes <= 0 {
		r.Realtime.MaxMessageBytes = 64 << 10
	}
	return nil
}

func (r *Resolved) resolveMaintenance(c MaintenanceConfig) error {
	var err error
	r.Maintenance.Enabled = c.Enabled
	r.Maintenance.Schedule = strings.TrimSpace(c.Schedule)
	if r.Maintenance.Schedule == "" {
		r.Maintenance.Schedule = DefaultMaintenanceSpec
	}
	if r.Maintenance.LogRetention, err = durationOr("maintenance.log_retention", c.LogRetention, DefaultLogRetention); err != nil {
		return err
	}
	r.Maintenance.Location = time.Local
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("maintenance.timezone: %w", err)
		}
		r.Maintenance.Location = loc
	}
	return nil
}

// durationOr parses a Go duration string. Empty or zero values yield def.
func durationOr(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration", field, raw)
	case d < 0:
		return 0, fmt.Errorf("%s: must not be negative", field)
	case d == 0:
		return def, nil
	}
	return d, nil
}

// Validate reports whether cfg resolves cleanly.
func Validate(cfg *Config) error {
	_, err := Resolve(cfg)
	return err
}

func validProxy(s string) bool {
	if strings.Contains(s, "/") {
		_, _, err := net.ParseCIDR(s)
		return err == nil
	}
	return net.ParseIP(s) != nil
}
