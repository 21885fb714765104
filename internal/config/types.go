package config

type Config struct {
	HTTP        HTTPConfig        `json:"http"`
	Auth        AuthConfig        `json:"auth"`
	Storage     StorageConfig     `json:"storage"`
	Logging     LoggingConfig     `json:"logging"`
	Realtime    RealtimeConfig    `json:"realtime"`
	Board       BoardConfig       `json:"board"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Pprof       PprofConfig       `json:"pprof,omitempty"`
}

// HTTPConfig controls the API listener.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - addr: "127.0.0.1:8080"
//   - read_timeout: "15s"
//   - write_timeout: "0s" (disabled; websocket and /profile are long-lived)
//   - idle_timeout: "60s"
//   - shutdown_timeout: "10s"
type HTTPConfig struct {
	Addr            string `json:"addr"`
	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	// AllowedOrigins are host patterns accepted for cross-origin websocket
	// upgrades (e.g. "app.example.com", "localhost:*"). Empty means same origin only.
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For header is
	// believed when deriving the client IP. Empty trusts no proxy.
	TrustedProxies []string `json:"trusted_proxies,omitempty"`
}

// AuthConfig controls registration/login and token verification.
//
// JWTSecret may be overridden with the TASKBOARD_JWT_SECRET environment variable.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"` // do not log
	// TokenTTL is a Go duration string. Default: "720h" (30 days).
	TokenTTL string `json:"token_ttl,omitempty"`
	// Disabled turns off token checks for the websocket channel; clients then
	// identify themselves in announceOnline. The HTTP API always requires a token.
	Disabled     bool `json:"disabled,omitempty"`
	CookieSecure bool `json:"cookie_secure,omitempty"`
	// LoginRatePerMin bounds login attempts per client IP. Default: 20.
	LoginRatePerMin int `json:"login_rate_per_min,omitempty"`
}

// StorageConfig controls the record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/taskboard.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// RealtimeConfig controls websocket connections.
//
// Defaults:
//   - send_queue: 256
//   - inbound_rate_per_sec: 20
//   - inbound_burst: 40
//   - ping_interval: "30s"
//   - write_timeout: "10s"
type RealtimeConfig struct {
	SendQueue         int     `json:"send_queue,omitempty"`
	InboundRatePerSec float64 `json:"inbound_rate_per_sec,omitempty"`
	InboundBurst      int     `json:"inbound_burst,omitempty"`
	PingInterval      string  `json:"ping_interval,omitempty"`
	WriteTimeout      string  `json:"write_timeout,omitempty"`
	MaxMessageBytes   int64   `json:"max_message_bytes,omitempty"`
}

type BoardConfig struct {
	// AutoAssign applies smart assignment to tasks created without an assignee.
	AutoAssign bool `json:"auto_assign,omitempty"`
	// UpdateRetries bounds re-application of forced/unversioned updates that
	// lose a write race. Default: 3.
	UpdateRetries int `json:"update_retries,omitempty"`
}

// MaintenanceConfig controls housekeeping jobs.
//
// Schedule accepts a cron expression ("0 3 * * *"), a descriptor ("@daily")
// or an interval ("every 6h", "@every 6h").
type MaintenanceConfig struct {
	Enabled      bool   `json:"enabled"`
	Schedule     string `json:"schedule,omitempty"`      // default: "@daily"
	LogRetention string `json:"log_retention,omitempty"` // default: "2160h" (90 days)
	Timezone     string `json:"timezone,omitempty"`
}

// PprofConfig controls the optional pprof endpoints mounted on the API listener.
//
// Security note:
//   - If the API binds to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}
