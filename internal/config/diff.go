package config

import (
	"reflect"
	"strings"

	logx "taskboard/pkg/logx"
)

// Sections applied at runtime without a restart.
var hotSections = map[string]bool{
	"logging":     true,
	"realtime":    true,
	"maintenance": true,
}

// SummarizeChange returns the changed sections and safe structured fields for
// logging (never includes secrets).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	fields := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		fields = append(fields, logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)))
	}
	if !reflect.DeepEqual(oldCfg.Auth, newCfg.Auth) {
		changed = append(changed, "auth")
		fields = append(fields,
			logx.String("auth.token_ttl", newCfg.Auth.TokenTTL),
			logx.Bool("auth.secret_changed", oldCfg.Auth.JWTSecret != newCfg.Auth.JWTSecret),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Realtime != newCfg.Realtime {
		changed = append(changed, "realtime")
		fields = append(fields,
			logx.Any("realtime.inbound_rate_per_sec", newCfg.Realtime.InboundRatePerSec),
			logx.Int("realtime.inbound_burst", newCfg.Realtime.InboundBurst),
		)
	}
	if oldCfg.Board != newCfg.Board {
		changed = append(changed, "board")
		fields = append(fields, logx.Bool("board.auto_assign", newCfg.Board.AutoAssign))
	}
	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		fields = append(fields,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.schedule", newCfg.Maintenance.Schedule),
			logx.String("maintenance.log_retention", newCfg.Maintenance.LogRetention),
		)
	}
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.Token != newCfg.Pprof.Token ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate {
		changed = append(changed, "pprof")
		fields = append(fields,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.Bool("pprof.token_set", newCfg.Pprof.Token != ""),
		)
	}
	return changed, fields
}

// RestartRequired filters changed down to sections that only take effect on restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}
