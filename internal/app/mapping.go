package app

import (
	"taskboard/internal/config"
	"taskboard/internal/maintenance"
	"taskboard/internal/observability/pprof"
	"taskboard/internal/transport/ws"
	logx "taskboard/pkg/logx"
)

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func wsConfig(r config.Resolved) ws.Config {
	return ws.Config{
		SendQueue:         r.Realtime.SendQueue,
		InboundRatePerSec: r.Realtime.InboundRatePerSec,
		InboundBurst:      r.Realtime.InboundBurst,
		PingInterval:      r.Realtime.PingInterval,
		WriteTimeout:      r.Realtime.WriteTimeout,
		MaxMessageBytes:   r.Realtime.MaxMessageBytes,
		AllowedOrigins:    r.HTTP.AllowedOrigins,
		AuthDisabled:      r.Auth.Disabled,
	}
}

func maintenanceConfig(r config.Resolved) maintenance.Config {
	return maintenance.Config{
		Enabled:      r.Maintenance.Enabled,
		Schedule:     r.Maintenance.Schedule,
		LogRetention: r.Maintenance.LogRetention,
		Location:     r.Maintenance.Location,
	}
}

func pprofConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled:              cfg.Pprof.Enabled,
		Prefix:               cfg.Pprof.Prefix,
		Token:                cfg.Pprof.Token,
		AllowInsecure:        cfg.Pprof.AllowInsecure,
		MutexProfileFraction: cfg.Pprof.MutexProfileFraction,
		BlockProfileRate:     cfg.Pprof.BlockProfileRate,
	}
}
