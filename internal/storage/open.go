package storage

import (
	"fmt"
	"strings"

	logx "taskboard/pkg/logx"
)

// Drivers accepted by Open. "memory" is SQLite without a file; its data is
// gone when the store closes.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Open returns a migrated store for cfg.Driver.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Driver)); d {
	case "", DriverSQLite, "sqlite3":
		return openSQLite(cfg, log)
	case DriverMemory:
		cfg.Path = ":memory:"
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", d)
	}
}
