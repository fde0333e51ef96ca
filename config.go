package litequery

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ThreadingMode records the engine threading mode a Config was opened
// with. litequery only ever opens connections in multi-thread mode since
// per-connection serialization is its own contract (spec §6), but the
// field is carried for interface fidelity with the configuration table
// the core specifies.
type ThreadingMode uint8

const (
	ThreadingModeMultiThread ThreadingMode = iota
)

// TraceFunc receives the exact SQL text of every statement the connection
// executes through a Statement, a Tx, or InTransaction's own
// BEGIN/COMMIT/ROLLBACK — everything dispatched via the ConnectionSerializer
// that opened with this Config.
type TraceFunc func(sql string)

// Config is the recognized set of connection-open options (spec §6).
type Config struct {
	// Path is the SQLite file path, or ":memory:" for an in-memory
	// database.
	Path string

	ReadOnly           bool
	ForeignKeysEnabled bool
	BusyTimeoutMS      int
	ThreadingMode      ThreadingMode
	Label              string
	Trace              TraceFunc
}

// DefaultConfig returns a Config with the engine's recommended defaults:
// foreign keys on, a 5 second busy timeout.
func DefaultConfig(path string) Config {
	return Config{
		Path:               path,
		ForeignKeysEnabled: true,
		BusyTimeoutMS:      5000,
		ThreadingMode:      ThreadingModeMultiThread,
	}
}

// dsn renders the configuration as a mattn/go-sqlite3 data source name.
// Pragmas that the driver supports as query parameters are emitted there.
// foreign_keys is additionally issued as an explicit PRAGMA by the
// ConnectionSerializer's connect hook; busy_timeout is set only through the
// DSN parameter.
func (c Config) dsn() string {
	v := url.Values{}
	if c.ReadOnly {
		v.Set("mode", "ro")
	}
	if c.BusyTimeoutMS > 0 {
		v.Set("_busy_timeout", strconv.Itoa(c.BusyTimeoutMS))
	}
	if c.ForeignKeysEnabled {
		v.Set("_foreign_keys", "on")
	}
	if len(v) == 0 {
		return c.Path
	}
	return fmt.Sprintf("%s?%s", c.Path, v.Encode())
}

func (c Config) label() string {
	if c.Label != "" {
		return c.Label
	}
	if c.Path == "" {
		return "litequery"
	}
	parts := strings.Split(c.Path, "/")
	return parts[len(parts)-1]
}
