package store

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "modernc.org/sqlite"
)

// DB is the shared SQLite handle behind the Durable Queue, Report, and
// Config tables (§3, §4.4). One process owns one DB, mirroring the
// teacher's single-file persistence model.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if absent) the SQLite database at path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite: single writer avoids SQLITE_BUSY
	if _, err := conn.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := conn.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

var identSanitizer = regexp.MustCompile(`[^A-Za-z0-9]`)

// TableNames derives a target's Durable Queue and Report table names
// from its host and port (§3: "<host>_<port>_ResultList" /
// "<host>_<port>_Report"). Hosts containing "_" are normalized to "-"
// first, per the spec's table-naming rule; any other character outside
// [A-Za-z0-9] is also folded to "-" since these names are interpolated
// into raw SQL and SQLite has no table-name bind parameter.
func TableNames(host string, port int) (queueTable, reportTable string) {
	safeHost := identSanitizer.ReplaceAllString(strings.ReplaceAll(host, "_", "-"), "-")
	base := fmt.Sprintf("t_%s_%d", safeHost, port)
	return base + "_queue", base + "_report"
}

// ConfigKey normalizes a host:port pair into the Config table's primary
// key form used by get_config/set_config (§4.9). The two reserved keys,
// "default" and "all", are passed straight through by the caller.
func ConfigKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// splitTarget parses a "host:port" target identifier, as used by every
// Queues/Reports method.
func splitTarget(target string) (host string, port int, err error) {
	idx := strings.LastIndex(target, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("store: malformed target %q: missing port", target)
	}
	host = target[:idx]
	if _, err := fmt.Sscanf(target[idx+1:], "%d", &port); err != nil {
		return "", 0, fmt.Errorf("store: malformed target %q: %w", target, err)
	}
	return host, port, nil
}
