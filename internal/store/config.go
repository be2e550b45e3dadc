package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Configs is the single shared Config table keyed by host_port, plus
// the two reserved keys "default" (the template new targets copy from)
// and "all", which List skips and nothing in this package applies to
// other targets (§3, §4.9).
type Configs struct {
	db *sql.DB
}

const configTable = "config"

// NewConfigs wraps the shared DB connection and ensures the table
// exists.
func NewConfigs(db *DB) (*Configs, error) {
	c := &Configs{db: db.conn}
	if _, err := c.db.Exec(fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			payload_json BLOB NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)
	`, configTable)); err != nil {
		return nil, fmt.Errorf("store: create config table: %w", err)
	}
	if err := c.ensureDefault(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Configs) ensureDefault() error {
	_, err := c.Get("default")
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}
	def := DefaultTargetConfig("default")
	return c.insert("default", def)
}

func (c *Configs) insert(key string, cfg TargetConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = c.db.Exec(fmt.Sprintf(`
		INSERT OR IGNORE INTO %s (key, payload_json, version) VALUES (?, ?, ?)
	`, configTable), key, payload, cfg.Version)
	return err
}

// Get loads the config row for key ("default", "all", or a host:port
// string). Returns sql.ErrNoRows if absent.
func (c *Configs) Get(key string) (*TargetConfig, error) {
	var payload []byte
	err := c.db.QueryRow(fmt.Sprintf(`SELECT payload_json FROM %s WHERE key = ?`, configTable), key).Scan(&payload)
	if err != nil {
		return nil, err
	}
	var cfg TargetConfig
	if err := json.Unmarshal(payload, &cfg); err != nil {
		return nil, fmt.Errorf("store: decode config %s: %w", key, err)
	}
	return &cfg, nil
}

// GetOrDefault loads key's config, falling back to a copy of "default"
// (with key substituted in) if key has no row of its own yet.
func (c *Configs) GetOrDefault(key string) (*TargetConfig, error) {
	cfg, err := c.Get(key)
	if err == nil {
		return cfg, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	def, err := c.Get("default")
	if err != nil {
		return nil, err
	}
	copied := *def
	copied.HostPort = key
	return &copied, nil
}

// Set applies patch to key's config, creating it from "default" if it
// doesn't exist yet, and bumps the version counter (§4.9: set_config
// must be observable by a running scanner's config-version-triggered
// reload).
func (c *Configs) Set(key string, patch ConfigPatch) (*TargetConfig, error) {
	cfg, err := c.GetOrDefault(key)
	if err != nil {
		return nil, err
	}
	applyPatch(cfg, patch)
	cfg.Version++

	payload, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	_, err = c.db.Exec(fmt.Sprintf(`
		INSERT INTO %s (key, payload_json, version) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload_json=excluded.payload_json, version=excluded.version
	`, configTable), key, payload, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("store: set config %s: %w", key, err)
	}
	return cfg, nil
}

func applyPatch(cfg *TargetConfig, patch ConfigPatch) {
	if patch.Enabled != nil {
		if cfg.Enabled == nil {
			cfg.Enabled = map[string]bool{}
		}
		for k, v := range patch.Enabled {
			cfg.Enabled[k] = v
		}
	}
	if patch.MaxConcurrent != nil {
		cfg.MaxConcurrent = *patch.MaxConcurrent
	}
	if patch.MinIntervalMs != nil {
		cfg.MinIntervalMs = *patch.MinIntervalMs
	}
	if patch.MaxIntervalMs != nil {
		cfg.MaxIntervalMs = *patch.MaxIntervalMs
	}
	if patch.SkipRegex != nil {
		cfg.SkipRegex = *patch.SkipRegex
	}
	if patch.ProxyURL != nil {
		cfg.ProxyURL = *patch.ProxyURL
	}
}

// List returns every non-reserved target's config (for list_targets,
// §4.9).
func (c *Configs) List() ([]*TargetConfig, error) {
	rows, err := c.db.Query(fmt.Sprintf(`SELECT payload_json FROM %s WHERE key NOT IN ('default', 'all')`, configTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TargetConfig
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cfg TargetConfig
		if err := json.Unmarshal(payload, &cfg); err != nil {
			return nil, err
		}
		out = append(out, &cfg)
	}
	return out, rows.Err()
}
