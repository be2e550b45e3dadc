// Package store is the thin, typed data-access layer over SQLite that
// backs the Durable Queue, Report table, and Target Configuration
// (§4.4, §3, §4.9). It intentionally exposes only the operations named
// in the spec — no generic query interface — per the ORM-replacement
// redesign note in §9.
package store

import (
	"time"
)

// Status is an Endpoint's position in the Durable Queue lifecycle.
type Status string

const (
	StatusNew        Status = "new"
	StatusInProgress Status = "in-progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Endpoint is one row of a target's Durable Queue (§3).
type Endpoint struct {
	ID          int64
	RecordJSON  []byte
	Fingerprint string
	Status      Status
	CreatedAt   time.Time
}

// Finding is one row of a target's Report table (§3).
type Finding struct {
	ID                int64
	PluginName        string
	Description       string
	RecordsJSON       []byte
	PayloadSequenceID string
	Message           string
	Timestamp         time.Time
	Upload            bool
}

// TargetConfig is one row of the shared Config table, keyed by
// host_port (or the reserved key "default") (§3).
type TargetConfig struct {
	HostPort       string          `json:"host_port" yaml:"host_port"`
	Enabled        map[string]bool `json:"enabled" yaml:"enabled"`
	MaxConcurrent  int             `json:"max_concurrent" yaml:"max_concurrent"`
	MinIntervalMs  int             `json:"min_interval_ms" yaml:"min_interval_ms"`
	MaxIntervalMs  int             `json:"max_interval_ms" yaml:"max_interval_ms"`
	SkipRegex      string          `json:"skip_regex" yaml:"skip_regex"`
	ProxyURL       string          `json:"proxy_url" yaml:"proxy_url"`
	Version        int             `json:"version" yaml:"version"`
}

// ConfigPatch carries the subset of TargetConfig fields a caller wants
// to change via set_config (§4.9); nil pointers mean "leave as-is".
type ConfigPatch struct {
	Enabled       map[string]bool
	MaxConcurrent *int
	MinIntervalMs *int
	MaxIntervalMs *int
	SkipRegex     *string
	ProxyURL      *string
}

// DefaultTargetConfig is the factory template new targets are copied
// from on first creation (§4.9 ensures a config row, §3 "default").
func DefaultTargetConfig(hostPort string) TargetConfig {
	return TargetConfig{
		HostPort:      hostPort,
		Enabled:       map[string]bool{},
		MaxConcurrent: 5,
		MinIntervalMs: 50,
		MaxIntervalMs: 300,
		SkipRegex:     "",
		ProxyURL:      "",
		Version:       1,
	}
}
