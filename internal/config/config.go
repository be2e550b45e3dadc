// Package config loads the process-wide YAML config file (§6 "Config
// file surface"), grounded on the teacher's plain ReadFile+yaml.Unmarshal
// loader (internal/agents/config.go).
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Preprocessor is the Ingest Server's configuration block.
type Preprocessor struct {
	HTTPPort       int `yaml:"http_port"`
	APIPath        string `yaml:"api_path"`
	ProcessNum     int `yaml:"process_num"`
	RequestLRUSize int `yaml:"request_lru_size"`
}

// Scanner is the Per-Target Scanner defaults block.
type Scanner struct {
	MaxModuleInstance     int `yaml:"max_module_instance"`
	MaxConcurrentRequest  int `yaml:"max_concurrent_request"`
	MinRequestInterval    int `yaml:"min_request_interval"`
	MaxRequestInterval    int `yaml:"max_request_interval"`
	RequestTimeout        int `yaml:"request_timeout"`
	RetryTimes            int `yaml:"retry_times"`
}

// Monitor is the Supervisor/Rate-Scheduler block.
type Monitor struct {
	ConsolePort      int `yaml:"console_port"`
	ScheduleInterval int `yaml:"schedule_interval"`
	MaxCPU           int `yaml:"max_cpu"`
	MinCPU           int `yaml:"min_cpu"`
}

// Log configures the process logger.
type Log struct {
	Path       string `yaml:"path"`
	Level      string `yaml:"level"`
	RotateSize int    `yaml:"rotate_size"`
	RotateNum  int    `yaml:"rotate_num"`
}

// Database points at the SQLite file backing internal/store.
type Database struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"db_name"`
}

// CloudAPI configures the optional cloud reporting uploader
// (internal/cloudapi), out of scope beyond wiring its transport.
type CloudAPI struct {
	Enable     bool   `yaml:"enable"`
	BackendURL string `yaml:"backend_url"`
	AppSecret  string `yaml:"app_secret"`
	AppID      string `yaml:"app_id"`
}

// Config is the top-level YAML document (§6).
type Config struct {
	Preprocessor Preprocessor `yaml:"preprocessor"`
	Scanner      Scanner      `yaml:"scanner"`
	Monitor      Monitor      `yaml:"monitor"`
	Log          Log          `yaml:"log"`
	Database     Database     `yaml:"database"`
	CloudAPI     CloudAPI     `yaml:"cloud_api"`
}

// Default returns the built-in default configuration; every field
// missing from a loaded file is filled from this (§6 "missing keys are
// filled from defaults").
func Default() Config {
	return Config{
		Preprocessor: Preprocessor{
			HTTPPort:       8086,
			APIPath:        "/iast",
			ProcessNum:     4,
			RequestLRUSize: 1024,
		},
		Scanner: Scanner{
			MaxModuleInstance:    0,
			MaxConcurrentRequest: 5,
			MinRequestInterval:   50,
			MaxRequestInterval:   300,
			RequestTimeout:       5,
			RetryTimes:           3,
		},
		Monitor: Monitor{
			ConsolePort:      8087,
			ScheduleInterval: 5,
			MaxCPU:           80,
			MinCPU:           40,
		},
		Log: Log{
			Path:       "logs/iastscand.log",
			Level:      "info",
			RotateSize: 100,
			RotateNum:  7,
		},
		Database: Database{
			Host:   "127.0.0.1",
			Port:   0,
			DBName: "iastscand.db",
		},
		CloudAPI: CloudAPI{Enable: false},
	}
}

// Load reads path, merges it over Default() field by field, ignores
// unknown keys (yaml.Unmarshal already does, with a KnownFields pass
// to warn about them), and returns the merged Config.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	warnUnknownKeys(data)

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// warnUnknownKeys decodes data into a strict decoder purely to surface
// unknown top-level keys as warnings (§6: "unknown keys are ignored
// with a warning"); the actual merge above is lenient.
func warnUnknownKeys(data []byte) {
	var probe Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&probe); err != nil {
		fmt.Fprintf(os.Stderr, "[CONFIG] warning: %v\n", err)
	}
}

// ScheduleInterval returns Monitor.ScheduleInterval as a Duration.
func (c Config) ScheduleInterval() time.Duration {
	return time.Duration(c.Monitor.ScheduleInterval) * time.Second
}

// RequestTimeout returns Scanner.RequestTimeout as a Duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Scanner.RequestTimeout) * time.Second
}
