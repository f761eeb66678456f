// CLAUDE:SUMMARY Defines mtcrawl config structs, loads YAML with a .local.yaml overlay (mergo), defaults and env overrides.
// Package config handles mtcrawl configuration from YAML files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when none is given.
const DefaultPath = "mtcrawl.yaml"

// Config is the top-level mtcrawl configuration.
type Config struct {
	Browser BrowserConfig     `yaml:"browser"`
	Crawl   CrawlConfig       `yaml:"crawl"`
	Storage StorageConfig     `yaml:"storage"`
	Remote  RemoteConfig      `yaml:"remote"`
	Mapping map[string]string `yaml:"mapping"`
	Debug   DebugConfig       `yaml:"debug"`
	API     APIConfig         `yaml:"api"`
	MCP     MCPConfig         `yaml:"mcp"`
	Log     LogConfig         `yaml:"log"`
}

// BrowserConfig controls the Chrome endpoint and the working page.
type BrowserConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	ChromePath      string        `yaml:"chrome_path"`
	ProfileDir      string        `yaml:"profile_dir"`
	StartURL        string        `yaml:"start_url"`
	Headless        bool          `yaml:"headless"`
	LaunchAttempts  int           `yaml:"launch_attempts"`
	LaunchBackoff   time.Duration `yaml:"launch_backoff"`
	CheckTimeout    time.Duration `yaml:"check_timeout"`
	EvalTimeout     time.Duration `yaml:"eval_timeout"`
	NavigateTimeout time.Duration `yaml:"navigate_timeout"`
	CloseLaunched   bool          `yaml:"close_launched"`
}

// CrawlConfig bounds navigation, queries and pagination.
type CrawlConfig struct {
	MaxPages        int           `yaml:"max_pages"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	QueryRetries    int           `yaml:"query_retries"`
	Poll            time.Duration `yaml:"poll"`
	Settle          time.Duration `yaml:"settle"`
	LoginPoll       time.Duration `yaml:"login_poll"`
	LoginTimeout    time.Duration `yaml:"login_timeout"`
	NavAttempts     int           `yaml:"nav_attempts"`
	SurfaceAttempts int           `yaml:"surface_attempts"`
}

// StorageConfig locates the local database and tunes its connection.
type StorageConfig struct {
	Path          string        `yaml:"path"`
	RetentionDays int           `yaml:"retention_days"`
	BusyTimeout   time.Duration `yaml:"busy_timeout"`
	// Synchronous is the SQLite synchronous pragma: OFF, NORMAL or FULL.
	Synchronous string `yaml:"synchronous"`
}

// RemoteConfig selects the remote sinks. Both may be enabled.
type RemoteConfig struct {
	PostgREST PostgRESTConfig `yaml:"postgrest"`
	LibSQL    LibSQLConfig    `yaml:"libsql"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

type PostgRESTConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Key     string        `yaml:"key"`
	Token   string        `yaml:"token"`
	Schema  string        `yaml:"schema"`
	Timeout time.Duration `yaml:"timeout"`
}

type LibSQLConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	Token   string `yaml:"token"`
	Migrate bool   `yaml:"migrate"`
}

type BreakerConfig struct {
	Threshold int           `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
}

// DebugConfig controls failure dumps.
type DebugConfig struct {
	Dir           string `yaml:"dir"`
	DumpOnFailure bool   `yaml:"dump_on_failure"`
}

// APIConfig controls `mtcrawl serve`. An empty PasswordHash disables
// authentication.
type APIConfig struct {
	Addr         string `yaml:"addr"`
	User         string `yaml:"user"`
	PasswordHash string `yaml:"password_hash"`
}

// MCPConfig controls `mtcrawl mcp`. An empty QUICAddr serves stdio; an
// empty certificate pair uses a self-signed one.
type MCPConfig struct {
	QUICAddr string `yaml:"quic_addr"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Error is an invalid configuration. The CLI exits with status 2 on it.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Default returns the defaults with env overrides applied.
func Default() *Config {
	var cfg Config
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg
}

// LoadFile reads path and its "<name>.local.yaml" sibling, merges the
// local file over the base, applies env overrides and defaults. At least
// one of the two files must exist.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	found := false

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		found = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	local := LocalPath(path)
	if data, err := os.ReadFile(local); err == nil {
		var override Config
		if err := yaml.Unmarshal(data, &override); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", local, err)
		}
		if err := mergo.Merge(&cfg, override, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("config: merge %s: %w", local, err)
		}
		slog.Info("config: merged local overrides", "local", local)
		found = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: read %s: %w", local, err)
	}

	if !found {
		return nil, fmt.Errorf("config: %s: %w", path, os.ErrNotExist)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// Load is LoadFile falling back to Default when neither file exists.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// LocalPath returns the override file name for path: mtcrawl.yaml gives
// mtcrawl.local.yaml.
func LocalPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MTCRAWL_REMOTE_KEY"); v != "" {
		c.Remote.PostgREST.Key = v
	}
	if v := os.Getenv("MTCRAWL_REMOTE_TOKEN"); v != "" {
		c.Remote.PostgREST.Token = v
		c.Remote.LibSQL.Token = v
	}
	if v := os.Getenv("MTCRAWL_API_PASSWORD_HASH"); v != "" {
		c.API.PasswordHash = v
	}
}

func (c *Config) applyDefaults() {
	if c.Browser.Endpoint == "" {
		c.Browser.Endpoint = "http://127.0.0.1:9222"
	}
	if c.Browser.ProfileDir == "" {
		c.Browser.ProfileDir = "data/chrome-profile"
	}
	if c.Browser.LaunchAttempts <= 0 {
		c.Browser.LaunchAttempts = 20
	}
	if c.Browser.LaunchBackoff <= 0 {
		c.Browser.LaunchBackoff = 300 * time.Millisecond
	}
	if c.Browser.CheckTimeout <= 0 {
		c.Browser.CheckTimeout = 2 * time.Second
	}
	if c.Browser.EvalTimeout <= 0 {
		c.Browser.EvalTimeout = 15 * time.Second
	}
	if c.Browser.NavigateTimeout <= 0 {
		c.Browser.NavigateTimeout = 30 * time.Second
	}
	if c.Crawl.MaxPages <= 0 {
		c.Crawl.MaxPages = 200
	}
	if c.Crawl.QueryTimeout <= 0 {
		c.Crawl.QueryTimeout = 30 * time.Second
	}
	if c.Crawl.QueryRetries <= 0 {
		c.Crawl.QueryRetries = 2
	}
	if c.Crawl.Poll <= 0 {
		c.Crawl.Poll = 500 * time.Millisecond
	}
	if c.Crawl.Settle <= 0 {
		c.Crawl.Settle = 800 * time.Millisecond
	}
	if c.Crawl.LoginPoll <= 0 {
		c.Crawl.LoginPoll = 2 * time.Second
	}
	if c.Crawl.LoginTimeout <= 0 {
		c.Crawl.LoginTimeout = 5 * time.Minute
	}
	if c.Crawl.NavAttempts <= 0 {
		c.Crawl.NavAttempts = 3
	}
	if c.Crawl.SurfaceAttempts <= 0 {
		c.Crawl.SurfaceAttempts = 10
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/mtcrawl.db"
	}
	if c.Storage.BusyTimeout <= 0 {
		c.Storage.BusyTimeout = 10 * time.Second
	}
	if c.Storage.Synchronous == "" {
		c.Storage.Synchronous = "NORMAL"
	}
	if c.Remote.PostgREST.Timeout <= 0 {
		c.Remote.PostgREST.Timeout = 15 * time.Second
	}
	if c.Remote.Breaker.Threshold <= 0 {
		c.Remote.Breaker.Threshold = 5
	}
	if c.Remote.Breaker.Cooldown <= 0 {
		c.Remote.Breaker.Cooldown = 30 * time.Second
	}
	if c.Debug.Dir == "" {
		c.Debug.Dir = "data/debug"
	}
	if c.API.Addr == "" {
		c.API.Addr = "127.0.0.1:8470"
	}
	if c.API.User == "" {
		c.API.User = "admin"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks settings the defaults cannot repair.
func (c *Config) Validate() error {
	if c.Remote.PostgREST.Enabled && c.Remote.PostgREST.URL == "" {
		return &Error{Field: "remote.postgrest.url", Reason: "required when postgrest is enabled"}
	}
	if c.Remote.LibSQL.Enabled && c.Remote.LibSQL.DSN == "" {
		return &Error{Field: "remote.libsql.dsn", Reason: "required when libsql is enabled"}
	}
	switch strings.ToUpper(c.Storage.Synchronous) {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return &Error{Field: "storage.synchronous", Reason: fmt.Sprintf("unknown mode %q", c.Storage.Synchronous)}
	}
	if (c.MCP.TLSCert == "") != (c.MCP.TLSKey == "") {
		return &Error{Field: "mcp.tls_cert", Reason: "tls_cert and tls_key go together"}
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, &Error{Field: "log.level", Reason: fmt.Sprintf("unknown level %q", s)}
}
