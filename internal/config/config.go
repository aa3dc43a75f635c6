// Package config loads botfleet.toml.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/loykin/botfleet/internal/controlplane"
	"github.com/loykin/botfleet/internal/logger"
	"github.com/loykin/botfleet/internal/probe"
	"github.com/loykin/botfleet/internal/supervisor"
	"github.com/loykin/botfleet/internal/vault"
)

// EnvPrefix prefixes environment overrides, e.g. BOTFLEET_SERVER_LISTEN.
const EnvPrefix = "BOTFLEET"

// SecretEnv is the legacy variable holding the vault secret.
const SecretEnv = "BOT_TOKEN_SECRET"

// Config is the daemon configuration.
type Config struct {
	Server  ServerConfig            `mapstructure:"server"`
	Store   StoreConfig             `mapstructure:"store"`
	Vault   vault.Config            `mapstructure:"vault"`
	Worker  supervisor.WorkerConfig `mapstructure:"worker"`
	Control ControlConfig           `mapstructure:"control"`
	Probe   ProbeConfig             `mapstructure:"probe"`
	Monitor MonitorConfig           `mapstructure:"monitor"`
	Cache   CacheConfig             `mapstructure:"cache"`
	History HistoryConfig           `mapstructure:"history"`
	Log     logger.Config           `mapstructure:"log"`

	// Shared worker environment.
	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	// GlobalEnv is Env merged with EnvFiles (and the OS env when UseOSEnv).
	GlobalEnv []string `mapstructure:"-"`
	// Path is the file the config was read from, if any.
	Path string `mapstructure:"-"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen" validate:"required"`
	BasePath string `mapstructure:"base_path" validate:"omitempty,startswith=/"`
	// APITokenHash is a bcrypt hash of the operator bearer token. Empty
	// disables authentication.
	APITokenHash string `mapstructure:"api_token_hash"`
	// PublicURL is how workers reach the daemon, e.g. ws://10.0.0.5:8080/api/ipc.
	PublicURL string `mapstructure:"public_url" validate:"omitempty,url"`
	PidFile   string `mapstructure:"pidfile"`
	LogFile   string `mapstructure:"logfile"`
}

// ControlURL is the WebSocket URL handed to workers.
func (s ServerConfig) ControlURL() string {
	if s.PublicURL != "" {
		return s.PublicURL
	}
	host, port, err := net.SplitHostPort(s.Listen)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port) + strings.TrimRight(s.BasePath, "/") + "/ipc"
}

type StoreConfig struct {
	DSN string `mapstructure:"dsn" validate:"required"`
}

type ControlConfig struct {
	// Secret keys worker tokens. Empty means tokens do not survive a daemon
	// restart and running workers must be restarted to reconnect.
	Secret      string `mapstructure:"secret"`
	MailboxSize int    `mapstructure:"mailbox_size" validate:"gte=0"`

	UpdateProfileTimeout  time.Duration `mapstructure:"update_profile_timeout"`
	UpdatePresenceTimeout time.Duration `mapstructure:"update_presence_timeout"`
	QueryProfileTimeout   time.Duration `mapstructure:"query_profile_timeout"`
	QueryMetricsTimeout   time.Duration `mapstructure:"query_metrics_timeout"`
}

// Timeouts returns the configured per-action timeouts; zero entries are
// left to the hub defaults.
func (c ControlConfig) Timeouts() map[controlplane.Action]time.Duration {
	return map[controlplane.Action]time.Duration{
		controlplane.ActionUpdateProfile:  c.UpdateProfileTimeout,
		controlplane.ActionUpdatePresence: c.UpdatePresenceTimeout,
		controlplane.ActionQueryProfile:   c.QueryProfileTimeout,
		controlplane.ActionQueryMetrics:   c.QueryMetricsTimeout,
	}
}

type ProbeConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `mapstructure:"timeout"`
	Rate    float64       `mapstructure:"rate" validate:"gte=0"`
	Burst   int           `mapstructure:"burst" validate:"gte=0"`
	// ValidateTokens checks new credentials upstream before storing them.
	ValidateTokens bool `mapstructure:"validate_tokens"`
}

// Options converts to probe options.
func (p ProbeConfig) Options() probe.Options {
	return probe.Options{BaseURL: p.BaseURL, Timeout: p.Timeout, Rate: p.Rate, Burst: p.Burst}
}

type MonitorConfig struct {
	SystemInterval   time.Duration `mapstructure:"system_interval"`
	TenantInterval   time.Duration `mapstructure:"tenant_interval"`
	ProbeConcurrency int           `mapstructure:"probe_concurrency" validate:"gte=0"`
}

type CacheConfig struct {
	// RedisURL enables snapshot publication, e.g. redis://localhost:6379/0.
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type HistoryConfig struct {
	// DSNs lists history sinks (sqlite, postgres or clickhouse).
	DSNs []string `mapstructure:"dsns"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.api_token_hash", "")
	v.SetDefault("server.public_url", "")
	v.SetDefault("store.dsn", "sqlite://botfleet.db")
	v.SetDefault("vault.write_version", string(vault.VersionV1))
	v.SetDefault("worker.command", "botfleet-worker")
	v.SetDefault("worker.run_dir", "run")
	v.SetDefault("worker.max_memory", supervisor.DefaultMaxMemory)
	v.SetDefault("worker.auto_restart", true)
	v.SetDefault("worker.restart_interval", 5*time.Second)
	v.SetDefault("worker.max_restarts", 10)
	v.SetDefault("worker.start_duration", 2*time.Second)
	v.SetDefault("worker.stop_wait", 10*time.Second)
	v.SetDefault("control.secret", "")
	v.SetDefault("control.mailbox_size", 64)
	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.base_url", probe.DefaultBaseURL)
	v.SetDefault("probe.timeout", 5*time.Second)
	v.SetDefault("probe.rate", 20.0)
	v.SetDefault("probe.burst", 10)
	v.SetDefault("probe.validate_tokens", false)
	v.SetDefault("monitor.system_interval", 5*time.Second)
	v.SetDefault("monitor.tenant_interval", 10*time.Second)
	v.SetDefault("monitor.probe_concurrency", 8)
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.ttl", time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("vault.secret", EnvPrefix+"_VAULT_SECRET", SecretEnv); err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

var validate = validator.New()

// Load reads path (optional) plus BOTFLEET_* overrides and validates the result.
// Relative worker directories and env files resolve against the config file.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v, path)
}

func decode(v *viper.Viper, path string) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.Path = path
	if path != "" {
		base := filepath.Dir(path)
		c.Worker.RunDir = resolve(base, c.Worker.RunDir)
		c.Worker.WorkDir = resolve(base, c.Worker.WorkDir)
		c.Worker.Log.File.Dir = resolve(base, c.Worker.Log.File.Dir)
		for i, f := range c.EnvFiles {
			c.EnvFiles[i] = resolve(base, f)
		}
	}
	if c.Vault.Secret == "" {
		c.Vault.Secret = vault.DefaultSecret
	}
	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if c.Vault.WriteVersion == "" {
		c.Vault.WriteVersion = vault.VersionV1
	}
	switch c.Vault.WriteVersion {
	case vault.VersionV1, vault.VersionV2:
	default:
		return nil, fmt.Errorf("invalid config: vault.write_version %q (want v1 or v2)", c.Vault.WriteVersion)
	}
	globalEnv, err := mergeEnv(c.Env, c.EnvFiles, c.UseOSEnv)
	if err != nil {
		return nil, err
	}
	c.GlobalEnv = globalEnv
	return &c, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Watch reloads path whenever it changes and passes the new configuration to
// onChange. Invalid edits are reported through onError and otherwise ignored.
// Only settings read at use time (the shared worker env) take effect without
// a restart.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	if path == "" {
		return errors.New("watch: no config file")
	}
	v, err := newViper(path)
	if err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		c, err := decode(v, path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(c)
	})
	v.WatchConfig()
	return nil
}

// LoadGlobalEnv reads only the env settings of path and merges them.
func LoadGlobalEnv(path string) ([]string, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	return c.GlobalEnv, nil
}

// mergeEnv layers the OS env (optional), env files in order, then the inline
// list; later layers win.
func mergeEnv(inline, files []string, useOS bool) ([]string, error) {
	m := make(map[string]string)
	if useOS {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				m[kv[:i]] = kv[i+1:]
			}
		}
	}
	for _, p := range files {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range inline {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// LoadEnvFile parses a simple .env file into "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile reads KEY=VALUE lines; blank lines and # comments are skipped.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.Trim(strings.TrimSpace(line[i+1:]), `"`)
			m[k] = v
		}
	}
	return m, nil
}
