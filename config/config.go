// Package config loads the ariactl settings: defaults, then a TOML file, then
// ARIACTL_* environment variables. Command-line flags are applied last by
// the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ariactl/client"
	"ariactl/logging"

	"github.com/BurntSushi/toml"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ARIACTL_"

// Config is the resolved configuration.
type Config struct {
	Client       client.Config
	Registry     Registry
	Log          logging.Config
	PollInterval time.Duration
	MetricsAddr  string
	RateLimit    float64 // Calls per second; 0 disables throttling
}

// Registry selects engine discovery through etcd. Empty Endpoints means the
// static client URL is used.
type Registry struct {
	Endpoints []string
	Name      string
	Balancer  string
	Key       string
}

// Enabled reports whether discovery is configured.
func (r Registry) Enabled() bool { return len(r.Endpoints) > 0 }

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Client:       client.DefaultConfig(),
		Registry:     Registry{Name: "aria2", Balancer: "consistent-hash"},
		Log:          logging.DefaultConfig(),
		PollInterval: time.Second,
	}
}

type fileConfig struct {
	URL            string         `toml:"url"`
	Secret         string         `toml:"secret"`
	ConnectTimeout string         `toml:"connect_timeout"`
	CallTimeout    string         `toml:"call_timeout"`
	Deadline       string         `toml:"deadline"`
	PingInterval   string         `toml:"ping_interval"`
	PollInterval   string         `toml:"poll_interval"`
	MetricsAddr    string         `toml:"metrics_addr"`
	RateLimit      float64        `toml:"rate_limit"`
	Retry          retryConfig    `toml:"retry"`
	Registry       registryConfig `toml:"registry"`
	Log            logging.Config `toml:"log"`
}

type retryConfig struct {
	Attempts  int    `toml:"attempts"`
	BaseDelay string `toml:"base_delay"`
	MaxDelay  string `toml:"max_delay"`
}

type registryConfig struct {
	Endpoints []string `toml:"endpoints"`
	Name      string   `toml:"name"`
	Balancer  string   `toml:"balancer"`
	Key       string   `toml:"key"`
}

// DefaultPath is $XDG_CONFIG_HOME/ariactl/config.toml or its home fallback.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "ariactl", "config.toml")
}

// Load resolves the configuration. A missing file at path is not an error
// when path is the default location; an explicitly named file must exist.
// The result is not validated so flags can still fill in missing values.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(&cfg, path); err != nil {
			if !explicit && errors.Is(err, fs.ErrNotExist) {
				err = nil
			}
			if err != nil {
				return Config{}, err
			}
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	if meta.IsDefined("url") {
		cfg.Client.URL = strings.TrimSpace(raw.URL)
	}
	if meta.IsDefined("secret") {
		cfg.Client.Secret = raw.Secret
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("rate_limit") {
		cfg.RateLimit = raw.RateLimit
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Client.ConnectTimeout},
		{"call_timeout", raw.CallTimeout, &cfg.Client.CallTimeout},
		{"deadline", raw.Deadline, &cfg.Client.Deadline},
		{"ping_interval", raw.PingInterval, &cfg.Client.PingInterval},
		{"poll_interval", raw.PollInterval, &cfg.PollInterval},
		{"retry.base_delay", raw.Retry.BaseDelay, &cfg.Client.Retry.BaseDelay},
		{"retry.max_delay", raw.Retry.MaxDelay, &cfg.Client.Retry.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("retry", "attempts") {
		cfg.Client.Retry.MaxAttempts = raw.Retry.Attempts
	}

	if meta.IsDefined("registry", "endpoints") {
		cfg.Registry.Endpoints = normalizeList(raw.Registry.Endpoints)
	}
	if meta.IsDefined("registry", "name") {
		cfg.Registry.Name = strings.TrimSpace(raw.Registry.Name)
	}
	if meta.IsDefined("registry", "balancer") {
		cfg.Registry.Balancer = strings.TrimSpace(raw.Registry.Balancer)
	}
	if meta.IsDefined("registry", "key") {
		cfg.Registry.Key = strings.TrimSpace(raw.Registry.Key)
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = raw.Log.Level
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = raw.Log.Format
	}
	if meta.IsDefined("log", "file") {
		cfg.Log.File = raw.Log.File
	}
	if meta.IsDefined("log", "max_size_mb") {
		cfg.Log.MaxSizeMB = raw.Log.MaxSizeMB
	}
	if meta.IsDefined("log", "max_backups") {
		cfg.Log.MaxBackups = raw.Log.MaxBackups
	}
	if meta.IsDefined("log", "max_age_days") {
		cfg.Log.MaxAgeDays = raw.Log.MaxAgeDays
	}
	if meta.IsDefined("log", "compress") {
		cfg.Log.Compress = raw.Log.Compress
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get("URL"); ok {
		cfg.Client.URL = v
	}
	if v, ok := lookup(EnvPrefix + "SECRET"); ok {
		cfg.Client.Secret = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	if v, ok := get("LOG_FILE"); ok {
		cfg.Log.File = v
	}
	if v, ok := get("METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := get("ETCD_ENDPOINTS"); ok {
		cfg.Registry.Endpoints = normalizeList(strings.Split(v, ","))
	}
	if v, ok := get("ENGINE"); ok {
		cfg.Registry.Name = v
	}

	for name, dst := range map[string]*time.Duration{
		"CALL_TIMEOUT":    &cfg.Client.CallTimeout,
		"CONNECT_TIMEOUT": &cfg.Client.ConnectTimeout,
		"DEADLINE":        &cfg.Client.Deadline,
		"POLL_INTERVAL":   &cfg.PollInterval,
	} {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}
	if v, ok := get("RATE_LIMIT"); ok {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT: %w", EnvPrefix, err)
		}
		cfg.RateLimit = r
	}
	if v, ok := get("RETRY_ATTEMPTS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sRETRY_ATTEMPTS: %w", EnvPrefix, err)
		}
		cfg.Client.Retry.MaxAttempts = n
	}
	return nil
}

// Validate rejects settings the client cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Client.URL == "" && !c.Registry.Enabled() {
		errs = append(errs, errors.New("url is required when no registry is configured"))
	}
	if c.Client.CallTimeout <= 0 {
		errs = append(errs, errors.New("call_timeout must be positive"))
	}
	if c.Client.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if c.Client.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.attempts must be at least 1"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.Registry.Enabled() && c.Registry.Name == "" {
		errs = append(errs, errors.New("registry.name is required with registry.endpoints"))
	}
	return errors.Join(errs...)
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if v := strings.TrimSpace(s); v != "" {
			out = append(out, v)
		}
	}
	return out
}
