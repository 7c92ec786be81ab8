package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Popunder gate, resolved separately by ResolvePopunder and never rejected.
	Popunder PopunderConfig `koanf:"-"`

	// Storage
	StorageBackend string `koanf:"storage_backend"`
	DataDir        string `koanf:"data_dir"`
	RedisAddr      string `koanf:"redis_addr"`
	RedisPassword  string `koanf:"redis_password"`
	RedisDB        int    `koanf:"redis_db"`
	RedisPrefix    string `koanf:"redis_prefix"`

	// HTTP surface
	ListenAddr   string  `koanf:"listen_addr"`
	ClientCookie string  `koanf:"client_cookie"`
	AdminToken   string  `koanf:"admin_token"`
	APIRateRPS   float64 `koanf:"api_rate_rps"`
	APIRateBurst int     `koanf:"api_rate_burst"`

	// Premium sync worker pool
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// Browser used by the one-shot open command
	BrowserControlURL string `koanf:"browser_control_url"`
	BrowserHeadless   bool   `koanf:"browser_headless"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	HealthAddr      string        `koanf:"health_addr"`
	TracingEnabled  bool          `koanf:"tracing_enabled"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields. This normalises values from Docker --env-file which does not strip
// shell quoting.
func (c *Config) sanitise() {
	c.StorageBackend = stripEnvQuotes(c.StorageBackend)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.RedisAddr = stripEnvQuotes(c.RedisAddr)
	c.RedisPassword = stripEnvQuotes(c.RedisPassword)
	c.RedisPrefix = stripEnvQuotes(c.RedisPrefix)
	c.ListenAddr = stripEnvQuotes(c.ListenAddr)
	c.ClientCookie = stripEnvQuotes(c.ClientCookie)
	c.AdminToken = stripEnvQuotes(c.AdminToken)
	c.BrowserControlURL = stripEnvQuotes(c.BrowserControlURL)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"storage_backend":  "bbolt",
		"data_dir":         "/data",
		"redis_addr":       "localhost:6379",
		"redis_db":         0,
		"redis_prefix":     "adgate",
		"listen_addr":      ":8080",
		"client_cookie":    "adgate_client",
		"api_rate_rps":     5.0,
		"api_rate_burst":   10,
		"pool_workers":     2,
		"pool_queue_depth": 1024,
		"pool_max_retries": 3,
		"pool_retry_base":  "1s",
		"browser_headless": true,
		"log_level":        "info",
		"log_format":       "json",
		"metrics_enabled":  true,
		"metrics_addr":     ":9090",
		"health_addr":      ":8081",
		"tracing_enabled":  false,
		"janitor_interval": "5m",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// "." as delimiter keeps POPUNDER_MAX_PER_DAY → "popunder_max_per_day" flat
	// instead of splitting it into nested paths on "_".
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.sanitise()

	cfg.Popunder = ResolvePopunder(func(key string) string {
		return k.String(strings.ToLower(key))
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks semantic constraints on the service settings. The popunder
// section is never validated; it falls back to defaults instead.
func (c *Config) Validate() error {
	validBackends := map[string]bool{"bbolt": true, "redis": true, "memory": true}
	if !validBackends[c.StorageBackend] {
		return fmt.Errorf("STORAGE_BACKEND must be bbolt, redis, or memory; got %q", c.StorageBackend)
	}
	if c.StorageBackend == "bbolt" && c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required for the bbolt backend")
	}
	if c.StorageBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required for the redis backend")
	}

	if c.ClientCookie == "" {
		return fmt.Errorf("CLIENT_COOKIE must not be empty")
	}

	if c.APIRateRPS < 0 {
		return fmt.Errorf("API_RATE_RPS must be >= 0; got %v", c.APIRateRPS)
	}
	if c.APIRateRPS > 0 && c.APIRateBurst < 1 {
		return fmt.Errorf("API_RATE_BURST must be >= 1 when API_RATE_RPS is set; got %d", c.APIRateBurst)
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1–64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}
	if c.PoolMaxRetries < 0 {
		return fmt.Errorf("POOL_MAX_RETRIES must be >= 0; got %d", c.PoolMaxRetries)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}

	return nil
}

// fileSecretKeys lists the keys that may be supplied through a KEY_FILE path.
var fileSecretKeys = []string{
	"admin_token",
	"redis_password",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
