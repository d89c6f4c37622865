// Package config loads host configuration in three layers: built-in
// defaults, then a YAML file, then environment overrides. A missing file is
// fine; defaults alone are enough to run.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig is the admin HTTP surface.
type ServerConfig struct {
	Addr         string        `yaml:"addr" env:"HOST_SERVER_ADDR"`
	ReadTimeout  time.Duration `yaml:"readTimeout" env:"HOST_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"writeTimeout" env:"HOST_SERVER_WRITE_TIMEOUT"`
	JWTSecret    string        `yaml:"jwtSecret" env:"HOST_JWT_SECRET"`
	RateLimit    float64       `yaml:"rateLimit" env:"HOST_SERVER_RATE_LIMIT"`
	RateBurst    int           `yaml:"rateBurst" env:"HOST_SERVER_RATE_BURST"`
	CORSOrigins  []string      `yaml:"corsOrigins" env:"HOST_SERVER_CORS_ORIGINS"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level" env:"HOST_LOG_LEVEL"`
	Format string `yaml:"format" env:"HOST_LOG_FORMAT"`
}

// BridgeConfig tunes the capability bridge.
type BridgeConfig struct {
	InvokeTimeout time.Duration `yaml:"invokeTimeout" env:"HOST_BRIDGE_INVOKE_TIMEOUT"`
	Concurrency   int           `yaml:"concurrency" env:"HOST_BRIDGE_CONCURRENCY"`
	RateLimit     float64       `yaml:"rateLimit" env:"HOST_BRIDGE_RATE_LIMIT"`
	RateBurst     int           `yaml:"rateBurst" env:"HOST_BRIDGE_RATE_BURST"`
}

// UpdateConfig drives the OTA pipeline.
type UpdateConfig struct {
	SourceURL    string `yaml:"sourceUrl" env:"HOST_UPDATE_SOURCE_URL"`
	PollSchedule string `yaml:"pollSchedule" env:"HOST_UPDATE_POLL_SCHEDULE"`

	// VerifyKeyHex is an optional hex-encoded ed25519 public key. When set,
	// every downloaded bundle must carry a valid signature.
	VerifyKeyHex string `yaml:"verifyKey" env:"HOST_UPDATE_VERIFY_KEY"`
}

// StoreConfig selects the installed-version store backend.
type StoreConfig struct {
	Backend       string `yaml:"backend" env:"HOST_STORE_BACKEND"`
	RedisAddr     string `yaml:"redisAddr" env:"HOST_STORE_REDIS_ADDR"`
	RedisPassword string `yaml:"redisPassword" env:"HOST_STORE_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redisDb" env:"HOST_STORE_REDIS_DB"`
	PostgresDSN   string `yaml:"postgresDsn" env:"HOST_STORE_POSTGRES_DSN"`
}

// Config is the full host configuration.
type Config struct {
	Server  ServerConfig `yaml:"server"`
	Log     LogConfig    `yaml:"log"`
	Bridge  BridgeConfig `yaml:"bridge"`
	Updates UpdateConfig `yaml:"updates"`
	Store   StoreConfig  `yaml:"store"`

	// BundleDir is where entry references resolve to payload files.
	BundleDir string `yaml:"bundleDir" env:"HOST_BUNDLE_DIR"`

	// EventBufferSize is the lifecycle event ring size.
	EventBufferSize int `yaml:"eventBufferSize" env:"HOST_EVENT_BUFFER"`

	// PromptTimeout bounds a single permission prompt.
	PromptTimeout time.Duration `yaml:"promptTimeout" env:"HOST_PROMPT_TIMEOUT"`

	// MetricsNamespace prefixes every exported metric.
	MetricsNamespace string `yaml:"metricsNamespace" env:"HOST_METRICS_NAMESPACE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			RateLimit:    50,
			RateBurst:    100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Bridge: BridgeConfig{
			InvokeTimeout: 10 * time.Second,
			Concurrency:   8,
			RateLimit:     100,
			RateBurst:     200,
		},
		Updates: UpdateConfig{
			PollSchedule: "@every 15m",
		},
		Store: StoreConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
		},
		BundleDir:        "./bundles",
		EventBufferSize:  1024,
		PromptTimeout:    30 * time.Second,
		MetricsNamespace: "miniapp_host",
	}
}

// Load reads the YAML file at path (if it exists), then applies environment
// overrides on top. A .env file in the working directory is honored for
// local runs.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best effort

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Only variables actually present in the environment override the file.
	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "redis":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store backend postgres requires a dsn")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Bridge.InvokeTimeout <= 0 {
		return fmt.Errorf("bridge invoke timeout must be positive")
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive")
	}
	return nil
}
