package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lazypower/memgraph/internal/apperr"
	"github.com/lazypower/memgraph/internal/engine"
)

// Config holds all memgraph configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Embedder    EmbedderConfig    `yaml:"embedder"`
	Engine      engine.Policy     `yaml:"engine"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	Bind        string   `yaml:"bind" validate:"required"`
	Port        int      `yaml:"port" validate:"gt=0,lte=65535"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type StorageConfig struct {
	Backend  string `yaml:"backend" validate:"oneof=sqlite memory dynamodb"`
	Path     string `yaml:"path"`     // sqlite; empty resolves to ~/.memgraph/memgraph.db
	Table    string `yaml:"table" validate:"required_if=Backend dynamodb"`
	Region   string `yaml:"region"`   // dynamodb; empty uses the AWS default chain
	Endpoint string `yaml:"endpoint"` // dynamodb; e.g. a local DynamoDB
}

type EmbedderConfig struct {
	Provider string        `yaml:"provider" validate:"oneof=none tfidf ollama openai"`
	URL      string        `yaml:"url" validate:"omitempty,url"`
	Model    string        `yaml:"model"`
	Dims     int           `yaml:"dims" validate:"gte=0"` // 0: provider default, 512 terms for tfidf
	APIKey   string        `yaml:"api_key"`
	Breaker  bool          `yaml:"breaker"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"` // breaker open period
}

type MaintenanceConfig struct {
	Interval time.Duration `yaml:"interval" validate:"gte=0"` // 0 disables the background tick
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37778,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
		},
		Embedder: EmbedderConfig{
			Provider: "tfidf",
			Breaker:  true,
			Timeout:  30 * time.Second,
		},
		Engine: engine.DefaultPolicy(),
		Maintenance: MaintenanceConfig{
			Interval: 15 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultPath returns ~/.memgraph/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".memgraph", "config.yaml"), nil
}

// Load reads the YAML file at path over the defaults, applies MEMGRAPH_*
// environment overrides and validates the result. A missing file is not an
// error; the defaults are used.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, apperr.Wrap(apperr.KindInvalidConfiguration, "config", fmt.Errorf("parse %s: %w", path, err))
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("MEMGRAPH_BIND", &c.Server.Bind)
	str("MEMGRAPH_STORAGE", &c.Storage.Backend)
	str("MEMGRAPH_DB_PATH", &c.Storage.Path)
	str("MEMGRAPH_DYNAMO_TABLE", &c.Storage.Table)
	str("MEMGRAPH_AWS_REGION", &c.Storage.Region)
	str("MEMGRAPH_DYNAMO_ENDPOINT", &c.Storage.Endpoint)
	str("MEMGRAPH_EMBEDDER", &c.Embedder.Provider)
	str("MEMGRAPH_EMBEDDER_URL", &c.Embedder.URL)
	str("MEMGRAPH_EMBEDDER_MODEL", &c.Embedder.Model)
	str("MEMGRAPH_API_KEY", &c.Embedder.APIKey)
	str("MEMGRAPH_LOG_LEVEL", &c.Log.Level)

	if v := os.Getenv("MEMGRAPH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return apperr.New(apperr.KindInvalidConfiguration, "config", "MEMGRAPH_PORT %q is not a number", v)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("MEMGRAPH_TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return apperr.New(apperr.KindInvalidConfiguration, "config", "MEMGRAPH_TICK_INTERVAL %q: %v", v, err)
		}
		c.Maintenance.Interval = d
	}
	return nil
}

var validate = validator.New()

// Validate checks every section, including the engine policy.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return apperr.Wrap(apperr.KindInvalidConfiguration, "config", err)
	}
	return c.Engine.Validate()
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
