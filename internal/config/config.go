// Package config loads auditia.yaml and applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lexcodex/auditia/agents"
	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/internal/logging"
)

// DefaultPath is the config file looked up in the working directory.
const DefaultPath = "auditia.yaml"

// Storage backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config matches auditia.yaml.
type Config struct {
	Server    ServerConfig                   `yaml:"server"`
	Storage   StorageConfig                  `yaml:"storage"`
	Models    ModelsConfig                   `yaml:"models"`
	Agents    map[string]agents.SpecOverride `yaml:"agents,omitempty"`
	Audit     AuditConfig                    `yaml:"audit"`
	Logging   logging.Config                 `yaml:"logging"`
	Telemetry TelemetryConfig                `yaml:"telemetry"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	// AllowedOrigins is checked on websocket upgrades; empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// StorageConfig selects where cases, reports and sessions live.
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Dir       string `yaml:"dir"`
	UploadDir string `yaml:"upload_dir"`
}

// ModelsConfig carries provider credentials and the default model.
type ModelsConfig struct {
	Default         string            `yaml:"default"`
	GeminiAPIKey    string            `yaml:"gemini_api_key,omitempty"`
	AnthropicAPIKey string            `yaml:"anthropic_api_key,omitempty"`
	OpenAIAPIKey    string            `yaml:"openai_api_key,omitempty"`
	OllamaEndpoint  string            `yaml:"ollama_endpoint,omitempty"`
	OllamaModel     string            `yaml:"ollama_model,omitempty"`
	IDs             map[string]string `yaml:"ids,omitempty"`
}

// AuditConfig sizes the in-memory audit trail.
type AuditConfig struct {
	Capacity int `yaml:"capacity"`
}

// TelemetryConfig adds sinks beyond the debug log.
type TelemetryConfig struct {
	// File receives every telemetry event as a JSON line.
	File string `yaml:"file,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8000",
			HandlerTimeout: 5 * time.Minute,
		},
		Storage: StorageConfig{
			Backend:   BackendFile,
			Dir:       "tmp",
			UploadDir: "uploads",
		},
		Models: ModelsConfig{Default: "gemini"},
		Audit:  AuditConfig{Capacity: framework.DefaultAuditCapacity},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config missing")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, keys ...string) {
		for _, key := range keys {
			if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
				*dst = value
				return
			}
		}
	}
	set(&c.Server.Addr, "AUDITIA_ADDR")
	set(&c.Storage.Backend, "AUDITIA_STORAGE")
	set(&c.Storage.Dir, "AUDITIA_DATA_DIR")
	set(&c.Models.Default, "AUDITIA_DEFAULT_MODEL")
	set(&c.Models.GeminiAPIKey, "GEMINI_API_KEY", "GOOGLE_API_KEY")
	set(&c.Models.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	set(&c.Models.OpenAIAPIKey, "OPENAI_API_KEY")
	set(&c.Models.OllamaEndpoint, "OLLAMA_ENDPOINT")
	set(&c.Models.OllamaModel, "OLLAMA_MODEL")
	set(&c.Telemetry.File, "AUDITIA_TELEMETRY_FILE")
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if strings.TrimSpace(c.Storage.Dir) == "" {
		return errors.New("storage.dir is empty")
	}
	if c.Server.HandlerTimeout < 0 {
		return errors.New("server.handler_timeout is negative")
	}
	_, err := c.Overrides()
	return err
}

// Overrides converts the agents section into per-tier overrides.
func (c *Config) Overrides() (map[framework.Tier]agents.SpecOverride, error) {
	out := make(map[framework.Tier]agents.SpecOverride, len(c.Agents))
	for name, override := range c.Agents {
		tier, ok, err := framework.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("agents.%s: %w", name, err)
		}
		if !ok {
			return nil, fmt.Errorf("agents.%s: not a tier", name)
		}
		out[tier] = override
	}
	return out, nil
}

// SessionsDir is where the file backend keeps sessions.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Storage.Dir, "sessions")
}

// DatabasePath is the sqlite file used by the sqlite backend.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Storage.Dir, "auditia.db")
}
