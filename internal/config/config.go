package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ProviderOpenAI   = "openai"
	ProviderGemini   = "gemini"
	ProviderSimulate = "simulate"
)

// Config models stormline.yml.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Progress ProgressConfig `yaml:"progress"`
	Share    ShareConfig    `yaml:"share"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	PublicURL string `yaml:"public_url"`
}

type LLMConfig struct {
	Provider          string        `yaml:"provider"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	APIKeyEnv         string        `yaml:"api_key_env"`
	Language          string        `yaml:"language"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	SimulateDelay     time.Duration `yaml:"simulate_delay"`
	SimulateFailPhase string        `yaml:"simulate_fail_phase"`
	Gemini            GeminiConfig  `yaml:"gemini"`
}

type GeminiConfig struct {
	Backend  string `yaml:"backend"`
	Project  string `yaml:"project"`
	Location string `yaml:"location"`
}

// APIKey resolves the provider key from the configured environment variable.
func (c LLMConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
}

type PipelineConfig struct {
	Extended         bool          `yaml:"extended"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxDocumentBytes int           `yaml:"max_document_bytes"`
}

type ProgressConfig struct {
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Buffer      int           `yaml:"buffer"`
}

type ShareConfig struct {
	RetentionDays int `yaml:"retention_days"`
}

// Retention returns the purge window, zero when retention is disabled.
func (c ShareConfig) Retention() time.Duration {
	if c.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

type AuthConfig struct {
	JWTSecretEnv string `yaml:"jwt_secret_env"`
}

// JWTSecret returns the signing secret, empty when auth is disabled.
func (c AuthConfig) JWTSecret() string {
	if c.JWTSecretEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(c.JWTSecretEnv))
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderGemini:
		if c.LLM.Model == "" {
			return fmt.Errorf("config.llm.model is required for provider %s", c.LLM.Provider)
		}
	case ProviderSimulate:
	default:
		return fmt.Errorf("config.llm.provider must be one of openai, gemini, simulate")
	}
	if c.LLM.Provider == ProviderGemini {
		switch c.LLM.Gemini.Backend {
		case "api":
		case "vertex":
			if c.LLM.Gemini.Project == "" || c.LLM.Gemini.Location == "" {
				return fmt.Errorf("config.llm.gemini.project and location are required for the vertex backend")
			}
		default:
			return fmt.Errorf("config.llm.gemini.backend must be api or vertex")
		}
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("config.llm.timeout must be positive")
	}
	if c.LLM.MaxRetries < 0 {
		return fmt.Errorf("config.llm.max_retries must not be negative")
	}
	if c.LLM.SimulateDelay < 0 {
		return fmt.Errorf("config.llm.simulate_delay must not be negative")
	}
	if c.Pipeline.Timeout <= 0 {
		return fmt.Errorf("config.pipeline.timeout must be positive")
	}
	if c.Pipeline.MaxDocumentBytes <= 0 {
		return fmt.Errorf("config.pipeline.max_document_bytes must be positive")
	}
	if c.Progress.IdleTimeout < 0 {
		return fmt.Errorf("config.progress.idle_timeout must not be negative")
	}
	if c.Progress.Buffer < 2 {
		return fmt.Errorf("config.progress.buffer must be at least 2")
	}
	if c.Share.RetentionDays < 0 {
		return fmt.Errorf("config.share.retention_days must not be negative")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config.log.format must be json or text")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stormline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:3000
  base_path: /api
  public_url: ""

llm:
  provider: openai
  model: gpt-4o-mini
  base_url: ""
  api_key_env: OPENAI_API_KEY
  language: Korean
  timeout: 120s
  max_retries: 2
  retry_delay: 1s
  simulate_delay: 2s
  simulate_fail_phase: ""
  gemini:
    backend: api
    project: ""
    location: ""

pipeline:
  extended: true
  timeout: 2m
  max_document_bytes: 200000

progress:
  idle_timeout: 3m
  buffer: 64

share:
  retention_days: 180

auth:
  jwt_secret_env: STORMLINE_JWT_SECRET

log:
  level: info
  format: json
`
