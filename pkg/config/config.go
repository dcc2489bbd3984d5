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

	"gopkg.in/yaml.v3"
)

// AppConfig is read from a YAML file under the user's home directory.
// All fields are optional; defaults are applied by Load.
//
// Example (~/.hadi/config.yaml):
//
//	server:
//	  host: 0.0.0.0
//	  port: 8000
//	llm:
//	  provider: deepseek
//	  model: deepseek-chat
//	knowledge:
//	  docs_dir: company-docs
//
// Notes:
//   - If the config file does not exist, Load returns defaults without error.
//   - If the config file exists but cannot be parsed, Load returns an error.
//   - Port must be between 1 and 65535.
//   - Secrets may be left empty and supplied through the environment
//     (DEEPSEEK_API_KEY, OPENAI_API_KEY), optionally from a .env file.
type AppConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	LLM         LLMConfig         `yaml:"llm"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Knowledge   KnowledgeConfig   `yaml:"knowledge"`
	Agent       AgentConfig       `yaml:"agent"`
	Session     SessionConfig     `yaml:"session"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	Leads       LeadsConfig       `yaml:"leads"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Admin       AdminConfig       `yaml:"admin"`
}

type ServerConfig struct {
	Host           *string  `yaml:"host"`
	Port           *int     `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// PublicURL is advertised by /embed; empty means derived from the request.
	PublicURL string `yaml:"public_url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LLMConfig selects the completion service.
type LLMConfig struct {
	Provider    string            `yaml:"provider"`
	Model       string            `yaml:"model"`
	BaseURL     string            `yaml:"base_url"`
	APIKey      string            `yaml:"api_key"`
	Temperature float32           `yaml:"temperature"`
	MaxTokens   int               `yaml:"max_tokens"`
	Timeout     time.Duration     `yaml:"timeout"`
	Extra       map[string]string `yaml:"extra,omitempty"`
}

// EmbeddingConfig selects the embedding model used by the document index.
// An empty provider disables semantic retrieval.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Region   string `yaml:"region,omitempty"`
}

type KnowledgeConfig struct {
	DocsDir         string `yaml:"docs_dir"`
	VectorStorePath string `yaml:"vector_store_path"`
	Collection      string `yaml:"collection"`
	ChunkSize       int    `yaml:"chunk_size"`
	ChunkOverlap    int    `yaml:"chunk_overlap"`
	TopK            int    `yaml:"top_k"`
}

type AgentConfig struct {
	InstructionsPath string `yaml:"instructions_path"`
	DefaultLanguage  string `yaml:"default_language"`
	// DedupeLeads submits at most one lead per session. Disabling it restores
	// submission on every turn after the session becomes ready.
	DedupeLeads *bool `yaml:"dedupe_leads"`
}

type SessionConfig struct {
	Backend string        `yaml:"backend"` // memory or redis
	MaxAge  time.Duration `yaml:"max_age"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LeadsConfig struct {
	RequestDir      string        `yaml:"request_dir"`
	SlackWebhookURL string        `yaml:"slack_webhook_url"`
	Forward         ForwardConfig `yaml:"forward"`
}

// ForwardConfig copies each lead into an external SQL database.
type ForwardConfig struct {
	Driver string `yaml:"driver"` // postgres or mysql
	DSN    string `yaml:"dsn"`
	Table  string `yaml:"table"`
}

type MaintenanceConfig struct {
	CleanupSchedule string `yaml:"cleanup_schedule"`
	ExportSchedule  string `yaml:"export_schedule"`
	ExportDir       string `yaml:"export_dir"`
}

type TelemetryConfig struct {
	Metrics      *bool  `yaml:"metrics"`
	Exporter     string `yaml:"exporter"` // none, stdout, otlp
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type AdminConfig struct {
	Token string `yaml:"token"`
}

const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 8000

	DefaultLLMProvider     = "deepseek"
	DefaultLLMModel        = "deepseek-chat"
	DefaultLLMBaseURL      = "https://api.deepseek.com/v1"
	DefaultTemperature     = 0.7
	DefaultMaxTokens       = 2048
	DefaultLLMTimeout      = 60 * time.Second
	DefaultSessionMaxAge   = 24 * time.Hour
	DefaultTopK            = 3
	DefaultLanguage        = "ar"
	DefaultCleanupSchedule = "@every 1h"
)

// Default returns a config with every default filled in.
func Default() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{AllowedOrigins: []string{"*"}},
		Log:    LogConfig{Level: "info", Format: "text"},
		LLM: LLMConfig{
			Provider:    DefaultLLMProvider,
			Model:       DefaultLLMModel,
			BaseURL:     DefaultLLMBaseURL,
			Temperature: DefaultTemperature,
			MaxTokens:   DefaultMaxTokens,
			Timeout:     DefaultLLMTimeout,
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			Model:    "text-embedding-3-small",
		},
		Knowledge: KnowledgeConfig{
			DocsDir:      "company-docs",
			Collection:   "company_docs",
			ChunkSize:    1000,
			ChunkOverlap: 200,
			TopK:         DefaultTopK,
		},
		Agent: AgentConfig{
			InstructionsPath: "Hadi.txt",
			DefaultLanguage:  DefaultLanguage,
		},
		Session: SessionConfig{Backend: "memory", MaxAge: DefaultSessionMaxAge},
		Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "hadi:session:"},
		Database: DatabaseConfig{
			Path: "hadi_data.db",
		},
		Leads: LeadsConfig{
			RequestDir: "requests",
			Forward:    ForwardConfig{Table: "leads"},
		},
		Maintenance: MaintenanceConfig{
			CleanupSchedule: DefaultCleanupSchedule,
			ExportDir:       "exports",
		},
		Telemetry: TelemetryConfig{Exporter: "none", ServiceName: "hadi"},
	}
}

// DefaultPaths returns the config dir and config file path.
func DefaultPaths() (configDir string, configFile string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("get user home dir: %w", err)
	}
	configDir = filepath.Join(home, ".hadi")
	configFile = filepath.Join(configDir, "config.yaml")
	return configDir, configFile, nil
}

// Load reads ~/.hadi/config.yaml.
// If the file doesn't exist, it returns a default config and nil error.
func Load() (*AppConfig, string, error) {
	_, configFile, err := DefaultPaths()
	if err != nil {
		return nil, "", err
	}
	return LoadFrom(configFile)
}

// LoadFrom reads the given file, overlays it on the defaults, and then
// applies environment overrides.
func LoadFrom(configFile string) (*AppConfig, string, error) {
	cfg := Default()

	b, err := os.ReadFile(configFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("read config file %s: %w", configFile, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, "", fmt.Errorf("parse yaml config %s: %w", configFile, err)
		}
	}

	cfg.applyEnv()

	// Validate
	host := cfg.Host()
	if strings.TrimSpace(host) == "" {
		return nil, "", fmt.Errorf("invalid server.host (empty) in %s", configFile)
	}

	port := cfg.Port()
	if port < 1 || port > 65535 {
		return nil, "", fmt.Errorf("invalid server.port %d in %s", port, configFile)
	}

	switch cfg.Session.Backend {
	case "memory", "redis":
	default:
		return nil, "", fmt.Errorf("invalid session.backend %q in %s", cfg.Session.Backend, configFile)
	}

	if cfg.Knowledge.TopK <= 0 {
		cfg.Knowledge.TopK = DefaultTopK
	}
	if cfg.Session.MaxAge <= 0 {
		cfg.Session.MaxAge = DefaultSessionMaxAge
	}
	if cfg.LLM.Timeout <= 0 {
		cfg.LLM.Timeout = DefaultLLMTimeout
	}

	return cfg, configFile, nil
}

// applyEnv fills secrets and deployment knobs from the environment.
func (c *AppConfig) applyEnv() {
	if c.LLM.APIKey == "" {
		switch c.LLM.Provider {
		case "deepseek":
			c.LLM.APIKey = os.Getenv("DEEPSEEK_API_KEY")
		case "openai", "custom":
			c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "google":
			c.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if c.Embedding.APIKey == "" && (c.Embedding.Provider == "openai" || c.Embedding.Provider == "custom") {
		c.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	for _, k := range []string{"HADI_PORT", "PORT"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			if p, err := strconv.Atoi(v); err == nil {
				c.Server.Port = ptr(p)
				break
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("HADI_DB_PATH")); v != "" {
		c.Database.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("HADI_ADMIN_TOKEN")); v != "" {
		c.Admin.Token = v
	}
}

// EnsureDefaultConfig writes a default config file if it doesn't already exist.
// It is safe to call on startup.
func EnsureDefaultConfig() (string, error) {
	configDir, configFile, err := DefaultPaths()
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(configFile); err == nil {
		return configFile, nil
	}

	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return "", fmt.Errorf("create config dir %s: %w", configDir, err)
	}

	defaultCfg := Default()
	defaultCfg.Server.Host = ptr(DefaultHost)
	defaultCfg.Server.Port = ptr(DefaultPort)
	defaultCfg.Agent.DedupeLeads = ptr(true)
	defaultCfg.Telemetry.Metrics = ptr(true)
	b, err := yaml.Marshal(defaultCfg)
	if err != nil {
		return "", fmt.Errorf("marshal default config: %w", err)
	}

	// Secrets land in this file, so keep it private.
	if err := os.WriteFile(configFile, b, 0o600); err != nil {
		return "", fmt.Errorf("write default config file %s: %w", configFile, err)
	}

	return configFile, nil
}

func (c *AppConfig) Host() string {
	if c == nil {
		return DefaultHost
	}
	if c.Server.Host == nil {
		return DefaultHost
	}
	v := strings.TrimSpace(*c.Server.Host)
	if v == "" {
		return DefaultHost
	}
	return v
}

func (c *AppConfig) Port() int {
	if c == nil {
		return DefaultPort
	}
	if c.Server.Port == nil {
		return DefaultPort
	}
	return *c.Server.Port
}

// DedupeLeads defaults to true.
func (c *AppConfig) DedupeLeads() bool {
	if c == nil || c.Agent.DedupeLeads == nil {
		return true
	}
	return *c.Agent.DedupeLeads
}

// MetricsEnabled defaults to true.
func (c *AppConfig) MetricsEnabled() bool {
	if c == nil || c.Telemetry.Metrics == nil {
		return true
	}
	return *c.Telemetry.Metrics
}

func ptr[T any](v T) *T { return &v }
