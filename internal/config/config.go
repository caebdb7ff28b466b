// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the daemon configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	LLM        LLMConfig        `toml:"llm"` // Default LLM settings
	Delegation DelegationConfig `toml:"delegation"`
	Process    ProcessConfig    `toml:"process"`
	Roles      RolesConfig      `toml:"roles"`
	Storage    StorageConfig    `toml:"storage"` // Persistent storage settings
	Telemetry  TelemetryConfig  `toml:"telemetry"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Addr      string `toml:"addr"`       // Listen address (default 127.0.0.1:8377)
	SingleJob bool   `toml:"single_job"` // Legacy mode: reject a new job while one is running
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	APIKeyEnv    string `toml:"api_key_env"`
	MaxTokens    int    `toml:"max_tokens"`
	BaseURL      string `toml:"base_url"`      // Custom API endpoint (OpenRouter, LiteLLM, Ollama, LMStudio)
	Thinking     string `toml:"thinking"`      // Thinking level: auto|off|low|medium|high
	MaxRetries   int    `toml:"max_retries"`   // Max retry attempts (default 5)
	RetryBackoff string `toml:"retry_backoff"` // Max backoff duration (default "60s")
}

// DelegationConfig bounds sub-agent delegation.
type DelegationConfig struct {
	Enabled     bool `toml:"enabled"`      // Expose the delegation tool at all
	MaxDepth    int  `toml:"max_depth"`    // Root runs at depth 0 (default 2)
	MaxParallel int  `toml:"max_parallel"` // Concurrent delegations per execution (default 4)
	TimeoutSecs int  `toml:"timeout"`      // Wall-clock cap per delegation in seconds (default 300)
}

// ProcessConfig governs background process sessions.
type ProcessConfig struct {
	AllowedCommands []string `toml:"allowed_commands"` // Empty list means no process may start
	MaxSessions     int      `toml:"max_sessions"`     // Live session cap (default 16)
	BufferLimit     int      `toml:"buffer_limit"`     // Per-stream byte cap before trimming (default 1 MiB)
}

// RolesConfig locates sub-agent role definitions.
type RolesConfig struct {
	Path  string `toml:"path"`  // Roles YAML file
	Watch bool   `toml:"watch"` // Reload on file change
}

// StorageConfig contains persistent storage settings.
type StorageConfig struct {
	Path    string `toml:"path"`    // Base directory for all persistent data
	Persist bool   `toml:"persist"` // true = journal survives across runs, false = in-memory only
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool              `toml:"enabled"`
	Endpoint string            `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string            `toml:"protocol"` // grpc (default) or http
	Insecure bool              `toml:"insecure"` // Disable TLS (default false)
	Headers  map[string]string `toml:"headers"`  // Auth headers (e.g., DD-API-KEY, x-honeycomb-team)
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: "127.0.0.1:8377",
		},
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		Delegation: DelegationConfig{
			Enabled:     true,
			MaxDepth:    2,
			MaxParallel: 4,
			TimeoutSecs: 300,
		},
		Process: ProcessConfig{
			MaxSessions: 16,
			BufferLimit: 1 << 20,
		},
		Storage: StorageConfig{
			Path:    "~/.local/agentd",
			Persist: true,
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from agentd.toml in the current directory.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	return LoadFile(filepath.Join(cwd, "agentd.toml"))
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey() string {
	envVar := c.LLM.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.LLM.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

// CommandAllowed reports whether a process command passes the allow-list.
// The list matches on the command's base name, so "/bin/ls" and "ls" are
// equivalent.
func (c *Config) CommandAllowed(command string) bool {
	base := filepath.Base(command)
	for _, allowed := range c.Process.AllowedCommands {
		if allowed == command || filepath.Base(allowed) == base {
			return true
		}
	}
	return false
}
