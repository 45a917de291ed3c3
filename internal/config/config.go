// Package config handles AIR Coach configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./aircoach.yaml, ~/.config/aircoach/aircoach.yaml, /etc/aircoach/aircoach.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"aircoach.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aircoach", "aircoach.yaml"))
	}

	paths = append(paths, "/etc/aircoach/aircoach.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all AIR Coach configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Auth0     Auth0Config     `yaml:"auth0"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Memory    MemoryConfig    `yaml:"memory"`
	DataDir   string          `yaml:"data_dir"`
	APIToken  string          `yaml:"api_token"` // bearer secret for /api/stream_query and operator endpoints; empty disables the guard
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// GeminiConfig defines the LLM engine settings.
type GeminiConfig struct {
	APIKey    string  `yaml:"api_key"`
	Model     string  `yaml:"model"`
	BaseURL   string  `yaml:"base_url"` // override for tests; empty uses the public endpoint
	MaxTokens int     `yaml:"max_tokens"`
	Temp      float64 `yaml:"temperature"`
}

// Auth0Config defines the identity provider connection.
type Auth0Config struct {
	Domain string `yaml:"domain"` // e.g. tenant.eu.auth0.com
	Token  string `yaml:"token"`  // Management API token for user metadata reads
}

// KnowledgeConfig defines where the knowledge-base documents come from.
// Docs is a directory of markdown files combined into the system prompt;
// URL is an alternative HTTP source returning the combined blob.
type KnowledgeConfig struct {
	Docs string `yaml:"docs"`
	URL  string `yaml:"url"`
}

// MemoryConfig defines conversational memory limits.
type MemoryConfig struct {
	// HistoryLimit is the maximum number of conversational turns sent
	// to the model. Stored history is never trimmed; this bounds only
	// the view. Default 10, overridable via the HISTORY_LIMIT env var.
	HistoryLimit int `yaml:"history_limit"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Gemini: GeminiConfig{
			Model:     "gemini-2.5-flash",
			MaxTokens: 4096,
			Temp:      0.7,
		},
		Memory:  MemoryConfig{HistoryLimit: 10},
		DataDir: ".",
	}
}

// applyEnv overlays the environment-provided overrides documented for
// operators. Only HISTORY_LIMIT is honored; everything else lives in YAML.
func (c *Config) applyEnv() {
	if v := os.Getenv("HISTORY_LIMIT"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			c.Memory.HistoryLimit = n
		}
	}
	if c.Memory.HistoryLimit <= 0 {
		c.Memory.HistoryLimit = 10
	}
}
