// Package config handles configuration loading from JSON files and environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// Config is the root configuration structure, loaded once at startup from
// config.json and held for the lifetime of the process.
type Config struct {
	DefaultProvider string                    `json:"default_provider"`
	Providers       map[string]ProviderConfig `json:"providers"`
	MCP             MCPConfig                 `json:"mcp"`
	Cache           CacheConfig               `json:"cache"`
	Agents          AgentsConfig              `json:"agents"`
	GraphRAG        GraphRAGConfig            `json:"graph_rag"`
}

// GraphRAGConfig controls the §4.H secondary indexing loop and the file-read
// thresholds it feeds from (§4.G). Enabled gates the whole loop off
// by default: retrieval internals (embeddings, the vector store) are out of
// scope for this repo, so a disabled loop is the common case.
//
// FileReadSmallLines/FileReadLargeLines are pointers so an absent config key
// ("unset, use the package default") is distinguishable from an explicit
// `0` — §8's boundary case ("small_threshold = 0: all files go through
// curation") means a literal 0 must reach open.go unchanged rather than
// being treated the same as "not configured."
type GraphRAGConfig struct {
	Enabled            bool `json:"graph_rag_enabled"`
	FileReadSmallLines *int `json:"file_read_small_threshold"`
	FileReadLargeLines *int `json:"file_read_large_threshold"`
}

// AgentsConfig points at the directory of markdown agent definitions.
type AgentsConfig struct {
	Dir string `json:"dir"`
}

// CacheConfig holds web cache settings.
type CacheConfig struct {
	TTLHours int `json:"ttl_hours"`
}

// CacheTTLOrDefault returns the configured TTL or 24 hours if unset.
func (c CacheConfig) CacheTTLOrDefault() int {
	if c.TTLHours <= 0 {
		return 24
	}
	return c.TTLHours
}

// ProviderConfig holds LLM provider settings. Kind selects the wire format:
// "ollama" (native NDJSON /api/chat) or "lmstudio" (OpenAI-compatible SSE).
// Empty Kind defaults to "ollama" for backward compatibility with configs
// written before LM-Studio support existed.
type ProviderConfig struct {
	Kind        string  `json:"kind"`
	Endpoint    string  `json:"endpoint"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

// KindOrDefault returns the configured kind, defaulting to "ollama".
func (p ProviderConfig) KindOrDefault() string {
	if p.Kind == "" {
		return "ollama"
	}
	return p.Kind
}

// MCPConfig holds MCP proxy settings.
type MCPConfig struct {
	Upstream string `json:"upstream"`
}

// Load reads configuration from a JSON file and applies environment variable
// overrides. Unknown keys in the file are ignored (encoding/json's default
// behavior), so older and newer config files stay forward/backward compatible.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Providers: make(map[string]ProviderConfig),
	}

	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	//nolint:gosec // G304: path resolved from a validated search order, not raw user input
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider must be configured"))
	} else {
		for name, providerCfg := range c.Providers {
			errs = append(errs, validateProviderConfig(name, providerCfg)...)
		}
	}

	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("default_provider=%q does not exist in providers", c.DefaultProvider))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func validateProviderConfig(name string, cfg ProviderConfig) []error {
	var errs []error
	if cfg.Endpoint == "" {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint is required", name))
	} else if err := validateEndpoint(cfg.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint=%q is invalid: %v", name, cfg.Endpoint, err))
	}

	if cfg.Model == "" {
		errs = append(errs, fmt.Errorf("providers.%s.model is required", name))
	}

	if cfg.KindOrDefault() != "ollama" && cfg.KindOrDefault() != "lmstudio" {
		errs = append(errs, fmt.Errorf("providers.%s.kind=%q must be \"ollama\" or \"lmstudio\"", name, cfg.Kind))
	}

	if cfg.Temperature < 0.0 || cfg.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("providers.%s.temperature=%v must be between 0.0 and 2.0", name, cfg.Temperature))
	}

	return errs
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	for _, setter := range []struct {
		env   string
		apply func(string)
	}{
		{"LOCALHARNESS_MCP_ENDPOINT", func(v string) {
			if v != "" {
				cfg.MCP.Upstream = v
			}
		}},
		{"LOCALHARNESS_AGENTS_DIR", func(v string) {
			if v != "" {
				cfg.Agents.Dir = v
			}
		}},
	} {
		setter.apply(os.Getenv(setter.env))
	}
}

// DataDir returns the path to the Local Harness data directory
// (~/.config/localharness), honoring XDG_CONFIG_HOME when set.
func DataDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "localharness"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "localharness"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
