// Package config handles brain-at-home configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/brain/config.yaml, /etc/brain/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "brain", "config.yaml"))
	}

	paths = append(paths, "/etc/brain/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all brain-at-home configuration.
type Config struct {
	Listen     ListenConfig    `yaml:"listen"`
	Inference  InferenceConfig `yaml:"inference"`
	WebAgent   WebAgentConfig  `yaml:"web_agent"`
	Memory     MemoryConfig    `yaml:"memory"`
	Enrichment EnrichConfig    `yaml:"enrichment"`
	DataDir    string          `yaml:"data_dir"`
	UsageDB    string          `yaml:"usage_db"`
	LogLevel   string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// InferenceConfig defines the inference backend connection and models.
type InferenceConfig struct {
	BaseURL string `yaml:"base_url"` // Ollama-compatible endpoint
	// Model is the default chat model when a request does not name one.
	Model string `yaml:"model"`
	// ClassifierModel is a small model used for routing classification.
	// Empty disables the classifier; routing falls back to the lexical
	// heuristic directly.
	ClassifierModel string `yaml:"classifier_model"`
	// TimeoutSec bounds a single non-streaming inference call.
	TimeoutSec int `yaml:"timeout_sec"`
}

// WebAgentConfig defines the web-search collaborator connection.
type WebAgentConfig struct {
	URL         string `yaml:"url"`
	ResultCount int    `yaml:"result_count"`
	TimeoutSec  int    `yaml:"timeout_sec"`
}

// MemoryConfig defines prompt assembly token budgets.
type MemoryConfig struct {
	SummaryTokens int `yaml:"summary_tokens"` // budget for the stored summary block
	FactsTokens   int `yaml:"facts_tokens"`   // budget for the facts block
	RecentTokens  int `yaml:"recent_tokens"`  // budget for the recent-turn window
	RecentTurns   int `yaml:"recent_turns"`   // max prior messages considered
}

// EnrichConfig tunes the background enrichment pipeline.
type EnrichConfig struct {
	// SummaryEveryTurns triggers summarization after this many messages
	// since the last summary boundary.
	SummaryEveryTurns int `yaml:"summary_every_turns"`
	// SummaryTokenThreshold triggers summarization when unsummarized
	// messages exceed this estimated token count.
	SummaryTokenThreshold int `yaml:"summary_token_threshold"`
	// PolishMinChars is the minimum answer length before polish is attempted.
	PolishMinChars int `yaml:"polish_min_chars"`
	// TimeoutSec bounds each individual enrichment LLM call.
	TimeoutSec int `yaml:"timeout_sec"`
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

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Inference: InferenceConfig{
			BaseURL:    "http://localhost:11434",
			Model:      "qwen3:4b",
			TimeoutSec: 120,
		},
		WebAgent: WebAgentConfig{
			ResultCount: 5,
			TimeoutSec:  45,
		},
		Memory: MemoryConfig{
			SummaryTokens: 400,
			FactsTokens:   200,
			RecentTokens:  1200,
			RecentTurns:   12,
		},
		Enrichment: EnrichConfig{
			SummaryEveryTurns:     8,
			SummaryTokenThreshold: 1500,
			PolishMinChars:        280,
			TimeoutSec:            60,
		},
		DataDir: "data",
		UsageDB: "data/usage.db",
	}
}
