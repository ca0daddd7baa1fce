// Package config provides configuration loading and structs for the cohort tools.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Normalize NormalizeConfig `yaml:"normalize"`
	Query     QueryConfig     `yaml:"query"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds the record store and index artifact locations.
type StorageConfig struct {
	// Backend is "sqlite" (default) or "bolt".
	Backend      string `yaml:"backend"`
	DatabasePath string `yaml:"database_path"`
	// IndexDir holds CURRENT and the generations/ directory.
	IndexDir string `yaml:"index_dir"`
	// KeepGenerations is how many index generations survive a build, the new one included.
	KeepGenerations int `yaml:"keep_generations"`
}

// EmbeddingConfig holds encoder settings.
type EmbeddingConfig struct {
	// Backend is "auto" (ONNX, falling back to the mock encoder), "onnx", or "mock".
	Backend           string `yaml:"backend"`
	ModelPath         string `yaml:"model_path"`
	SharedLibraryPath string `yaml:"shared_library_path"`
	// VocabPath enables WordPiece tokenization; empty uses the hash tokenizer.
	VocabPath string `yaml:"vocab_path"`
	// Cased disables lowercasing in the WordPiece tokenizer.
	Cased      bool   `yaml:"cased"`
	OutputName string `yaml:"output_name"`
	ModelName  string `yaml:"model_name"`
	Version    string `yaml:"version"`
	Dimensions int    `yaml:"dimensions"`
	// MaxTokens is the model sequence length. Longer sentences are silently truncated.
	MaxTokens int `yaml:"max_tokens"`
	BatchSize int `yaml:"batch_size"`
	CacheSize int `yaml:"cache_size"`
}

// NormalizeConfig selects the zero-vector policy shared by build and query.
type NormalizeConfig struct {
	ZeroVectorPolicy string `yaml:"zero_vector_policy"`
}

// QueryConfig holds similarity query settings.
type QueryConfig struct {
	DefaultK      int `yaml:"default_k"`
	MaxK          int `yaml:"max_k"`
	ExcerptLength int `yaml:"excerpt_length"`
	// IDPadWidth zero-pads digit-only patient ids; negative disables padding.
	IDPadWidth int `yaml:"id_pad_width"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read, parsed or validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.IndexDir = expandPath(cfg.Storage.IndexDir, configDir)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	if cfg.Embedding.VocabPath != "" {
		cfg.Embedding.VocabPath = expandPath(cfg.Embedding.VocabPath, configDir)
	}
	if cfg.Embedding.SharedLibraryPath != "" {
		cfg.Embedding.SharedLibraryPath = expandPath(cfg.Embedding.SharedLibraryPath, configDir)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks enumerated values and shapes after defaults have been applied.
func Validate(cfg *Config) error {
	switch cfg.Storage.Backend {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("storage.backend must be sqlite or bolt, got %q", cfg.Storage.Backend)
	}
	switch cfg.Embedding.Backend {
	case "auto", "onnx", "mock":
	default:
		return fmt.Errorf("embedding.backend must be auto, onnx or mock, got %q", cfg.Embedding.Backend)
	}
	switch strings.ToLower(cfg.Normalize.ZeroVectorPolicy) {
	case "reject", "passthrough":
	default:
		return fmt.Errorf("normalize.zero_vector_policy must be reject or passthrough, got %q", cfg.Normalize.ZeroVectorPolicy)
	}
	if cfg.Embedding.Dimensions < 1 || cfg.Embedding.BatchSize < 1 {
		return fmt.Errorf("embedding.dimensions and embedding.batch_size must be positive")
	}
	if cfg.Embedding.MaxTokens < 2 {
		return fmt.Errorf("embedding.max_tokens must be at least 2, got %d", cfg.Embedding.MaxTokens)
	}
	if cfg.Query.DefaultK > cfg.Query.MaxK {
		return fmt.Errorf("query.default_k (%d) exceeds query.max_k (%d)", cfg.Query.DefaultK, cfg.Query.MaxK)
	}
	return nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
