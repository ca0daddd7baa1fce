package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
embedding:
  dimensions: 4
  batch_size: 2
query:
  default_k: 3
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath == "" {
		t.Error("database_path should be set")
	}
	if cfg.Embedding.Dimensions != 4 || cfg.Embedding.BatchSize != 2 || cfg.Query.DefaultK != 3 {
		t.Errorf("explicit values not kept: %+v %+v", cfg.Embedding, cfg.Query)
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
}

func TestLoad_defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "debug: true\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true when set in config")
	}
	if cfg.Storage.Backend != "sqlite" || cfg.Storage.KeepGenerations != 2 {
		t.Errorf("storage defaults: %+v", cfg.Storage)
	}
	if cfg.Embedding.BatchSize != 8 || cfg.Embedding.MaxTokens != 512 || cfg.Embedding.Version != "v1" {
		t.Errorf("embedding defaults: %+v", cfg.Embedding)
	}
	if cfg.Normalize.ZeroVectorPolicy != "reject" {
		t.Errorf("zero vector policy default = %q", cfg.Normalize.ZeroVectorPolicy)
	}
	if cfg.Query.DefaultK != 5 || cfg.Query.ExcerptLength != 75 || cfg.Query.IDPadWidth != 4 {
		t.Errorf("query defaults: %+v", cfg.Query)
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	path := writeConfig(t, `
storage:
  database_path: "./data/db/patients.db"
  index_dir: "./data/index"
embedding:
  vocab_path: "./models/vocab.txt"
`)
	dir := filepath.Dir(path)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "data", "db", "patients.db"); cfg.Storage.DatabasePath != want {
		t.Errorf("DatabasePath = %q, want %q", cfg.Storage.DatabasePath, want)
	}
	if want := filepath.Join(dir, "data", "index"); cfg.Storage.IndexDir != want {
		t.Errorf("IndexDir = %q, want %q", cfg.Storage.IndexDir, want)
	}
	if want := filepath.Join(dir, "models", "vocab.txt"); cfg.Embedding.VocabPath != want {
		t.Errorf("VocabPath = %q, want %q", cfg.Embedding.VocabPath, want)
	}
	if cfg.Embedding.SharedLibraryPath != "" {
		t.Errorf("unset shared library path should stay empty, got %q", cfg.Embedding.SharedLibraryPath)
	}
}

func TestLoad_invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantSub string
	}{
		{"backend", "storage:\n  backend: postgres\n", "storage.backend"},
		{"encoder", "embedding:\n  backend: tf\n", "embedding.backend"},
		{"policy", "normalize:\n  zero_vector_policy: zero\n", "zero_vector_policy"},
		{"max tokens", "embedding:\n  max_tokens: 1\n", "max_tokens"},
		{"k", "query:\n  default_k: 10\n  max_k: 5\n", "default_k"},
		{"yaml", "server: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("expected error containing %q, got %v", tt.wantSub, err)
			}
		})
	}
}

func TestLoad_missingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSave_roundTrip(t *testing.T) {
	path := writeConfig(t, "query:\n  default_k: 7\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "saved.yaml")
	if err := Save(out, cfg); err != nil {
		t.Fatal(err)
	}
	again, err := Load(out)
	if err != nil {
		t.Fatal(err)
	}
	if again.Query.DefaultK != 7 || again.Storage.IndexDir != cfg.Storage.IndexDir {
		t.Errorf("round trip lost values: %+v", again)
	}
}
