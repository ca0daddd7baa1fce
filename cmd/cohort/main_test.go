package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/hyperjump/cohort/internal/models"
)

func TestArgsReorder(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{
			name:     "flags after id are moved first",
			args:     []string{"0001", "--k", "3"},
			expected: []string{"--k", "3", "0001"},
		},
		{
			name:     "flags first returns unchanged",
			args:     []string{"--k", "3", "0001"},
			expected: []string{"--k", "3", "0001"},
		},
		{
			name:     "id only returns unchanged",
			args:     []string{"0001"},
			expected: []string{"0001"},
		},
		{
			name:     "interleaved flags",
			args:     []string{"--config", "c.yaml", "0001", "--k=3", "--output", "json"},
			expected: []string{"--config", "c.yaml", "--k=3", "--output", "json", "0001"},
		},
		{
			name:     "double dash ends flags",
			args:     []string{"--k", "2", "--", "-7"},
			expected: []string{"--k", "2", "--", "-7"},
		},
		{
			name:     "empty args returns unchanged",
			args:     []string{},
			expected: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := argsReorder(tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("argsReorder() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestLoadConfig_prefersCwdConfigWhenDefaultPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
debug: true
storage:
  database_path: "./patients.db"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chdir(origWd) }()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	resolvedCanon, _ := filepath.EvalSymlinks(resolved)
	configPathCanon, _ := filepath.EvalSymlinks(configPath)
	if resolvedCanon != configPathCanon {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if !cfg.Debug {
		t.Error("debug should be true from cwd config.yaml")
	}
}

func TestLoadConfig_usesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
query:
  default_k: 3
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != configPath {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if cfg.Server.Port != 9000 || cfg.Query.DefaultK != 3 {
		t.Errorf("unexpected config: %+v %+v", cfg.Server, cfg.Query)
	}
}

// writeTestConfig writes a config using the mock encoder with all paths under dir.
func writeTestConfig(t *testing.T, dir, backend string) string {
	t.Helper()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
storage:
  backend: ` + backend + `
  database_path: "./data/patients.db"
  index_dir: "./data/index"
  keep_generations: 2
embedding:
  backend: mock
  dimensions: 16
  max_tokens: 32
  batch_size: 2
query:
  default_k: 2
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return configPath
}

func writeSentences(t *testing.T, dir string) string {
	t.Helper()
	sentences := []models.SentenceInput{
		{PatientID: "0001", Sentence: "Patient has type 2 diabetes and hypertension."},
		{PatientID: "0002", Sentence: "Patient presents with asthma."},
		{PatientID: "0003", Sentence: "Patient has type 2 diabetes and obesity."},
		{PatientID: "0004", Sentence: "Patient recovering from knee surgery."},
		{PatientID: "0005", Sentence: "Patient has chronic kidney disease."},
	}
	data, err := json.Marshal(sentences)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "sentences.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCmd(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_embedBuildQuery(t *testing.T) {
	for _, backend := range []string{"sqlite", "bolt"} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			configPath := writeTestConfig(t, dir, backend)
			input := writeSentences(t, dir)

			if code, _, stderr := runCmd("build", "--config", configPath); code != 1 || !strings.Contains(stderr, "No embeddings found") {
				t.Errorf("build before embed: code %d, stderr %q", code, stderr)
			}
			if code, _, stderr := runCmd("query", "--config", configPath, "0001"); code != 1 || !strings.Contains(stderr, "No index") {
				t.Errorf("query before build: code %d, stderr %q", code, stderr)
			}

			code, stdout, stderr := runCmd("embed", "--config", configPath, "--input", input)
			if code != 0 || !strings.Contains(stdout, "Embedded 5 of 5 sentences in 3 batches") {
				t.Fatalf("embed: code %d, stdout %q, stderr %q", code, stdout, stderr)
			}
			code, stdout, _ = runCmd("embed", "--config", configPath, "--input", input)
			if code != 0 || !strings.Contains(stdout, "5 skipped") {
				t.Errorf("second embed should skip: code %d, stdout %q", code, stdout)
			}

			code, stdout, stderr = runCmd("build", "--config", configPath)
			if code != 0 || !strings.Contains(stdout, "5 vectors of dimension 16") {
				t.Fatalf("build: code %d, stdout %q, stderr %q", code, stdout, stderr)
			}

			code, stdout, stderr = runCmd("query", "--config", configPath, "--output", "json", "1", "--k", "3")
			if code != 0 {
				t.Fatalf("query: code %d, stderr %q", code, stderr)
			}
			var resp models.SimilarResponse
			if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
				t.Fatalf("query output is not JSON: %v\n%s", err, stdout)
			}
			if resp.PatientID != "0001" || len(resp.Results) != 3 {
				t.Fatalf("response = %+v", resp)
			}
			for i, r := range resp.Results {
				if r.PatientID == "0001" {
					t.Error("query patient must not be in its own results")
				}
				if i > 0 && resp.Results[i-1].Score < r.Score {
					t.Errorf("results not sorted at %d", i)
				}
			}

			code, stdout, _ = runCmd("query", "--config", configPath, "0099")
			if code != 0 || !strings.Contains(stdout, "Patient 0099 not found") {
				t.Errorf("missing patient: code %d, stdout %q", code, stdout)
			}

			code, stdout, _ = runCmd("query", "--config", configPath, "0002")
			if code != 0 || !strings.Contains(stdout, "PATIENT ID") {
				t.Errorf("text query: code %d, stdout %q", code, stdout)
			}
		})
	}
}

func TestRun_importAndStatus(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, "sqlite")
	records := `[
  {"patient_id": "0001", "clinical_sentence": "Patient has asthma.", "embedding": [1, 0, 0], "embedding_version": "v1"},
  {"patient_id": "0002", "clinical_sentence": "Patient has gout.", "embedding": [0, 1, 0], "embedding_version": "v1"},
  {"patient_id": "0003", "clinical_sentence": "Patient has no vector yet."}
]`
	input := filepath.Join(dir, "records.json")
	if err := os.WriteFile(input, []byte(records), 0600); err != nil {
		t.Fatal(err)
	}

	if code, stdout, stderr := runCmd("import", "--config", configPath, "--input", input); code != 0 || !strings.Contains(stdout, "Imported 3 records") {
		t.Fatalf("import: code %d, stdout %q, stderr %q", code, stdout, stderr)
	}
	if code, _, stderr := runCmd("build", "--config", configPath); code != 0 {
		t.Fatalf("build: code %d, stderr %q", code, stderr)
	}

	code, stdout, stderr := runCmd("status", "--config", configPath, "--output", "json")
	if code != 0 {
		t.Fatalf("status: code %d, stderr %q", code, stderr)
	}
	var report statusReport
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		t.Fatalf("status output is not JSON: %v\n%s", err, stdout)
	}
	if report.Records != 3 || report.Embedded != 2 {
		t.Errorf("counts = %d/%d, want 3/2", report.Records, report.Embedded)
	}
	if report.Index == nil || report.Index.Rows != 2 || report.Index.Dimensions != 3 {
		t.Errorf("index = %+v", report.Index)
	}
	if len(report.Generations) != 1 || report.DiskUsage.Total() == 0 {
		t.Errorf("generations = %v, disk = %+v", report.Generations, report.DiskUsage)
	}

	code, stdout, _ = runCmd("status", "--config", configPath)
	if code != 0 || !strings.Contains(stdout, "3 (2 embedded)") {
		t.Errorf("text status: code %d, stdout %q", code, stdout)
	}
}

func TestRun_usage(t *testing.T) {
	if code, _, _ := runCmd(); code != 1 {
		t.Errorf("no args: code %d, want 1", code)
	}
	if code, _, stderr := runCmd("frobnicate"); code != 1 || !strings.Contains(stderr, "Unknown command") {
		t.Errorf("unknown command: code %d, stderr %q", code, stderr)
	}
	if code, stdout, _ := runCmd("version"); code != 0 || !strings.Contains(stdout, "cohort version") {
		t.Errorf("version: code %d, stdout %q", code, stdout)
	}
	if code, _, _ := runCmd("embed"); code != 2 {
		t.Errorf("embed without input: code %d, want 2", code)
	}
	if code, _, _ := runCmd("query", "--output", "xml", "0001"); code != 2 {
		t.Errorf("query with bad format: code %d, want 2", code)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1536, "1.5 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.n); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
