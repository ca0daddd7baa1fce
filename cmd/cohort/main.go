// Package main is the cohort CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/cohort/internal/cli"
	"github.com/hyperjump/cohort/internal/config"
	"github.com/hyperjump/cohort/internal/embedding"
	"github.com/hyperjump/cohort/internal/indexer"
	"github.com/hyperjump/cohort/internal/models"
	"github.com/hyperjump/cohort/internal/normalize"
	"github.com/hyperjump/cohort/internal/search"
	"github.com/hyperjump/cohort/internal/server"
	"github.com/hyperjump/cohort/internal/storage"
	"github.com/hyperjump/cohort/internal/vector"
	"github.com/hyperjump/cohort/internal/watcher"
	"github.com/hyperjump/cohort/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/cohort/config.yaml"

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 1
	}
	command, rest := args[0], args[1:]
	switch command {
	case "embed":
		return runEmbed(rest, stdout, stderr)
	case "import":
		return runImport(rest, stdout, stderr)
	case "build":
		return runBuild(rest, stdout, stderr)
	case "query":
		return runQuery(rest, stdout, stderr)
	case "serve", "server":
		return runServe(rest, stderr)
	case "status":
		return runStatus(rest, stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "cohort version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", command)
		printUsage(stderr)
		return 1
	}
}

// session holds what every subcommand needs after flag parsing.
type session struct {
	cfg    *config.Config
	logger *zap.Logger
	debug  bool
}

func openSession(configPath string, debugFlag bool, stderr io.Writer) (*session, bool) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return nil, false
	}
	debugMode := cfg.Debug || debugFlag
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to create logger: %v\n", err)
		return nil, false
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))
	return &session{cfg: cfg, logger: logger, debug: debugMode}, true
}

func runEmbed(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("embed", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	input := fs.String("input", "", "JSON file of {\"patient_id\", \"sentence\"} objects")
	force := fs.Bool("force", false, "re-embed records already embedded with the current model version")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *input == "" {
		fmt.Fprintln(stderr, "embed: --input is required")
		return 2
	}
	s, ok := openSession(*configPath, *debug, stderr)
	if !ok {
		return 1
	}
	defer s.logger.Sync()

	inputs, err := indexer.LoadSentences(*input)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to read input: %v\n", err)
		return 1
	}
	components, err := initializeComponents(s.cfg, s.logger, true)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize: %v\n", err)
		return 1
	}
	defer components.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	stats, err := components.Indexer.EmbedSentences(ctx, inputs, *force)
	if err != nil {
		if stats != nil {
			fmt.Fprintf(stderr, "Embedding stopped after %d records; rerun to resume.\n", stats.Embedded)
		}
		fmt.Fprintf(stderr, "Embedding failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Embedded %d of %d sentences in %d batches (%d skipped, %d invalid) with %s\n",
		stats.Embedded, stats.Total, stats.Batches, stats.Skipped, stats.Invalid, components.Encoder.ModelName())
	return 0
}

func runImport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	input := fs.String("input", "", "JSON file of patient records")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *input == "" {
		fmt.Fprintln(stderr, "import: --input is required")
		return 2
	}
	s, ok := openSession(*configPath, false, stderr)
	if !ok {
		return 1
	}
	defer s.logger.Sync()

	records, err := indexer.LoadRecords(*input)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to read input: %v\n", err)
		return 1
	}
	components, err := initializeComponents(s.cfg, s.logger, false)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize: %v\n", err)
		return 1
	}
	defer components.Close()

	n, err := components.Indexer.ImportRecords(context.Background(), records)
	if err != nil {
		fmt.Fprintf(stderr, "Import failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Imported %d records\n", n)
	return 0
}

func runBuild(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	keep := fs.Int("keep", 0, "index generations to keep (default from config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	s, ok := openSession(*configPath, false, stderr)
	if !ok {
		return 1
	}
	defer s.logger.Sync()
	if *keep <= 0 {
		*keep = s.cfg.Storage.KeepGenerations
	}

	components, err := initializeComponents(s.cfg, s.logger, false)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize: %v\n", err)
		return 1
	}
	defer components.Close()

	result, err := components.Indexer.BuildIndex(context.Background(), s.cfg.Storage.IndexDir, *keep)
	if errors.Is(err, models.ErrEmptyInput) {
		fmt.Fprintln(stderr, "No embeddings found in the record store. Run 'cohort embed' first.")
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "Build failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Built index generation %s: %d vectors of dimension %d in %s\n",
		result.Generation, result.Rows, result.Dimensions, result.Duration.Round(time.Millisecond))
	for _, gen := range result.Pruned {
		fmt.Fprintf(stdout, "Pruned generation %s\n", gen)
	}
	return 0
}

// argsReorder moves flags (and their values) in front of the positional arguments so that
// flag.Parse sees them: "cohort query 0001 --k 3". Every query flag takes a value, so a flag
// without "=" consumes the next argument.
func argsReorder(args []string) []string {
	flags := make([]string, 0, len(args))
	var positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--":
			positional = append(positional, args[i+1:]...)
			i = len(args)
		case len(a) > 1 && a[0] == '-':
			flags = append(flags, a)
			if !strings.Contains(a, "=") && i+1 < len(args) {
				flags = append(flags, args[i+1])
				i++
			}
		default:
			positional = append(positional, a)
		}
	}
	for _, p := range positional {
		if strings.HasPrefix(p, "-") {
			flags = append(flags, "--")
			break
		}
	}
	return append(flags, positional...)
}

func printQueryUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: cohort query [flags] <patient-id>\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Digit-only ids are zero-padded to query.id_pad_width, so "7" and "0007" are the same patient.

Examples:
  cohort query 0001
  cohort query --k 10 --output json 42
`)
}

func runQuery(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	k := fs.Int("k", 0, "number of similar patients (default from config)")
	outputFormat := fs.String("output", "text", "output format: text, compact, or json")
	fs.Usage = func() { printQueryUsage(fs) }
	if err := fs.Parse(argsReorder(args)); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		printQueryUsage(fs)
		return 2
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	s, ok := openSession(*configPath, false, stderr)
	if !ok {
		return 1
	}
	defer s.logger.Sync()

	components, err := initializeComponents(s.cfg, s.logger, false)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize: %v\n", err)
		return 1
	}
	defer components.Close()

	if err := components.Engine.Reload(s.cfg.Storage.IndexDir); err != nil {
		if errors.Is(err, models.ErrNoArtifact) {
			fmt.Fprintln(stderr, "No index has been built yet. Run 'cohort build' first.")
		} else {
			fmt.Fprintf(stderr, "Failed to load index: %v\n", err)
		}
		return 1
	}

	query := &models.SimilarQuery{PatientID: fs.Arg(0), K: *k}
	response, err := components.Engine.FindSimilar(context.Background(), query)
	if models.IsNotFound(err) {
		fmt.Fprintf(stdout, "Patient %s not found or has no embedding.\n", query.PatientID)
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Query failed: %v\n", err)
		return 1
	}
	if err := cli.WriteSimilarResults(stdout, response, format); err != nil {
		fmt.Fprintf(stderr, "Output failed: %v\n", err)
		return 1
	}
	return 0
}

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	noWatch := fs.Bool("no-watch", false, "do not reload the index when a new generation is published")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	s, ok := openSession(*configPath, *debug, stderr)
	if !ok {
		return 1
	}
	defer s.logger.Sync()
	logger := s.logger

	components, err := initializeComponents(s.cfg, logger, false)
	if err != nil {
		logger.Error("Failed to initialize components", zap.Error(err))
		return 1
	}
	defer components.Close()

	indexDir := s.cfg.Storage.IndexDir
	if err := components.Engine.Reload(indexDir); err != nil {
		if !errors.Is(err, models.ErrNoArtifact) {
			logger.Error("Failed to load index", zap.Error(err))
			return 1
		}
		logger.Warn("no index generation published yet; similarity queries return 503 until one is built",
			zap.String("index_dir", indexDir))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if !*noWatch {
		watchOpts := []watcher.WatcherOption{}
		if s.debug {
			watchOpts = append(watchOpts, watcher.WithLogger(logger))
		}
		aw := watcher.NewArtifactWatcher(indexDir, func() {
			if err := components.Engine.Reload(indexDir); err != nil {
				logger.Warn("index reload failed; keeping previous generation", zap.Error(err))
			}
		}, watchOpts...)
		if err := aw.Start(ctx); err != nil {
			logger.Error("Failed to start index watcher", zap.Error(err))
			return 1
		}
		defer aw.Stop()
	}

	srv := server.NewServer(components.Engine, components.Store, s.cfg, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		logger.Error("Server failed", zap.Error(err))
		return 1
	case <-ctx.Done():
	}

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
	return 0
}

// statusReport is the shape of the status command's JSON output.
type statusReport struct {
	Records     int64               `json:"records"`
	Embedded    int64               `json:"embedded"`
	Index       *models.IndexStatus `json:"index"`
	IndexError  string              `json:"index_error,omitempty"`
	Generations []string            `json:"generations"`
	DiskUsage   storage.DiskUsage   `json:"disk_usage"`
	Backend     string              `json:"storage_backend"`
	ModelName   string              `json:"model_name"`
	Version     string              `json:"model_version"`
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	outputFormat := fs.String("output", "text", "output format: text or json")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	s, ok := openSession(*configPath, false, stderr)
	if !ok {
		return 1
	}
	defer s.logger.Sync()

	components, err := initializeComponents(s.cfg, s.logger, false)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize: %v\n", err)
		return 1
	}
	defer components.Close()

	ctx := context.Background()
	report := statusReport{
		Backend:   s.cfg.Storage.Backend,
		ModelName: s.cfg.Embedding.ModelName,
		Version:   s.cfg.Embedding.Version,
	}
	if report.Records, err = components.Store.CountRecords(ctx); err != nil {
		fmt.Fprintf(stderr, "Failed to count records: %v\n", err)
		return 1
	}
	if report.Embedded, err = components.Store.CountEmbedded(ctx); err != nil {
		fmt.Fprintf(stderr, "Failed to count embeddings: %v\n", err)
		return 1
	}
	if snap, err := vector.Load(s.cfg.Storage.IndexDir); err == nil {
		st := snap.Status()
		report.Index = &st
	} else if !errors.Is(err, models.ErrNoArtifact) {
		report.IndexError = err.Error()
	}
	if gens, err := vector.Generations(s.cfg.Storage.IndexDir); err == nil {
		report.Generations = gens
	}
	if usage, err := storage.MeasureDiskUsage(s.cfg.Storage.DatabasePath, s.cfg.Storage.IndexDir); err == nil {
		report.DiskUsage = usage
	}

	if strings.EqualFold(*outputFormat, "json") {
		if err := cli.WriteJSON(stdout, report); err != nil {
			fmt.Fprintf(stderr, "Output failed: %v\n", err)
			return 1
		}
		return 0
	}
	writeStatusText(stdout, &report)
	return 0
}

func writeStatusText(w io.Writer, r *statusReport) {
	fmt.Fprintf(w, "Records:        %d (%d embedded)\n", r.Records, r.Embedded)
	fmt.Fprintf(w, "Storage:        %s\n", r.Backend)
	fmt.Fprintf(w, "Model:          %s (%s)\n", r.ModelName, r.Version)
	switch {
	case r.Index != nil:
		fmt.Fprintf(w, "Index:          %s, %d rows x %d dims, %s, built %s\n",
			r.Index.Generation, r.Index.Rows, r.Index.Dimensions, r.Index.Metric, r.Index.BuiltAt.Format(time.RFC3339))
	case r.IndexError != "":
		fmt.Fprintf(w, "Index:          unreadable (%s)\n", r.IndexError)
	default:
		fmt.Fprintln(w, "Index:          not built")
	}
	fmt.Fprintf(w, "Generations:    %d on disk\n", len(r.Generations))
	fmt.Fprintf(w, "Disk usage:     %s (database %s, index %s)\n",
		formatBytes(r.DiskUsage.Total()), formatBytes(r.DiskUsage.DatabaseBytes), formatBytes(r.DiskUsage.IndexBytes))
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Components holds initialized services.
type Components struct {
	Store      storage.RecordStore
	Encoder    embedding.Encoder
	Normalizer *normalize.Normalizer
	Engine     *search.Engine
	Indexer    *indexer.Indexer
}

func (c *Components) Close() {
	if c.Store != nil {
		_ = c.Store.Close()
	}
	if c.Encoder != nil {
		_ = c.Encoder.Close()
	}
}

// initializeComponents opens the record store and wires the engine and indexer.
// The encoder is only created when withEncoder is set, since loading a model is slow.
func initializeComponents(cfg *config.Config, logger *zap.Logger, withEncoder bool) (*Components, error) {
	policy, err := normalize.ParsePolicy(strings.ToLower(cfg.Normalize.ZeroVectorPolicy))
	if err != nil {
		return nil, err
	}
	norm := normalize.New(policy)

	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c := &Components{Store: store, Normalizer: norm}

	if withEncoder {
		enc, err := newEncoder(&cfg.Embedding, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Encoder = enc
	}

	c.Engine = search.NewEngine(store, norm, &cfg.Query, search.WithLogger(logger))
	c.Indexer = indexer.NewIndexer(store, c.Encoder, norm, &cfg.Embedding, indexer.WithLogger(logger))
	return c, nil
}

func newEncoder(cfg *config.EmbeddingConfig, logger *zap.Logger) (embedding.Encoder, error) {
	if cfg.Backend == "mock" {
		return embedding.NewMockEncoder(cfg.Dimensions, cfg.BatchSize, cfg.MaxTokens), nil
	}
	var tok embedding.Tokenizer
	if cfg.VocabPath != "" {
		wp, err := embedding.LoadWordPieceTokenizer(cfg.VocabPath, !cfg.Cased)
		if err != nil {
			return nil, fmt.Errorf("failed to load vocabulary: %w", err)
		}
		tok = wp
	}
	enc, err := embedding.NewONNXEncoder(embedding.ONNXConfig{
		ModelPath:         cfg.ModelPath,
		SharedLibraryPath: cfg.SharedLibraryPath,
		ModelName:         cfg.ModelName,
		OutputName:        cfg.OutputName,
		Dimensions:        cfg.Dimensions,
		MaxTokens:         cfg.MaxTokens,
		BatchSize:         cfg.BatchSize,
		CacheSize:         cfg.CacheSize,
		Tokenizer:         tok,
	})
	if err == nil {
		logger.Info("onnx encoder loaded",
			zap.String("model", cfg.ModelName),
			zap.Int("dimensions", cfg.Dimensions),
			zap.Int("batch_size", cfg.BatchSize))
		return enc, nil
	}
	if cfg.Backend == "onnx" {
		return nil, fmt.Errorf("failed to load onnx encoder: %w", err)
	}
	logger.Warn("onnx encoder unavailable, falling back to mock encoder", zap.Error(err))
	return embedding.NewMockEncoder(cfg.Dimensions, cfg.BatchSize, cfg.MaxTokens), nil
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `cohort - Patient similarity over clinical-text embeddings

Usage:
  cohort embed --input <file> [flags]    Embed patient sentences into the record store
  cohort import --input <file> [flags]   Import patient records (optionally with embeddings)
  cohort build [flags]                   Build and publish a new index generation
  cohort query [flags] <patient-id>      Show the patients most similar to one patient
  cohort serve [flags]                   Start the HTTP API
  cohort status [flags]                  Show record, index and disk status
  cohort version                         Show version
  cohort help                            Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/cohort/config.yaml)

Embed Flags:
  --input string     JSON array of {"patient_id", "sentence"}
  --force            Re-embed records already embedded with the current model version
  --debug            Enable debug logging

Build Flags:
  --keep int         Index generations to keep (default: storage.keep_generations)

Query Flags:
  --k int            Number of similar patients (default: query.default_k)
  --output string    Output format: text, compact, or json (default: text)

Serve Flags:
  --debug            Enable debug logging
  --no-watch         Do not reload when a new index generation is published

Status Flags:
  --output string    Output format: text or json (default: text)

Examples:
  cohort embed --input sentences.json
  cohort build
  cohort query 0001
  cohort query --k 10 --output json 42
  cohort serve
  cohort status --output json`)
}
