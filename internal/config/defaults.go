package config

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/cohort/data/db/patients.db"
	}
	if cfg.Storage.IndexDir == "" {
		cfg.Storage.IndexDir = "/usr/local/var/cohort/data/index"
	}
	if cfg.Storage.KeepGenerations == 0 {
		cfg.Storage.KeepGenerations = 2
	}
	if cfg.Embedding.Backend == "" {
		cfg.Embedding.Backend = "auto"
	}
	if cfg.Embedding.ModelPath == "" {
		cfg.Embedding.ModelPath = "/usr/local/var/cohort/data/models/bio_clinicalbert.onnx"
	}
	if cfg.Embedding.OutputName == "" {
		cfg.Embedding.OutputName = "last_hidden_state"
	}
	if cfg.Embedding.ModelName == "" {
		cfg.Embedding.ModelName = "emilyalsentzer/Bio_ClinicalBERT"
	}
	if cfg.Embedding.Version == "" {
		cfg.Embedding.Version = "v1"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 768
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 512
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 8
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 1000
	}
	if cfg.Normalize.ZeroVectorPolicy == "" {
		cfg.Normalize.ZeroVectorPolicy = "reject"
	}
	if cfg.Query.DefaultK == 0 {
		cfg.Query.DefaultK = 5
	}
	if cfg.Query.MaxK == 0 {
		cfg.Query.MaxK = 100
	}
	if cfg.Query.ExcerptLength == 0 {
		cfg.Query.ExcerptLength = 75
	}
	if cfg.Query.IDPadWidth == 0 {
		cfg.Query.IDPadWidth = 4
	}
}
