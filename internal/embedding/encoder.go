// Package embedding turns clinical sentences into fixed-length vectors by running a
// token-level model and mean-pooling its hidden states over the attention mask.
package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/cohort/internal/models"
)

// Encoder produces one pooled vector per input text, in input order.
// Vectors are not normalized; callers own normalization and persistence.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	BatchSize() int
	ModelName() string
	Close() error
}

// ONNXConfig configures an ONNXEncoder.
type ONNXConfig struct {
	ModelPath string
	// SharedLibraryPath points at libonnxruntime; empty uses the loader's default search.
	SharedLibraryPath string
	ModelName         string
	// OutputName is the model output holding per-token hidden states [batch, tokens, dim].
	OutputName string
	Dimensions int
	// MaxTokens is the fixed sequence length. Longer texts are truncated by the tokenizer.
	MaxTokens int
	BatchSize int
	CacheSize int
	Tokenizer Tokenizer
}

func checkBatch(texts []string, batchSize int) error {
	if len(texts) == 0 {
		return models.ErrEmptyBatch
	}
	if batchSize > 0 && len(texts) > batchSize {
		return fmt.Errorf("%w: got %d texts, batch size is %d", models.ErrBatchTooLarge, len(texts), batchSize)
	}
	return nil
}
