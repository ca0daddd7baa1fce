package embedding

import (
	"context"
	"math"
)

// MockEncoder is a deterministic encoder for tests and model-less setups. Each token id maps
// to a fixed hidden state, and texts are pooled through MeanPool exactly like a real model.
type MockEncoder struct {
	dimensions int
	batchSize  int
	maxTokens  int
	tokenizer  Tokenizer
}

// NewMockEncoder returns an encoder that produces deterministic embeddings of the given dimensions.
func NewMockEncoder(dimensions, batchSize, maxTokens int) *MockEncoder {
	if dimensions <= 0 {
		dimensions = 768
	}
	if batchSize <= 0 {
		batchSize = 8
	}
	if maxTokens <= 0 {
		maxTokens = 128
	}
	return &MockEncoder{
		dimensions: dimensions,
		batchSize:  batchSize,
		maxTokens:  maxTokens,
		tokenizer:  &SimpleTokenizer{},
	}
}

// Encode returns one pooled vector per text.
func (e *MockEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkBatch(texts, e.batchSize); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := len(texts)
	ids := make([]int64, n*e.maxTokens)
	mask := make([]int64, n*e.maxTokens)
	types := make([]int64, n*e.maxTokens)
	fillBatch(e.tokenizer, texts, e.maxTokens, ids, mask, types)

	hidden := make([]float32, n*e.maxTokens*e.dimensions)
	for pos, id := range ids {
		state := hidden[pos*e.dimensions : (pos+1)*e.dimensions]
		if mask[pos] == 0 {
			// Padding gets a loud constant so any leak through pooling shows up.
			for d := range state {
				state[d] = 1
			}
			continue
		}
		for d := range state {
			state[d] = tokenState(id, d)
		}
	}
	return MeanPool(hidden, mask, n, e.maxTokens, e.dimensions)
}

func tokenState(id int64, d int) float32 {
	return float32(math.Sin(float64(id)*float64(d+1))*0.1 + 0.01)
}

// Dimensions returns the embedding dimension.
func (e *MockEncoder) Dimensions() int {
	return e.dimensions
}

// BatchSize returns the largest batch Encode accepts.
func (e *MockEncoder) BatchSize() int {
	return e.batchSize
}

// ModelName identifies vectors produced by the mock.
func (e *MockEncoder) ModelName() string {
	return "mock-encoder"
}

// Close is a no-op for MockEncoder.
func (e *MockEncoder) Close() error {
	return nil
}
