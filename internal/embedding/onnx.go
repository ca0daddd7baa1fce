//go:build cgo
// +build cgo

package embedding

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXEncoder runs a BERT-family model through ONNX Runtime and mean-pools its last hidden
// state. It requires CGO and the onnxruntime shared library.
type ONNXEncoder struct {
	session    *ort.AdvancedSession
	modelName  string
	dimensions int
	maxTokens  int
	batchSize  int
	cache      *EmbeddingCache
	tokenizer  Tokenizer
	// Pre-allocated [batchSize, maxTokens] inputs and [batchSize, maxTokens, dimensions] output.
	inputIDsTensor      *ort.Tensor[int64]
	attentionMaskTensor *ort.Tensor[int64]
	tokenTypeIDsTensor  *ort.Tensor[int64]
	outputTensor        *ort.Tensor[float32]
	mu                  sync.Mutex
}

// NewONNXEncoder creates an ONNX encoder. InitializeEnvironment is called if not already done.
func NewONNXEncoder(cfg ONNXConfig) (*ONNXEncoder, error) {
	if cfg.Dimensions <= 0 || cfg.MaxTokens < 2 || cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("invalid encoder shape: dimensions=%d max_tokens=%d batch_size=%d",
			cfg.Dimensions, cfg.MaxTokens, cfg.BatchSize)
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "last_hidden_state"
	}
	if cfg.Tokenizer == nil {
		cfg.Tokenizer = &SimpleTokenizer{}
	}
	if !ort.IsInitialized() {
		if cfg.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX runtime: %w", err)
		}
	}

	inputShape := ort.NewShape(int64(cfg.BatchSize), int64(cfg.MaxTokens))
	inputIDsTensor, err := ort.NewTensor(inputShape, make([]int64, cfg.BatchSize*cfg.MaxTokens))
	if err != nil {
		return nil, fmt.Errorf("failed to create input_ids tensor: %w", err)
	}
	attentionMaskTensor, err := ort.NewTensor(inputShape, make([]int64, cfg.BatchSize*cfg.MaxTokens))
	if err != nil {
		inputIDsTensor.Destroy()
		return nil, fmt.Errorf("failed to create attention_mask tensor: %w", err)
	}
	tokenTypeIDsTensor, err := ort.NewTensor(inputShape, make([]int64, cfg.BatchSize*cfg.MaxTokens))
	if err != nil {
		inputIDsTensor.Destroy()
		attentionMaskTensor.Destroy()
		return nil, fmt.Errorf("failed to create token_type_ids tensor: %w", err)
	}
	outputShape := ort.NewShape(int64(cfg.BatchSize), int64(cfg.MaxTokens), int64(cfg.Dimensions))
	outputTensor, err := ort.NewTensor(outputShape, make([]float32, cfg.BatchSize*cfg.MaxTokens*cfg.Dimensions))
	if err != nil {
		inputIDsTensor.Destroy()
		attentionMaskTensor.Destroy()
		tokenTypeIDsTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	inputs := []ort.ArbitraryTensor{inputIDsTensor, attentionMaskTensor, tokenTypeIDsTensor}
	outputs := []ort.ArbitraryTensor{outputTensor}
	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{cfg.OutputName},
		inputs,
		outputs,
		nil,
	)
	if err != nil {
		inputIDsTensor.Destroy()
		attentionMaskTensor.Destroy()
		tokenTypeIDsTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXEncoder{
		session:             session,
		modelName:           cfg.ModelName,
		dimensions:          cfg.Dimensions,
		maxTokens:           cfg.MaxTokens,
		batchSize:           cfg.BatchSize,
		cache:               NewEmbeddingCache(cfg.CacheSize),
		tokenizer:           cfg.Tokenizer,
		inputIDsTensor:      inputIDsTensor,
		attentionMaskTensor: attentionMaskTensor,
		tokenTypeIDsTensor:  tokenTypeIDsTensor,
		outputTensor:        outputTensor,
	}, nil
}

// Encode returns one pooled vector per text, using the cache when available.
func (e *ONNXEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkBatch(texts, e.batchSize); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	var missing []int
	for i, text := range texts {
		if cached, ok := e.cache.Get(text); ok {
			out[i] = cached
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pending := make([]string, len(missing))
	for j, i := range missing {
		pending[j] = texts[i]
	}
	pooled, err := e.run(pending)
	if err != nil {
		return nil, err
	}
	for j, i := range missing {
		out[i] = pooled[j]
		e.cache.Set(texts[i], pooled[j])
	}
	return out, nil
}

func (e *ONNXEncoder) run(texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mask := e.attentionMaskTensor.GetData()
	fillBatch(e.tokenizer, texts, e.maxTokens,
		e.inputIDsTensor.GetData(), mask, e.tokenTypeIDsTensor.GetData())

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	n := len(texts)
	hidden := e.outputTensor.GetData()
	return MeanPool(hidden[:n*e.maxTokens*e.dimensions], mask[:n*e.maxTokens], n, e.maxTokens, e.dimensions)
}

// Dimensions returns the embedding dimension.
func (e *ONNXEncoder) Dimensions() int {
	return e.dimensions
}

// BatchSize returns the fixed batch dimension of the session.
func (e *ONNXEncoder) BatchSize() int {
	return e.batchSize
}

// ModelName returns the configured model name recorded next to stored vectors.
func (e *ONNXEncoder) ModelName() string {
	return e.modelName
}

// Close destroys the session and tensors.
func (e *ONNXEncoder) Close() error {
	var err error
	if e.session != nil {
		err = e.session.Destroy()
		e.session = nil
	}
	if e.inputIDsTensor != nil {
		_ = e.inputIDsTensor.Destroy()
		e.inputIDsTensor = nil
	}
	if e.attentionMaskTensor != nil {
		_ = e.attentionMaskTensor.Destroy()
		e.attentionMaskTensor = nil
	}
	if e.tokenTypeIDsTensor != nil {
		_ = e.tokenTypeIDsTensor.Destroy()
		e.tokenTypeIDsTensor = nil
	}
	if e.outputTensor != nil {
		_ = e.outputTensor.Destroy()
		e.outputTensor = nil
	}
	return err
}
