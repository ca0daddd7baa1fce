// Package indexer embeds patient sentences into the record store and builds index generations from it.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/cohort/internal/config"
	"github.com/hyperjump/cohort/internal/embedding"
	"github.com/hyperjump/cohort/internal/models"
	"github.com/hyperjump/cohort/internal/normalize"
	"github.com/hyperjump/cohort/internal/observability"
	"github.com/hyperjump/cohort/internal/recordid"
	"github.com/hyperjump/cohort/internal/storage"
	"github.com/hyperjump/cohort/internal/vector"
	"go.uber.org/zap"
)

// Indexer runs the two offline phases: embedding sentences into the store, and building
// an index generation from every stored embedding.
type Indexer struct {
	store      storage.RecordStore
	encoder    embedding.Encoder
	normalizer *normalize.Normalizer
	config     *config.EmbeddingConfig
	logger     *zap.Logger
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for progress output.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// NewIndexer creates an indexer with the given dependencies. encoder may be nil when only
// BuildIndex and ImportRecords are needed.
func NewIndexer(
	store storage.RecordStore,
	encoder embedding.Encoder,
	normalizer *normalize.Normalizer,
	cfg *config.EmbeddingConfig,
	opts ...IndexerOption,
) *Indexer {
	idx := &Indexer{
		store:      store,
		encoder:    encoder,
		normalizer: normalizer,
		config:     cfg,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// EmbedStats summarizes an EmbedSentences run.
type EmbedStats struct {
	Total    int `json:"total"`
	Embedded int `json:"embedded"`
	Skipped  int `json:"skipped"`
	Invalid  int `json:"invalid"`
	Batches  int `json:"batches"`
}

// EmbedSentences encodes each input sentence and writes the vector to its patient record.
// Batches run in order and each one is persisted before the next starts, so an interrupted
// run can be resumed: records already embedded with the same model and version and the same
// sentence are skipped unless force is set. Missing records are created.
func (idx *Indexer) EmbedSentences(ctx context.Context, inputs []models.SentenceInput, force bool) (*EmbedStats, error) {
	if idx.encoder == nil {
		return nil, errors.New("indexer has no encoder")
	}
	stats := &EmbedStats{Total: len(inputs)}
	modelName := idx.modelName()

	var pending []models.SentenceInput
	for _, in := range inputs {
		in.PatientID = CleanText(in.PatientID)
		in.Sentence = CleanText(in.Sentence)
		if in.PatientID == "" || in.Sentence == "" {
			stats.Invalid++
			idx.logger.Warn("skipping sentence with missing field", zap.String("patient_id", in.PatientID))
			continue
		}
		rec, err := idx.store.GetRecord(ctx, in.PatientID)
		switch {
		case errors.Is(err, models.ErrNotFound):
			if err := idx.store.UpsertRecord(ctx, &models.PatientRecord{PatientID: in.PatientID, Sentence: in.Sentence}); err != nil {
				return stats, fmt.Errorf("failed to create record: %w", err)
			}
		case err != nil:
			return stats, fmt.Errorf("failed to read record: %w", err)
		case !force && rec.EmbeddedWith(modelName, idx.config.Version) && rec.Sentence == in.Sentence:
			stats.Skipped++
			continue
		}
		pending = append(pending, in)
	}

	batchSize := idx.encoder.BatchSize()
	if batchSize <= 0 {
		batchSize = idx.config.BatchSize
	}
	for start := 0; start < len(pending); start += batchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		if err := idx.embedBatch(ctx, pending[start:end], modelName); err != nil {
			return stats, fmt.Errorf("batch starting at %d: %w", start, err)
		}
		stats.Batches++
		stats.Embedded += end - start
		idx.logger.Debug("batch embedded",
			zap.Int("batch", stats.Batches),
			zap.Int("embedded", stats.Embedded),
			zap.Int("pending", len(pending)))
	}
	idx.logger.Info("embedding finished",
		zap.Int("total", stats.Total),
		zap.Int("embedded", stats.Embedded),
		zap.Int("skipped", stats.Skipped),
		zap.Int("invalid", stats.Invalid))
	return stats, nil
}

func (idx *Indexer) embedBatch(ctx context.Context, batch []models.SentenceInput, modelName string) error {
	start := time.Now()
	texts := make([]string, len(batch))
	for i, in := range batch {
		texts[i] = in.Sentence
	}
	vectors, err := idx.encoder.Encode(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to encode: %w", err)
	}
	if len(vectors) != len(batch) {
		return fmt.Errorf("%w: encoder returned %d vectors for %d texts", models.ErrLengthMismatch, len(vectors), len(batch))
	}
	now := time.Now().UTC()
	updates := make([]*models.EmbeddingUpdate, len(batch))
	for i, in := range batch {
		if len(vectors[i]) != idx.encoder.Dimensions() {
			return fmt.Errorf("%w: patient %s has %d dimensions, encoder reports %d",
				models.ErrDimensionMismatch, in.PatientID, len(vectors[i]), idx.encoder.Dimensions())
		}
		updates[i] = &models.EmbeddingUpdate{
			PatientID: in.PatientID,
			VectorID:  recordid.VectorID(in.PatientID, idx.config.Version),
			Sentence:  in.Sentence,
			Embedding: vectors[i],
			ModelName: modelName,
			Version:   idx.config.Version,
			UpdatedAt: now,
		}
	}
	if err := idx.store.UpdateEmbeddings(ctx, updates); err != nil {
		return fmt.Errorf("failed to store embeddings: %w", err)
	}
	observability.EncodedTextsTotal.Add(float64(len(batch)))
	observability.EncodeBatchDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (idx *Indexer) modelName() string {
	if name := idx.encoder.ModelName(); name != "" {
		return name
	}
	return idx.config.ModelName
}

// BuildResult describes a published index generation.
type BuildResult struct {
	Generation string           `json:"generation"`
	Rows       int              `json:"rows"`
	Dimensions int              `json:"dimensions"`
	Pruned     []string         `json:"pruned,omitempty"`
	Duration   time.Duration    `json:"duration"`
	Snapshot   *vector.Snapshot `json:"-"`
}

// BuildIndex reads every stored embedding, builds a snapshot and publishes it under dir.
// Nothing is written unless the full snapshot was read and built. With no stored embeddings
// it returns models.ErrEmptyInput. Generations beyond keep are pruned afterwards.
func (idx *Indexer) BuildIndex(ctx context.Context, dir string, keep int) (result *BuildResult, err error) {
	start := time.Now()
	defer func() {
		observability.IndexBuildsTotal.WithLabelValues(observability.Status(err)).Inc()
	}()

	var (
		vectors    [][]float32
		identities []vector.Identity
	)
	err = idx.store.IterateEmbedded(ctx, func(v models.EmbeddedVector) error {
		vectors = append(vectors, v.Embedding)
		identities = append(identities, vector.Identity{PatientID: v.PatientID, VectorID: v.VectorID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read embeddings: %w", err)
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: record store has no embeddings", models.ErrEmptyInput)
	}

	snap, err := vector.NewSnapshot(vectors, identities, idx.normalizer)
	if err != nil {
		return nil, fmt.Errorf("failed to build index: %w", err)
	}
	gen, err := vector.Persist(dir, snap)
	if err != nil {
		return nil, fmt.Errorf("failed to persist index: %w", err)
	}
	observability.IndexRows.Set(float64(snap.Index.Size()))

	pruned, pruneErr := vector.Prune(dir, keep)
	if pruneErr != nil {
		idx.logger.Warn("failed to prune old generations", zap.Error(pruneErr))
	}
	result = &BuildResult{
		Generation: gen,
		Rows:       snap.Index.Size(),
		Dimensions: snap.Index.Dimensions(),
		Pruned:     pruned,
		Duration:   time.Since(start),
		Snapshot:   snap,
	}
	idx.logger.Info("index built",
		zap.String("generation", gen),
		zap.Int("rows", result.Rows),
		zap.Int("dimensions", result.Dimensions),
		zap.Int("pruned", len(pruned)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// ImportRecords upserts records into the store and returns how many were written.
// Embeddings in the input must all share one dimension.
func (idx *Indexer) ImportRecords(ctx context.Context, records []*models.PatientRecord) (int, error) {
	dim := 0
	for i, rec := range records {
		rec.PatientID = CleanText(rec.PatientID)
		if rec.PatientID == "" {
			return 0, fmt.Errorf("%w: record %d has no patient_id", models.ErrMissingField, i)
		}
		if !rec.HasEmbedding() {
			continue
		}
		if dim == 0 {
			dim = len(rec.Embedding)
		} else if len(rec.Embedding) != dim {
			return 0, fmt.Errorf("%w: record %s has %d dimensions, want %d", models.ErrDimensionMismatch, rec.PatientID, len(rec.Embedding), dim)
		}
		if rec.VectorID == "" && rec.EmbeddingVersion != "" {
			rec.VectorID = recordid.VectorID(rec.PatientID, rec.EmbeddingVersion)
		}
	}
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := idx.store.UpsertRecord(ctx, rec); err != nil {
			return i, fmt.Errorf("failed to import record: %w", err)
		}
	}
	idx.logger.Info("records imported", zap.Int("count", len(records)))
	return len(records), nil
}
