// Package search answers "most similar patients" queries against the live index snapshot.
package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperjump/cohort/internal/config"
	"github.com/hyperjump/cohort/internal/models"
	"github.com/hyperjump/cohort/internal/normalize"
	"github.com/hyperjump/cohort/internal/observability"
	"github.com/hyperjump/cohort/internal/storage"
	"github.com/hyperjump/cohort/internal/vector"
	"github.com/hyperjump/cohort/pkg/utils"
	"go.uber.org/zap"
)

// Engine runs similarity queries. The snapshot is swapped whole on reload, so queries never
// see a half-replaced index and need no locks. Reloads are serialized so an older generation
// never replaces a newer one.
type Engine struct {
	store      storage.RecordStore
	normalizer *normalize.Normalizer
	config     *config.QueryConfig
	snapshot   atomic.Pointer[vector.Snapshot]
	reloadMu   sync.Mutex
	logger     *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a query engine with the given dependencies. It has no snapshot until
// SetSnapshot or Reload is called.
func NewEngine(
	store storage.RecordStore,
	normalizer *normalize.Normalizer,
	cfg *config.QueryConfig,
	opts ...EngineOption,
) *Engine {
	e := &Engine{
		store:      store,
		normalizer: normalizer,
		config:     cfg,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetSnapshot makes snap the live index. The snapshot must have been built with the same
// zero-vector policy the engine normalizes queries with.
func (e *Engine) SetSnapshot(snap *vector.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: nil snapshot", models.ErrNoArtifact)
	}
	if snap.Normalization != e.normalizer.Policy() {
		return fmt.Errorf("%w: index built with %q, engine uses %q",
			models.ErrPolicyMismatch, snap.Normalization, e.normalizer.Policy())
	}
	e.snapshot.Store(snap)
	observability.IndexRows.Set(float64(snap.Index.Size()))
	return nil
}

// Snapshot returns the live snapshot, or nil before the first load.
func (e *Engine) Snapshot() *vector.Snapshot {
	return e.snapshot.Load()
}

// Reload loads the current generation from dir and swaps it in. On failure the previous
// snapshot stays live.
func (e *Engine) Reload(dir string) (err error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()
	defer func() {
		observability.SnapshotReloadsTotal.WithLabelValues(observability.Status(err)).Inc()
	}()
	snap, err := vector.Load(dir)
	if err != nil {
		return err
	}
	if cur := e.Snapshot(); cur != nil && cur.Generation == snap.Generation {
		return nil
	}
	if err := e.SetSnapshot(snap); err != nil {
		return err
	}
	e.logger.Info("index snapshot loaded",
		zap.String("generation", snap.Generation),
		zap.Int("rows", snap.Index.Size()),
		zap.Int("dimensions", snap.Index.Dimensions()))
	return nil
}

// Limits returns the query limits derived from config.
func (e *Engine) Limits() models.QueryLimits {
	return models.QueryLimits{
		DefaultK:   e.config.DefaultK,
		MaxK:       e.config.MaxK,
		IDPadWidth: e.config.IDPadWidth,
	}
}

// Patient returns the stored record for id, applying the same id padding as queries.
func (e *Engine) Patient(ctx context.Context, id string) (*models.PatientRecord, error) {
	q := &models.SimilarQuery{PatientID: id}
	if err := q.Validate(e.Limits()); err != nil {
		return nil, err
	}
	return e.store.GetRecord(ctx, q.PatientID)
}

// FindSimilar returns up to K patients most similar to the query patient, never including
// the patient itself. A patient whose only neighbour is itself gets an empty result.
// A patient that is missing or has no embedding yields models.ErrNotFound.
func (e *Engine) FindSimilar(ctx context.Context, query *models.SimilarQuery) (resp *models.SimilarResponse, err error) {
	start := time.Now()
	defer func() {
		observability.QueriesTotal.WithLabelValues(outcome(err)).Inc()
		observability.QueryDuration.Observe(time.Since(start).Seconds())
	}()

	if err := query.Validate(e.Limits()); err != nil {
		return nil, err
	}
	snap := e.Snapshot()
	if snap == nil {
		return nil, fmt.Errorf("%w: no index loaded", models.ErrNoArtifact)
	}

	rec, err := e.store.GetRecord(ctx, query.PatientID)
	if err != nil {
		return nil, err
	}
	if !rec.HasEmbedding() {
		return nil, fmt.Errorf("patient %s has no embedding: %w", query.PatientID, models.ErrNotFound)
	}

	vec := append([]float32(nil), rec.Embedding...)
	if err := e.normalizer.Normalize(vec); err != nil {
		return nil, fmt.Errorf("patient %s: %w", query.PatientID, err)
	}
	hits, err := snap.Index.Query(vec, query.K+1)
	if err != nil {
		return nil, fmt.Errorf("patient %s: %w", query.PatientID, err)
	}

	resp = &models.SimilarResponse{
		PatientID:  query.PatientID,
		K:          query.K,
		Results:    make([]*models.SimilarPatient, 0, query.K),
		Generation: snap.Generation,
	}
	for _, hit := range hits {
		if len(resp.Results) == query.K {
			break
		}
		id, ok := snap.Identities.At(hit.Row)
		if !ok {
			return nil, fmt.Errorf("%w: row %d has no identity", models.ErrCorruptArtifact, hit.Row)
		}
		if id.PatientID == query.PatientID {
			continue
		}
		excerpt, err := e.excerpt(ctx, id.PatientID)
		if err != nil {
			return nil, err
		}
		resp.Results = append(resp.Results, &models.SimilarPatient{
			Rank:      len(resp.Results) + 1,
			PatientID: id.PatientID,
			VectorID:  id.VectorID,
			Score:     hit.Score,
			Excerpt:   excerpt,
			Row:       hit.Row,
		})
	}
	resp.Total = len(resp.Results)
	resp.QueryTime = time.Since(start).Milliseconds()

	e.logger.Debug("similar patients",
		zap.String("patient_id", query.PatientID),
		zap.Int("k", query.K),
		zap.Int("results", resp.Total))
	return resp, nil
}

// excerpt returns the truncated sentence of a neighbour. Records removed since the build
// have no excerpt.
func (e *Engine) excerpt(ctx context.Context, patientID string) (string, error) {
	rec, err := e.store.GetRecord(ctx, patientID)
	if errors.Is(err, models.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve excerpt: %w", err)
	}
	return utils.Truncate(rec.Sentence, e.config.ExcerptLength), nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case models.IsNotFound(err):
		return "not_found"
	case models.IsInputError(err):
		return "invalid"
	default:
		return "error"
	}
}
