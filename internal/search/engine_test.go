package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hyperjump/cohort/internal/config"
	"github.com/hyperjump/cohort/internal/models"
	"github.com/hyperjump/cohort/internal/normalize"
	"github.com/hyperjump/cohort/internal/observability"
	"github.com/hyperjump/cohort/internal/storage"
	"github.com/hyperjump/cohort/internal/vector"
)

var scenarioRecords = []*models.PatientRecord{
	{PatientID: "p1", Sentence: "Patient has type 2 diabetes.", Embedding: []float32{1, 0, 0, 0}},
	{PatientID: "p2", Sentence: "Patient presents with asthma.", Embedding: []float32{0, 1, 0, 0}},
	{PatientID: "p3", Sentence: "Patient has type 2 diabetes and obesity.", Embedding: []float32{0.9, 0.1, 0, 0}},
	{PatientID: "p4", Sentence: "Patient recovering from knee surgery.", Embedding: []float32{0, 0, 1, 0}},
	{PatientID: "p5", Sentence: "Patient has chronic kidney disease.", Embedding: []float32{0, 0, 0, 1}},
}

func testQueryConfig() *config.QueryConfig {
	return &config.QueryConfig{DefaultK: 5, MaxK: 10, ExcerptLength: 75, IDPadWidth: 4}
}

func newTestStore(t *testing.T, records []*models.PatientRecord) storage.RecordStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "patients.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	for _, rec := range records {
		cp := *rec
		cp.Embedding = append([]float32(nil), rec.Embedding...)
		if len(cp.Embedding) == 0 {
			cp.Embedding = nil
		}
		if err := store.UpsertRecord(context.Background(), &cp); err != nil {
			t.Fatal(err)
		}
	}
	return store
}

func snapshotOf(t *testing.T, records []*models.PatientRecord, norm *normalize.Normalizer) *vector.Snapshot {
	t.Helper()
	var (
		vectors [][]float32
		ids     []vector.Identity
	)
	for _, rec := range records {
		vectors = append(vectors, rec.Embedding)
		ids = append(ids, vector.Identity{PatientID: rec.PatientID})
	}
	snap, err := vector.NewSnapshot(vectors, ids, norm)
	if err != nil {
		t.Fatal(err)
	}
	snap.Generation = "test"
	return snap
}

func newScenarioEngine(t *testing.T) *Engine {
	t.Helper()
	norm := normalize.New(normalize.PolicyReject)
	engine := NewEngine(newTestStore(t, scenarioRecords), norm, testQueryConfig())
	if err := engine.SetSnapshot(snapshotOf(t, scenarioRecords, norm)); err != nil {
		t.Fatal(err)
	}
	return engine
}

func TestEngine_FindSimilar_scenario(t *testing.T) {
	engine := newScenarioEngine(t)

	resp, err := engine.FindSimilar(context.Background(), &models.SimilarQuery{PatientID: "p1", K: 2})
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if resp.Total != 2 || len(resp.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(resp.Results))
	}
	first, second := resp.Results[0], resp.Results[1]
	if first.PatientID != "p3" || math.Abs(first.Score-0.9939) > 1e-3 {
		t.Errorf("first = %s (%.4f), want p3 (0.9939)", first.PatientID, first.Score)
	}
	// p2, p4 and p5 all score 0; the lowest row wins.
	if second.PatientID != "p2" || math.Abs(second.Score) > 1e-6 {
		t.Errorf("second = %s (%.4f), want p2 (0.0)", second.PatientID, second.Score)
	}
	if first.Rank != 1 || second.Rank != 2 {
		t.Errorf("ranks = %d, %d", first.Rank, second.Rank)
	}
	if first.Excerpt != "Patient has type 2 diabetes and obesity." {
		t.Errorf("excerpt = %q", first.Excerpt)
	}
	if resp.Generation != "test" {
		t.Errorf("generation = %q", resp.Generation)
	}
}

func TestEngine_FindSimilar_excludesSelf(t *testing.T) {
	engine := newScenarioEngine(t)

	for _, rec := range scenarioRecords {
		resp, err := engine.FindSimilar(context.Background(), &models.SimilarQuery{PatientID: rec.PatientID, K: 10})
		if err != nil {
			t.Fatal(err)
		}
		if len(resp.Results) != len(scenarioRecords)-1 {
			t.Errorf("%s: got %d results, want %d", rec.PatientID, len(resp.Results), len(scenarioRecords)-1)
		}
		for i, r := range resp.Results {
			if r.PatientID == rec.PatientID {
				t.Errorf("%s: result contains the query patient", rec.PatientID)
			}
			if i > 0 {
				prev := resp.Results[i-1]
				if prev.Score < r.Score || (prev.Score == r.Score && prev.Row > r.Row) {
					t.Errorf("%s: results out of order at %d", rec.PatientID, i)
				}
			}
		}
	}
}

func TestEngine_FindSimilar_onlySelf(t *testing.T) {
	records := scenarioRecords[:1]
	norm := normalize.New(normalize.PolicyReject)
	engine := NewEngine(newTestStore(t, records), norm, testQueryConfig())
	if err := engine.SetSnapshot(snapshotOf(t, records, norm)); err != nil {
		t.Fatal(err)
	}

	resp, err := engine.FindSimilar(context.Background(), &models.SimilarQuery{PatientID: "p1", K: 3})
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(resp.Results) != 0 || resp.Total != 0 {
		t.Errorf("got %d results, want none", len(resp.Results))
	}
}

func TestEngine_FindSimilar_errors(t *testing.T) {
	records := append([]*models.PatientRecord{}, scenarioRecords...)
	records = append(records,
		&models.PatientRecord{PatientID: "unembedded", Sentence: "no vector yet"},
		&models.PatientRecord{PatientID: "zero", Sentence: "zero", Embedding: []float32{0, 0, 0, 0}},
		&models.PatientRecord{PatientID: "short", Sentence: "short", Embedding: []float32{1, 0}},
	)
	norm := normalize.New(normalize.PolicyReject)
	engine := NewEngine(newTestStore(t, records), norm, testQueryConfig())
	if err := engine.SetSnapshot(snapshotOf(t, scenarioRecords, norm)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		query *models.SimilarQuery
		want  error
	}{
		{"missing patient", &models.SimilarQuery{PatientID: "p99", K: 2}, models.ErrNotFound},
		{"no embedding", &models.SimilarQuery{PatientID: "unembedded", K: 2}, models.ErrNotFound},
		{"empty id", &models.SimilarQuery{PatientID: "  ", K: 2}, models.ErrInvalidQuery},
		{"negative k", &models.SimilarQuery{PatientID: "p1", K: -1}, models.ErrInvalidQuery},
		{"zero vector", &models.SimilarQuery{PatientID: "zero", K: 2}, models.ErrDegenerateVector},
		{"wrong dimension", &models.SimilarQuery{PatientID: "short", K: 2}, models.ErrDimensionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.FindSimilar(context.Background(), tt.query)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestEngine_FindSimilar_countsOutcomes(t *testing.T) {
	engine := newScenarioEngine(t)
	ctx := context.Background()
	ok := observability.QueriesTotal.WithLabelValues("ok")
	notFound := observability.QueriesTotal.WithLabelValues("not_found")
	invalid := observability.QueriesTotal.WithLabelValues("invalid")
	beforeOK, beforeNF, beforeInv := testutil.ToFloat64(ok), testutil.ToFloat64(notFound), testutil.ToFloat64(invalid)

	_, _ = engine.FindSimilar(ctx, &models.SimilarQuery{PatientID: "p1", K: 1})
	_, _ = engine.FindSimilar(ctx, &models.SimilarQuery{PatientID: "nobody", K: 1})
	_, _ = engine.FindSimilar(ctx, &models.SimilarQuery{PatientID: "", K: 1})

	if got := testutil.ToFloat64(ok) - beforeOK; got != 1 {
		t.Errorf("ok delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(notFound) - beforeNF; got != 1 {
		t.Errorf("not_found delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(invalid) - beforeInv; got != 1 {
		t.Errorf("invalid delta = %v, want 1", got)
	}
}

func TestEngine_FindSimilar_noSnapshot(t *testing.T) {
	engine := NewEngine(newTestStore(t, scenarioRecords), normalize.New(normalize.PolicyReject), testQueryConfig())
	_, err := engine.FindSimilar(context.Background(), &models.SimilarQuery{PatientID: "p1"})
	if !errors.Is(err, models.ErrNoArtifact) {
		t.Errorf("err = %v, want ErrNoArtifact", err)
	}
}

func TestEngine_FindSimilar_defaultsAndPadding(t *testing.T) {
	records := []*models.PatientRecord{
		{PatientID: "0007", Sentence: strings.Repeat("fever ", 30), Embedding: []float32{1, 0}},
		{PatientID: "0008", Sentence: strings.Repeat("cough ", 30), Embedding: []float32{1, 1}},
		{PatientID: "0009", Sentence: "rash", Embedding: []float32{0, 1}},
	}
	norm := normalize.New(normalize.PolicyReject)
	cfg := &config.QueryConfig{DefaultK: 1, MaxK: 10, ExcerptLength: 12, IDPadWidth: 4}
	engine := NewEngine(newTestStore(t, records), norm, cfg)
	if err := engine.SetSnapshot(snapshotOf(t, records, norm)); err != nil {
		t.Fatal(err)
	}

	resp, err := engine.FindSimilar(context.Background(), &models.SimilarQuery{PatientID: "7"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.PatientID != "0007" || resp.K != 1 {
		t.Errorf("query = %s k=%d, want 0007 k=1", resp.PatientID, resp.K)
	}
	if len(resp.Results) != 1 || resp.Results[0].PatientID != "0008" {
		t.Fatalf("results = %+v, want [0008]", resp.Results)
	}
	if got := resp.Results[0].Excerpt; got != "cough cough ..." {
		t.Errorf("excerpt = %q", got)
	}
}

func TestEngine_FindSimilar_missingNeighbourRecord(t *testing.T) {
	norm := normalize.New(normalize.PolicyReject)
	indexed := append([]*models.PatientRecord{}, scenarioRecords[:2]...)
	indexed = append(indexed, &models.PatientRecord{PatientID: "ghost", Embedding: []float32{1, 0.1, 0, 0}})
	engine := NewEngine(newTestStore(t, scenarioRecords[:2]), norm, testQueryConfig())
	if err := engine.SetSnapshot(snapshotOf(t, indexed, norm)); err != nil {
		t.Fatal(err)
	}

	resp, err := engine.FindSimilar(context.Background(), &models.SimilarQuery{PatientID: "p1", K: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].PatientID != "ghost" || resp.Results[0].Excerpt != "" {
		t.Errorf("results = %+v, want ghost with empty excerpt", resp.Results)
	}
}

func TestEngine_SetSnapshot_policyMismatch(t *testing.T) {
	engine := NewEngine(newTestStore(t, nil), normalize.New(normalize.PolicyReject), testQueryConfig())
	snap := snapshotOf(t, scenarioRecords, normalize.New(normalize.PolicyPassthrough))
	if err := engine.SetSnapshot(snap); !errors.Is(err, models.ErrPolicyMismatch) {
		t.Errorf("err = %v, want ErrPolicyMismatch", err)
	}
	if engine.Snapshot() != nil {
		t.Error("rejected snapshot must not become live")
	}
}

func TestEngine_Reload(t *testing.T) {
	dir := t.TempDir()
	norm := normalize.New(normalize.PolicyReject)
	engine := NewEngine(newTestStore(t, scenarioRecords), norm, testQueryConfig())

	if err := engine.Reload(dir); !errors.Is(err, models.ErrNoArtifact) {
		t.Fatalf("err = %v, want ErrNoArtifact", err)
	}

	gen, err := vector.Persist(dir, snapshotOf(t, scenarioRecords, norm))
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Reload(dir); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := engine.Snapshot().Generation; got != gen {
		t.Errorf("generation = %s, want %s", got, gen)
	}

	resp, err := engine.FindSimilar(context.Background(), &models.SimilarQuery{PatientID: "p1", K: 1})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Results[0].PatientID != "p3" {
		t.Errorf("top result = %s, want p3", resp.Results[0].PatientID)
	}
}

func TestEngine_Reload_neverGoesBack(t *testing.T) {
	dir := t.TempDir()
	norm := normalize.New(normalize.PolicyReject)
	engine := NewEngine(newTestStore(t, scenarioRecords), norm, testQueryConfig())
	if _, err := vector.Persist(dir, snapshotOf(t, scenarioRecords, norm)); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				before, err := vector.CurrentGeneration(dir)
				if err != nil {
					errs <- err
					return
				}
				if err := engine.Reload(dir); err != nil {
					errs <- err
					return
				}
				// Generations are v7 UUIDs and sort by creation time.
				if after := engine.Snapshot().Generation; after < before {
					errs <- fmt.Errorf("live generation %s is older than %s", after, before)
					return
				}
			}
		}()
	}
	var last string
	for i := 0; i < 5; i++ {
		gen, err := vector.Persist(dir, snapshotOf(t, scenarioRecords, norm))
		if err != nil {
			t.Fatal(err)
		}
		last = gen
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if err := engine.Reload(dir); err != nil {
		t.Fatal(err)
	}
	if got := engine.Snapshot().Generation; got != last {
		t.Errorf("generation = %s, want %s", got, last)
	}
}

func TestEngine_Patient(t *testing.T) {
	records := []*models.PatientRecord{{PatientID: "0042", Sentence: "Patient has migraines."}}
	engine := NewEngine(newTestStore(t, records), normalize.New(normalize.PolicyReject), testQueryConfig())

	rec, err := engine.Patient(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if rec.PatientID != "0042" || rec.HasEmbedding() {
		t.Errorf("record = %+v", rec)
	}
	if _, err := engine.Patient(context.Background(), "43"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
