package benchmark

import (
	"context"
	"fmt"
	"testing"

	"github.com/hyperjump/cohort/internal/embedding"
	"github.com/hyperjump/cohort/internal/normalize"
	"github.com/hyperjump/cohort/internal/vector"
)

func buildIndex(b *testing.B, n, dim int) *vector.Index {
	b.Helper()
	vecs := make([][]float32, n)
	ids := make([]vector.Identity, n)
	for i := 0; i < n; i++ {
		vecs[i] = make([]float32, dim)
		vecs[i][0] = 1
		vecs[i][i%dim] += float32(i) / float32(n)
		ids[i] = vector.Identity{PatientID: fmt.Sprintf("%04d", i)}
	}
	idx, _, err := vector.Build(vecs, ids, normalize.New(normalize.PolicyReject))
	if err != nil {
		b.Fatalf("Build: %v", err)
	}
	return idx
}

func BenchmarkIndexQuery(b *testing.B) {
	idx := buildIndex(b, 10000, 768)
	query, _ := idx.Vector(42)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = idx.Query(query, 6)
	}
}

func BenchmarkIndexBuild(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = buildIndex(b, 1000, 768)
	}
}

func BenchmarkMeanPool(b *testing.B) {
	const batch, tokens, dim = 8, 512, 768
	hidden := make([]float32, batch*tokens*dim)
	mask := make([]int64, batch*tokens)
	for i := range mask {
		if i%tokens < 40 {
			mask[i] = 1
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = embedding.MeanPool(hidden, mask, batch, tokens, dim)
	}
}

func BenchmarkMockEncoder_Encode(b *testing.B) {
	e := embedding.NewMockEncoder(768, 8, 128)
	ctx := context.Background()
	texts := []string{"benchmark patient sentence with hypertension and type 2 diabetes"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = e.Encode(ctx, texts)
	}
}
