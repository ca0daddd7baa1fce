// Package vector provides the flat inner-product similarity index, its identity map,
// and the on-disk artifact that carries both.
package vector

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/hyperjump/cohort/internal/models"
	"github.com/hyperjump/cohort/internal/normalize"
	"github.com/hyperjump/cohort/pkg/utils"
)

// MetricInnerProduct is the only supported metric. On unit vectors it equals cosine similarity.
const MetricInnerProduct = "inner_product"

// Index is an immutable exhaustive-scan index over N normalized vectors of dimension D,
// stored row-major in one contiguous slice. Safe for concurrent queries.
type Index struct {
	dimensions int
	rows       int
	data       []float32
}

// Hit is a single query result: the index row and its inner-product score.
type Hit struct {
	Row   int
	Score float64
}

// Build copies and normalizes vectors into a new Index and pairs it with an IdentityMap in
// the same order, so row i always belongs to identities[i].
func Build(vectors [][]float32, identities []Identity, norm *normalize.Normalizer) (*Index, *IdentityMap, error) {
	if len(vectors) == 0 && len(identities) == 0 {
		return nil, nil, models.ErrEmptyInput
	}
	if len(vectors) != len(identities) {
		return nil, nil, fmt.Errorf("%w: %d vectors, %d identities", models.ErrLengthMismatch, len(vectors), len(identities))
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil, nil, fmt.Errorf("%w: row 0 is empty", models.ErrDimensionMismatch)
	}
	data := make([]float32, len(vectors)*dim)
	for i, v := range vectors {
		if len(v) != dim {
			return nil, nil, fmt.Errorf("%w: row %d has %d dimensions, want %d", models.ErrDimensionMismatch, i, len(v), dim)
		}
		if identities[i].PatientID == "" {
			return nil, nil, fmt.Errorf("%w: row %d has no patient id", models.ErrMissingField, i)
		}
		row := data[i*dim : (i+1)*dim]
		copy(row, v)
		if err := norm.Normalize(row); err != nil {
			return nil, nil, fmt.Errorf("row %d (%s): %w", i, identities[i].PatientID, err)
		}
	}
	idx := &Index{dimensions: dim, rows: len(vectors), data: data}
	return idx, NewIdentityMap(identities), nil
}

// Dimensions returns D.
func (idx *Index) Dimensions() int {
	return idx.dimensions
}

// Size returns the number of rows.
func (idx *Index) Size() int {
	return idx.rows
}

// Metric returns the similarity metric.
func (idx *Index) Metric() string {
	return MetricInnerProduct
}

// Vector returns a copy of the stored (normalized) vector at row.
func (idx *Index) Vector(row int) ([]float32, bool) {
	if row < 0 || row >= idx.rows {
		return nil, false
	}
	return append([]float32(nil), idx.row(row)...), true
}

func (idx *Index) row(i int) []float32 {
	return idx.data[i*idx.dimensions : (i+1)*idx.dimensions]
}

// Query scans every row and returns the k best hits by descending score. Equal scores are
// ordered by ascending row. k <= 0 yields no hits; k > N yields N hits.
// The query vector must already be normalized by the same Normalizer used at build time.
func (idx *Index) Query(query []float32, k int) ([]Hit, error) {
	if len(query) != idx.dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", models.ErrDimensionMismatch, len(query), idx.dimensions)
	}
	if k <= 0 {
		return nil, nil
	}
	if k > idx.rows {
		k = idx.rows
	}

	h := make(hitHeap, 0, k)
	for i := 0; i < idx.rows; i++ {
		hit := Hit{Row: i, Score: utils.Dot(query, idx.row(i))}
		if h.Len() < k {
			heap.Push(&h, hit)
			continue
		}
		if better(hit, h[0]) {
			h[0] = hit
			heap.Fix(&h, 0)
		}
	}

	hits := []Hit(h)
	sort.Slice(hits, func(i, j int) bool { return better(hits[i], hits[j]) })
	return hits, nil
}

// better reports whether a ranks ahead of b.
func better(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Row < b.Row
}

// hitHeap keeps the current k best hits with the worst one at the root.
type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *hitHeap) Push(x any) {
	*h = append(*h, x.(Hit))
}

func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
