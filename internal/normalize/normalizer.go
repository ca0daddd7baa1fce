// Package normalize scales vectors to unit L2 length so inner product equals cosine similarity.
// The same Normalizer must be used when building an index and when querying it.
package normalize

import (
	"fmt"
	"math"
	"strings"

	"github.com/hyperjump/cohort/internal/models"
	"github.com/hyperjump/cohort/pkg/utils"
)

// Policy decides what happens to a zero-norm vector.
type Policy string

const (
	// PolicyReject fails with models.ErrDegenerateVector.
	PolicyReject Policy = "reject"
	// PolicyPassthrough leaves the zero vector as is; it scores 0 against everything.
	PolicyPassthrough Policy = "passthrough"
)

// ParsePolicy converts a config value into a Policy. Empty means PolicyReject.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyReject:
		return PolicyReject, nil
	case PolicyPassthrough:
		return PolicyPassthrough, nil
	default:
		return "", fmt.Errorf("unknown zero vector policy %q (want %q or %q)", s, PolicyReject, PolicyPassthrough)
	}
}

// Normalizer applies L2 normalization under a fixed zero-vector policy.
type Normalizer struct {
	policy Policy
}

// New creates a Normalizer. An empty policy means PolicyReject.
func New(policy Policy) *Normalizer {
	if policy == "" {
		policy = PolicyReject
	}
	return &Normalizer{policy: policy}
}

// Policy returns the zero-vector policy.
func (n *Normalizer) Policy() Policy {
	return n.policy
}

// Normalize scales v in place to unit length.
// NaN or infinite components are rejected under every policy.
func (n *Normalizer) Normalize(v []float32) error {
	if !utils.AllFinite(v) {
		return fmt.Errorf("%w: non-finite component", models.ErrDegenerateVector)
	}
	sum := utils.SquaredNorm(v)
	if sum == 0 {
		if n.policy == PolicyPassthrough {
			return nil
		}
		return fmt.Errorf("%w: zero norm", models.ErrDegenerateVector)
	}
	if math.IsInf(sum, 0) {
		return fmt.Errorf("%w: norm overflows", models.ErrDegenerateVector)
	}
	scale := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * scale)
	}
	return nil
}

// NormalizeBatch normalizes every vector in place and stops at the first failure,
// reporting the offending row.
func (n *Normalizer) NormalizeBatch(vs [][]float32) error {
	for i, v := range vs {
		if err := n.Normalize(v); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}
