package embedding

import (
	"fmt"

	"github.com/hyperjump/cohort/internal/models"
)

// poolingEpsilon keeps an all-padding row from dividing by zero.
const poolingEpsilon = 1e-9

// MeanPool averages token hidden states weighted by the attention mask.
//
// hidden is row-major [batch][tokens][dim] and mask is [batch][tokens]. For each row b the
// result is sum_t(mask[b,t] * hidden[b,t,:]) / max(sum_t mask[b,t], 1e-9), so masked-out
// padding never contributes and a fully masked row pools to the zero vector.
func MeanPool(hidden []float32, mask []int64, batch, tokens, dim int) ([][]float32, error) {
	if batch <= 0 {
		return nil, models.ErrEmptyBatch
	}
	if tokens <= 0 || dim <= 0 {
		return nil, fmt.Errorf("%w: tokens=%d dim=%d", models.ErrDimensionMismatch, tokens, dim)
	}
	if len(hidden) != batch*tokens*dim {
		return nil, fmt.Errorf("%w: hidden has %d values, want %d", models.ErrDimensionMismatch, len(hidden), batch*tokens*dim)
	}
	if len(mask) != batch*tokens {
		return nil, fmt.Errorf("%w: mask has %d values, want %d", models.ErrDimensionMismatch, len(mask), batch*tokens)
	}

	pooled := make([][]float32, batch)
	sum := make([]float64, dim)
	for b := 0; b < batch; b++ {
		for d := range sum {
			sum[d] = 0
		}
		var count float64
		for t := 0; t < tokens; t++ {
			m := mask[b*tokens+t]
			if m == 0 {
				continue
			}
			w := float64(m)
			count += w
			row := hidden[(b*tokens+t)*dim : (b*tokens+t+1)*dim]
			for d, h := range row {
				sum[d] += w * float64(h)
			}
		}
		if count < poolingEpsilon {
			count = poolingEpsilon
		}
		out := make([]float32, dim)
		for d := range out {
			out[d] = float32(sum[d] / count)
		}
		pooled[b] = out
	}
	return pooled, nil
}
