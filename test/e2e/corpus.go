// Package e2e provides end-to-end tests over a synthetic patient cohort with known clusters.
package e2e

import (
	"fmt"
	"math/rand"

	"github.com/hyperjump/cohort/internal/models"
)

// Condition is one synthetic cluster: patients sharing it get embeddings near the same centroid.
type Condition struct {
	Name     string
	Sentence string
}

var conditions = []Condition{
	{"diabetes", "Patient has type 2 diabetes managed with metformin."},
	{"asthma", "Patient presents with persistent asthma and wheezing."},
	{"ckd", "Patient has chronic kidney disease stage 3."},
	{"fracture", "Patient is recovering from a femur fracture."},
	{"migraine", "Patient reports recurring migraines with aura."},
}

// Cohort is a generated set of patients with their cluster labels.
type Cohort struct {
	Records    []*models.PatientRecord
	ClusterOf  map[string]string
	Dimensions int
}

// BuildCohort returns perPatient patients for every condition. Embeddings are the condition's
// centroid plus small noise, so every patient's nearest neighbours share its condition.
// The same seed always produces the same cohort.
func BuildCohort(perCondition, dimensions int, seed int64) *Cohort {
	rng := rand.New(rand.NewSource(seed))
	centroids := make([][]float32, len(conditions))
	for i := range centroids {
		centroids[i] = make([]float32, dimensions)
		// Disjoint support keeps centroids orthogonal.
		for d := i; d < dimensions; d += len(conditions) {
			centroids[i][d] = 1
		}
	}

	c := &Cohort{ClusterOf: make(map[string]string), Dimensions: dimensions}
	n := 0
	for p := 0; p < perCondition; p++ {
		for i, cond := range conditions {
			n++
			id := fmt.Sprintf("%04d", n)
			vec := make([]float32, dimensions)
			for d := range vec {
				vec[d] = centroids[i][d] + float32(rng.NormFloat64()*0.05)
			}
			c.Records = append(c.Records, &models.PatientRecord{
				PatientID:        id,
				Sentence:         fmt.Sprintf("%s Visit %d.", cond.Sentence, p+1),
				Embedding:        vec,
				ModelName:        "synthetic",
				EmbeddingVersion: "v1",
			})
			c.ClusterOf[id] = cond.Name
		}
	}
	return c
}

// Size returns the number of patients.
func (c *Cohort) Size() int {
	return len(c.Records)
}
