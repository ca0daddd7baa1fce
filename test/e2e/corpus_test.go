package e2e

import (
	"reflect"
	"testing"
)

func TestBuildCohort(t *testing.T) {
	c := BuildCohort(4, 20, 7)
	if c.Size() != 4*len(conditions) {
		t.Fatalf("Size() = %d, want %d", c.Size(), 4*len(conditions))
	}
	seen := make(map[string]bool)
	counts := make(map[string]int)
	for _, rec := range c.Records {
		if seen[rec.PatientID] {
			t.Errorf("duplicate patient id %s", rec.PatientID)
		}
		seen[rec.PatientID] = true
		if len(rec.Embedding) != 20 {
			t.Errorf("%s has %d dimensions", rec.PatientID, len(rec.Embedding))
		}
		counts[c.ClusterOf[rec.PatientID]]++
	}
	for _, cond := range conditions {
		if counts[cond.Name] != 4 {
			t.Errorf("condition %s has %d patients, want 4", cond.Name, counts[cond.Name])
		}
	}
}

func TestBuildCohort_deterministic(t *testing.T) {
	a := BuildCohort(3, 10, 42)
	b := BuildCohort(3, 10, 42)
	for i := range a.Records {
		if !reflect.DeepEqual(a.Records[i].Embedding, b.Records[i].Embedding) {
			t.Fatalf("record %d differs between runs with the same seed", i)
		}
	}
}
