package recordid

import (
	"strings"
	"testing"
)

func TestVectorID(t *testing.T) {
	id1 := VectorID("0001", "v1")
	id2 := VectorID("0001", "v1")
	if id1 != id2 {
		t.Errorf("same input should give same ID: %q vs %q", id1, id2)
	}
	if id1 != "vec_patient-0001_v1" {
		t.Errorf("VectorID = %q", id1)
	}
	if !strings.HasPrefix(id1, vectorPrefix) {
		t.Errorf("ID should have prefix %q: got %q", vectorPrefix, id1)
	}
	if VectorID("0001", "v2") == id1 {
		t.Error("different versions should give different IDs")
	}
}

func TestPadPatientID(t *testing.T) {
	tests := []struct {
		id    string
		width int
		want  string
	}{
		{"7", 4, "0007"},
		{"42", 4, "0042"},
		{"0042", 4, "0042"},
		{"12345", 4, "12345"},
		{"p7", 4, "p7"},
		{"", 4, ""},
		{"7", 0, "7"},
		{"7", -1, "7"},
		{"٣", 4, "٣"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := PadPatientID(tt.id, tt.width); got != tt.want {
				t.Errorf("PadPatientID(%q, %d) = %q, want %q", tt.id, tt.width, got, tt.want)
			}
		})
	}
}
