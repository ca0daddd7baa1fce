package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMeasureDiskUsage(t *testing.T) {
	dir := t.TempDir()

	db := filepath.Join(dir, "patients.db")
	if err := os.WriteFile(db, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(db+"-wal", []byte("wal"), 0644); err != nil {
		t.Fatal(err)
	}

	index := filepath.Join(dir, "index")
	gen := filepath.Join(index, "generations", "g1")
	if err := os.MkdirAll(gen, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(gen, "patient.index"), []byte("ab"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(index, "CURRENT"), []byte("g1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		db, index string
		wantDB    int64
		wantIndex int64
	}{
		{"both", db, index, 8, 5},
		{"database only", db, "", 8, 0},
		{"missing paths", filepath.Join(dir, "none.db"), filepath.Join(dir, "none"), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MeasureDiskUsage(tt.db, tt.index)
			if err != nil {
				t.Fatal(err)
			}
			if got.DatabaseBytes != tt.wantDB || got.IndexBytes != tt.wantIndex {
				t.Errorf("got %+v, want db=%d index=%d", got, tt.wantDB, tt.wantIndex)
			}
			if got.Total() != tt.wantDB+tt.wantIndex {
				t.Errorf("Total() = %d", got.Total())
			}
		})
	}
}
