package storage

import (
	"math"
	"testing"
)

func TestEmbeddingEncoding(t *testing.T) {
	in := []float32{0, 1, -2.5, float32(math.SmallestNonzeroFloat32), math.MaxFloat32}
	out, err := DecodeEmbedding(EncodeEmbedding(in))
	if err != nil {
		t.Fatalf("DecodeEmbedding: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if math.Float32bits(out[i]) != math.Float32bits(in[i]) {
			t.Errorf("index %d: got %v, want %v", i, out[i], in[i])
		}
	}
}

func TestEmbeddingEncoding_emptyIsNull(t *testing.T) {
	if EncodeEmbedding(nil) != nil {
		t.Error("nil vector should encode to nil")
	}
	if EncodeEmbedding([]float32{}) != nil {
		t.Error("empty vector should encode to nil")
	}
	for _, b := range [][]byte{nil, {}} {
		v, err := DecodeEmbedding(b)
		if err != nil || v != nil {
			t.Errorf("DecodeEmbedding(%v) = %v, %v", b, v, err)
		}
	}
}

func TestDecodeEmbedding_badLength(t *testing.T) {
	if _, err := DecodeEmbedding([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for 3-byte blob")
	}
}
