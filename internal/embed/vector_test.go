package embed

import (
	"math"
	"testing"
)

func TestEncodeDecodeVector(t *testing.T) {
	in := []float32{0.1, -0.5, 3.25, 0}
	blob := EncodeVector(in)
	if len(blob) != 16 {
		t.Fatalf("blob length = %d, want 16", len(blob))
	}
	out, err := DecodeVector(blob)
	if err != nil {
		t.Fatalf("DecodeVector: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("element %d = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestDecodeVector_BadLength(t *testing.T) {
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}

func TestCosine_SelfSimilarity(t *testing.T) {
	v := Normalize([]float32{3, 4, 12, -1})
	got := Cosine(v, v)
	if math.Abs(got-1.0) > 1e-6 {
		t.Errorf("self similarity = %v, want 1.0", got)
	}
}

func TestCosine_Orthogonal(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	if got := Cosine(a, b); got != 0 {
		t.Errorf("orthogonal similarity = %v, want 0", got)
	}
}

func TestCosine_DimMismatch(t *testing.T) {
	if got := Cosine([]float32{1}, []float32{1, 0}); got != 0 {
		t.Errorf("mismatched dims = %v, want 0", got)
	}
}

func TestNormalize_ZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	out := Normalize(v)
	for _, f := range out {
		if f != 0 {
			t.Errorf("zero vector changed: %v", out)
		}
	}
}
