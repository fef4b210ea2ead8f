package markers

import (
	"math"
	"sort"
	"testing"
)

func TestBenjaminiHochberg(t *testing.T) {
	p := []float64{0.04, 0.01, 0.03, 0.02, 0.5}
	got := BenjaminiHochberg(p)
	want := []float64{0.05, 0.05, 0.05, 0.05, 0.5}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("fdr[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if BenjaminiHochberg(nil) != nil {
		t.Error("expected nil for no p-values")
	}
}

func TestBenjaminiHochberg_Properties(t *testing.T) {
	r := &splitmix{s: 7}
	p := make([]float64, 300)
	for i := range p {
		p[i] = math.Pow(r.float64(), 3)
	}
	fdr := BenjaminiHochberg(p)

	idx := make([]int, len(p))
	for i := range idx {
		idx[i] = i
		if fdr[i] < p[i] {
			t.Fatalf("fdr %v below p %v", fdr[i], p[i])
		}
		if fdr[i] > 1 {
			t.Fatalf("fdr %v above 1", fdr[i])
		}
	}
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] < p[idx[b]] })
	for k := 1; k < len(idx); k++ {
		if fdr[idx[k]] < fdr[idx[k-1]] {
			t.Fatalf("fdr decreases along sorted p at rank %d", k+1)
		}
	}
}

func TestBenjaminiHochberg_MonotoneInputUnchanged(t *testing.T) {
	// p * n / rank is already non-decreasing, so the running minimum is a no-op.
	p := []float64{0.001, 0.004, 0.009, 0.02, 0.05}
	got := BenjaminiHochberg(p)
	for i := range p {
		raw := p[i] * float64(len(p)) / float64(i+1)
		if math.Abs(got[i]-raw) > 1e-15 {
			t.Errorf("fdr[%d] = %v, want %v", i, got[i], raw)
		}
	}
	again := BenjaminiHochberg(p)
	for i := range got {
		if again[i] != got[i] {
			t.Errorf("repeat adjustment differs at %d", i)
		}
	}
}
