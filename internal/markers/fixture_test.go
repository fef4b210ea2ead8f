package markers

import (
	"fmt"
	"testing"

	"github.com/idmarkers/msearcher/internal/data/expr"
)

// splitmix is a small deterministic generator so fixtures do not depend on
// math/rand internals.
type splitmix struct{ s uint64 }

func (r *splitmix) next() uint64 {
	r.s += 0x9e3779b97f4a7c15
	z := r.s
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func (r *splitmix) float64() float64 {
	return float64(r.next()>>11) / (1 << 53)
}

const fixtureSeed = 14

// noiseRows returns n uniform random rows of s samples named G0000, G0001, ...
func noiseRows(seed uint64, n, s int) (*splitmix, []string, [][]float64) {
	r := &splitmix{s: seed}
	genes := make([]string, n)
	rows := make([][]float64, n)
	for i := range rows {
		genes[i] = fmt.Sprintf("G%04d", i)
		rows[i] = make([]float64, s)
		for j := range rows[i] {
			rows[i][j] = r.float64()
		}
	}
	return r, genes, rows
}

// plant replaces rows 1..k with copies of row 0 plus noise far below the
// spacing of the other values.
func plant(r *splitmix, rows [][]float64, k int) {
	for i := 1; i <= k; i++ {
		for j := range rows[i] {
			rows[i][j] = rows[0][j] + (r.float64()-0.5)*1e-6
		}
	}
}

func buildMatrix(t *testing.T, genes []string, rows [][]float64) *expr.Matrix {
	t.Helper()
	values := make([]float64, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		values = append(values, row...)
	}
	samples := make([]string, len(rows[0]))
	for j := range samples {
		samples[j] = fmt.Sprintf("S%02d", j)
	}
	m, err := expr.New(genes, samples, values)
	if err != nil {
		t.Fatalf("expr.New: %v", err)
	}
	return m
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Workers = 4
	return opts
}
