// Package markers implements the marker gene search: empirical frequency
// profiles, query similarity and the decoy significance test.
package markers

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/idmarkers/msearcher/internal/parallel"
)

// FrequencyTable holds, for every gene and sample, how many genes have a
// strictly lower value in that sample. Tied values share the minimum count.
type FrequencyTable struct {
	genes  []string
	index  map[string]int
	rows   int
	cols   int
	counts []int32
}

var _ mat.Matrix = (*FrequencyTable)(nil)

// Dims implements mat.Matrix.
func (t *FrequencyTable) Dims() (int, int) { return t.rows, t.cols }

// At implements mat.Matrix.
func (t *FrequencyTable) At(i, j int) float64 {
	return float64(t.counts[i*t.cols+j])
}

// T implements mat.Matrix.
func (t *FrequencyTable) T() mat.Matrix { return mat.Transpose{Matrix: t} }

// Row returns the counts of gene i. The slice aliases the table.
func (t *FrequencyTable) Row(i int) []int32 {
	return t.counts[i*t.cols : (i+1)*t.cols]
}

// Genes returns the row identifiers.
func (t *FrequencyTable) Genes() []string { return t.genes }

// Index returns the row of gene, if present.
func (t *FrequencyTable) Index(gene string) (int, bool) {
	i, ok := t.index[gene]
	return i, ok
}

// Subset returns a table holding only the given rows, counts unchanged.
func (t *FrequencyTable) Subset(rows []int) *FrequencyTable {
	genes := make([]string, len(rows))
	counts := make([]int32, 0, len(rows)*t.cols)
	for k, i := range rows {
		genes[k] = t.genes[i]
		counts = append(counts, t.Row(i)...)
	}
	return newTable(genes, len(rows), t.cols, counts)
}

func newTable(genes []string, rows, cols int, counts []int32) *FrequencyTable {
	index := make(map[string]int, len(genes))
	for i, g := range genes {
		index[g] = i
	}
	return &FrequencyTable{genes: genes, index: index, rows: rows, cols: cols, counts: counts}
}

// CountBelow builds the frequency table of m. Every column is sorted once and
// each gene's count is found by binary search, so the work is O(N log N) per
// sample. Columns and then genes are split across workers; the result does not
// depend on the worker count.
func CountBelow(ctx context.Context, m mat.Matrix, genes []string, workers int) (*FrequencyTable, error) {
	r, c := m.Dims()
	if len(genes) != r {
		return nil, fmt.Errorf("got %d gene ids for %d rows", len(genes), r)
	}

	sorted, err := parallel.Map(ctx, workers, parallel.Indices(c), func(_ context.Context, cols []int, _ int) ([][]float64, error) {
		out := make([][]float64, len(cols))
		for k, j := range cols {
			col := make([]float64, r)
			for i := range col {
				col[i] = m.At(i, j)
			}
			sort.Float64s(col)
			out[k] = col
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sort samples: %w", err)
	}

	counted, err := parallel.Map(ctx, workers, parallel.Indices(r), func(ctx context.Context, rows []int, _ int) ([]int32, error) {
		out := make([]int32, 0, len(rows)*c)
		for _, i := range rows {
			for j := 0; j < c; j++ {
				out = append(out, int32(sort.SearchFloat64s(sorted.Items[j], m.At(i, j))))
			}
		}
		return out, ctx.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count frequencies: %w", err)
	}

	return newTable(append([]string(nil), genes...), r, c, counted.Items), nil
}
