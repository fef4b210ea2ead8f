// Package expr provides the gene × sample expression matrix and its readers.
package expr

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Matrix is a gene × sample expression matrix with unique row identifiers.
// It is treated as immutable once built; callers must not modify the slices
// returned by its accessors.
type Matrix struct {
	genes   []string
	samples []string
	index   map[string]int
	data    *mat.Dense
}

// New builds a matrix from row-major values. len(values) must equal
// len(genes)*len(samples) and gene IDs must be unique.
func New(genes, samples []string, values []float64) (*Matrix, error) {
	if len(genes) == 0 {
		return nil, fmt.Errorf("matrix has no genes")
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("matrix has no samples")
	}
	if len(values) != len(genes)*len(samples) {
		return nil, fmt.Errorf("matrix shape mismatch: %d values for %d genes x %d samples",
			len(values), len(genes), len(samples))
	}
	return fromDense(genes, samples, mat.NewDense(len(genes), len(samples), values))
}

func fromDense(genes, samples []string, data *mat.Dense) (*Matrix, error) {
	index := make(map[string]int, len(genes))
	for i, g := range genes {
		if _, dup := index[g]; dup {
			return nil, fmt.Errorf("duplicate gene id %q", g)
		}
		index[g] = i
	}
	return &Matrix{
		genes:   genes,
		samples: samples,
		index:   index,
		data:    data,
	}, nil
}

// Dims returns the number of genes and samples.
func (m *Matrix) Dims() (genes, samples int) {
	return m.data.Dims()
}

// Genes returns the row identifiers in matrix order.
func (m *Matrix) Genes() []string { return m.genes }

// Samples returns the column names in matrix order.
func (m *Matrix) Samples() []string { return m.samples }

// Values exposes the matrix as a read-only gonum matrix.
func (m *Matrix) Values() mat.Matrix { return m.data }

// Row returns the expression vector of row i. The slice aliases the matrix.
func (m *Matrix) Row(i int) []float64 {
	return m.data.RawRowView(i)
}

// At returns the value of gene i in sample j.
func (m *Matrix) At(i, j int) float64 {
	return m.data.At(i, j)
}

// Index returns the row of gene, if present.
func (m *Matrix) Index(gene string) (int, bool) {
	i, ok := m.index[gene]
	return i, ok
}

// Has reports whether gene is a row of the matrix.
func (m *Matrix) Has(gene string) bool {
	_, ok := m.index[gene]
	return ok
}

// SubsetRows returns a new matrix holding the given rows in the given order.
func (m *Matrix) SubsetRows(rows []int) (*Matrix, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("subset has no genes")
	}
	_, c := m.Dims()
	genes := make([]string, len(rows))
	data := mat.NewDense(len(rows), c, nil)
	for k, i := range rows {
		genes[k] = m.genes[i]
		data.SetRow(k, m.data.RawRowView(i))
	}
	return fromDense(genes, m.samples, data)
}

// Map returns a new matrix with f applied to every row. f receives a copy of
// the row and the gene ID and must return a row of the same length.
func (m *Matrix) Map(f func(gene string, row []float64) []float64) (*Matrix, error) {
	r, c := m.Dims()
	data := mat.NewDense(r, c, nil)
	buf := make([]float64, c)
	for i := 0; i < r; i++ {
		copy(buf, m.data.RawRowView(i))
		out := f(m.genes[i], buf)
		if len(out) != c {
			return nil, fmt.Errorf("row %q: expected %d values, got %d", m.genes[i], c, len(out))
		}
		data.SetRow(i, out)
	}
	return fromDense(m.genes, m.samples, data)
}

// WithValues returns a matrix with the same labels and new values of the same shape.
func (m *Matrix) WithValues(values *mat.Dense) (*Matrix, error) {
	r, c := m.Dims()
	vr, vc := values.Dims()
	if r != vr || c != vc {
		return nil, fmt.Errorf("value shape %dx%d does not match matrix %dx%d", vr, vc, r, c)
	}
	return fromDense(m.genes, m.samples, values)
}
