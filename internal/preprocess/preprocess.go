// Package preprocess prepares a raw expression matrix for marker search:
// un-logging, quantile normalization, low-expression filtering and optional
// per-gene scaling.
package preprocess

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/idmarkers/msearcher/internal/data/expr"
	"github.com/idmarkers/msearcher/internal/logging"
	"github.com/idmarkers/msearcher/internal/parallel"
)

// Row scaling modes.
const (
	ScalingNone   = "none"
	ScalingZScore = "zscore"
)

// Options controls the preprocessing pipeline.
type Options struct {
	DetectLogScale          bool
	LowExpressionPercentile float64
	RowScaling              string
	Workers                 int
	Logger                  *logrus.Entry
}

// DefaultOptions mirrors the defaults of the search command.
func DefaultOptions() Options {
	return Options{
		DetectLogScale:          true,
		LowExpressionPercentile: 5,
		RowScaling:              ScalingNone,
		Workers:                 parallel.DefaultWorkers(),
	}
}

// Report summarises what Run did.
type Report struct {
	LogScale     bool
	GenesIn      int
	GenesKept    int
	Samples      int
	Cutoff       float64
	ZeroVariance int
}

// Run un-logs log-scale input, quantile normalizes, removes low-expression
// genes (never the ones in keep) and optionally z-scores each gene.
func Run(ctx context.Context, m *expr.Matrix, keep []string, opts Options) (*expr.Matrix, *Report, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	genes, samples := m.Dims()
	rep := &Report{GenesIn: genes, Samples: samples}

	if opts.DetectLogScale && IsLogScale(m.Values()) {
		rep.LogScale = true
		log.Info(">> Input looks log-transformed, converting back with 2^x")
		var err error
		m, err = m.Map(func(_ string, row []float64) []float64 {
			for i, v := range row {
				row[i] = math.Exp2(v)
			}
			return row
		})
		if err != nil {
			return nil, nil, err
		}
	}

	log.Info(">> Normalizing by quantile method")
	norm, err := QuantileNormalize(ctx, m.Values(), opts.Workers)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to normalize: %w", err)
	}
	if m, err = m.WithValues(norm); err != nil {
		return nil, nil, err
	}

	log.Info(">> Filter out low-expressed genes across samples")
	rows, cutoff := LowExpressionRows(m.Values(), opts.LowExpressionPercentile)
	rep.Cutoff = cutoff
	rows = keepRows(m, rows, keep)
	if m, err = m.SubsetRows(rows); err != nil {
		return nil, nil, fmt.Errorf("failed to filter genes: %w", err)
	}

	switch opts.RowScaling {
	case "", ScalingNone:
	case ScalingZScore:
		var zero int
		m, zero, err = ZScoreRows(m)
		if err != nil {
			return nil, nil, err
		}
		rep.ZeroVariance = zero
	default:
		return nil, nil, fmt.Errorf("unknown row scaling %q", opts.RowScaling)
	}

	rep.GenesKept, _ = m.Dims()
	log.Infof(">> %d genes and %d samples entering downstream analysis", rep.GenesKept, samples)
	return m, rep, nil
}

// IsLogScale guesses whether values are already log-transformed from the
// 0/25/50/75/99/100th percentiles of all entries.
func IsLogScale(m mat.Matrix) bool {
	r, c := m.Dims()
	all := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			all = append(all, m.At(i, j))
		}
	}
	if len(all) == 0 {
		return false
	}
	sort.Float64s(all)

	q := func(p float64) float64 { return stat.Quantile(p, stat.LinInterp, all, nil) }
	q0, q25, q75, q99, q100 := all[0], q(0.25), q(0.75), q(0.99), all[len(all)-1]

	raw := q99 >= 100 ||
		(q100-q0 >= 50 && q25 >= 0) ||
		(q25 >= 0 && q25 <= 1 && q75 >= 1 && q75 <= 2)
	return !raw
}

// QuantileNormalize gives every column the same distribution: the mean of the
// sorted columns. Each value is replaced by the reference entry at its
// truncated average rank, so tied values share one normalized value.
func QuantileNormalize(ctx context.Context, m mat.Matrix, workers int) (*mat.Dense, error) {
	r, c := m.Dims()

	sorted, err := parallel.Map(ctx, workers, parallel.Indices(c), func(_ context.Context, cols []int, _ int) ([][]float64, error) {
		out := make([][]float64, len(cols))
		for k, j := range cols {
			out[k] = sortedColumn(m, j)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	reference := make([]float64, r)
	col := make([]float64, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			col[j] = sorted.Items[j][i]
		}
		reference[i] = stat.Mean(col, nil)
	}

	out := mat.NewDense(r, c, nil)
	_, err = parallel.Map(ctx, workers, parallel.Indices(c), func(_ context.Context, cols []int, _ int) ([]struct{}, error) {
		for _, j := range cols {
			s := sorted.Items[j]
			for i := 0; i < r; i++ {
				rank := averageRank(s, m.At(i, j))
				out.Set(i, j, reference[int(rank)-1])
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sortedColumn(m mat.Matrix, j int) []float64 {
	r, _ := m.Dims()
	col := make([]float64, r)
	for i := range col {
		col[i] = m.At(i, j)
	}
	sort.Float64s(col)
	return col
}

// averageRank returns the 1-based average rank of v within the sorted slice s.
func averageRank(s []float64, v float64) float64 {
	lo := sort.SearchFloat64s(s, v)
	hi := sort.Search(len(s), func(i int) bool { return s[i] > v })
	return float64(lo+1+hi) / 2
}

// LowExpressionRows returns the rows whose mean expression is strictly above
// the given percentile of all gene means, together with that cutoff.
func LowExpressionRows(m mat.Matrix, percentile float64) ([]int, float64) {
	r, c := m.Dims()
	means := make([]float64, r)
	row := make([]float64, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			row[j] = m.At(i, j)
		}
		means[i] = stat.Mean(row, nil)
	}

	sorted := append([]float64(nil), means...)
	sort.Float64s(sorted)
	cutoff := stat.Quantile(percentile/100, stat.LinInterp, sorted, nil)

	rows := make([]int, 0, r)
	for i, v := range means {
		if v > cutoff {
			rows = append(rows, i)
		}
	}
	return rows, cutoff
}

// keepRows adds back any row named in keep that the filter removed, preserving
// matrix order.
func keepRows(m *expr.Matrix, rows []int, keep []string) []int {
	if len(keep) == 0 {
		return rows
	}
	selected := make(map[int]bool, len(rows)+len(keep))
	for _, i := range rows {
		selected[i] = true
	}
	added := false
	for _, g := range keep {
		if i, ok := m.Index(g); ok && !selected[i] {
			selected[i] = true
			added = true
		}
	}
	if !added {
		return rows
	}
	out := make([]int, 0, len(selected))
	for i := range selected {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// ZScoreRows centres and scales every gene to unit sample standard deviation.
// Constant genes become all zero; their count is returned.
func ZScoreRows(m *expr.Matrix) (*expr.Matrix, int, error) {
	zero := 0
	out, err := m.Map(func(_ string, row []float64) []float64 {
		mean, std := stat.MeanStdDev(row, nil)
		if std == 0 || math.IsNaN(std) {
			zero++
			for i := range row {
				row[i] = 0
			}
			return row
		}
		for i, v := range row {
			row[i] = (v - mean) / std
		}
		return row
	})
	if err != nil {
		return nil, 0, err
	}
	return out, zero, nil
}
