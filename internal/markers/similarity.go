package markers

import (
	"context"
	"math"

	"github.com/idmarkers/msearcher/internal/parallel"
)

// MaxScore is the per-sample score of a perfect match when counts range over
// n genes: -log10(1/(n+1)).
func MaxScore(n int) float64 {
	return math.Log10(float64(n) + 1)
}

// Probability is the Laplace-smoothed chance of a count difference d among n
// genes. It lies in (0, 1] for 0 <= d <= n.
func Probability(d, n int) float64 {
	return float64(d+1) / float64(n+1)
}

// scorer sums -log10(Probability) over samples using a lookup table indexed
// by the absolute count difference.
type scorer struct {
	n   int
	lut []float64
}

func newScorer(n int) *scorer {
	lut := make([]float64, n+1)
	for d := range lut {
		lut[d] = -math.Log10(Probability(d, n))
	}
	return &scorer{n: n, lut: lut}
}

func (s *scorer) score(a, b []int32) float64 {
	var sum float64
	for i, x := range a {
		d := int(x - b[i])
		if d < 0 {
			d = -d
		}
		if d < len(s.lut) {
			sum += s.lut[d]
		} else {
			sum -= math.Log10(Probability(d, s.n))
		}
	}
	return sum
}

// Score compares two count profiles over n genes. Higher is more similar.
func Score(a, b []int32, n int) float64 {
	return newScorer(n).score(a, b)
}

// Similarity scores every gene of table against the query profile, with n the
// number of genes the counts were taken over.
func Similarity(query []int32, table *FrequencyTable, n int) []float64 {
	s := newScorer(n)
	out := make([]float64, table.rows)
	for i := range out {
		out[i] = s.score(table.Row(i), query)
	}
	return out
}

// similarityParallel is Similarity split across workers.
func similarityParallel(ctx context.Context, query []int32, table *FrequencyTable, n, workers int) ([]float64, error) {
	s := newScorer(n)
	res, err := parallel.Map(ctx, workers, parallel.Indices(table.rows), func(ctx context.Context, rows []int, _ int) ([]float64, error) {
		out := make([]float64, len(rows))
		for k, i := range rows {
			out[k] = s.score(table.Row(i), query)
		}
		return out, ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}

// Aggregate averages per-query score vectors gene by gene.
func Aggregate(scores [][]float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	out := make([]float64, len(scores[0]))
	for _, s := range scores {
		for i, v := range s {
			out[i] += v
		}
	}
	k := float64(len(scores))
	for i := range out {
		out[i] /= k
	}
	return out
}

// Normalize divides scores in place by the best achievable score of a profile
// with the given number of samples, mapping them into [0, 1].
func Normalize(scores []float64, n, samples int) []float64 {
	best := MaxScore(n) * float64(samples)
	if best == 0 {
		return scores
	}
	for i := range scores {
		scores[i] /= best
	}
	return scores
}
