package markers

import "fmt"

// FilterQueries drops query genes whose expression pattern disagrees with the
// rest of the set. A gene's consistency is the mean normalized similarity to
// the other query genes; genes at or below cutoff are removed. A single query
// gene has nothing to disagree with and is kept with consistency 1.
func FilterQueries(table *FrequencyTable, queries []string, cutoff float64) ([]string, map[string]float64, error) {
	rows := make([]int, len(queries))
	for k, q := range queries {
		i, ok := table.Index(q)
		if !ok {
			return nil, nil, fmt.Errorf("query gene %q: %w", q, ErrNoQueryGenes)
		}
		rows[k] = i
	}

	consistency := make(map[string]float64, len(queries))
	if len(queries) == 1 {
		consistency[queries[0]] = 1
		return append([]string(nil), queries...), consistency, nil
	}

	n, samples := table.Dims()
	s := newScorer(n)
	best := MaxScore(n) * float64(samples)

	sum := make([]float64, len(queries))
	for a := 0; a < len(rows); a++ {
		for b := a + 1; b < len(rows); b++ {
			v := s.score(table.Row(rows[a]), table.Row(rows[b])) / best
			sum[a] += v
			sum[b] += v
		}
	}

	kept := make([]string, 0, len(queries))
	for k, q := range queries {
		c := sum[k] / float64(len(queries)-1)
		consistency[q] = c
		if c > cutoff {
			kept = append(kept, q)
		}
	}
	if len(kept) == 0 {
		return nil, consistency, fmt.Errorf("all %d query genes at or below consistency %.2f: %w", len(queries), cutoff, ErrQualityCheck)
	}
	return kept, consistency, nil
}
